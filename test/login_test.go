package test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/2beens/cardiotracker/internal/misc"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (s *IntegrationTestSuite) TestLogin() {
	t := s.T()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cases := map[string]struct {
		loginReq           misc.LoginRequest
		expectedStatusCode int
		assertFunc         func(resp *http.Response)
	}{
		"good creds": {
			loginReq: misc.LoginRequest{
				UserID:   gofakeit.UUID(),
				Token:    "backend-token",
				Password: testPassword,
			},
			expectedStatusCode: http.StatusOK,
			assertFunc: func(resp *http.Response) {
				var loginResp misc.LoginResponse
				require.NoError(t, decodeJSON(resp.Body, &loginResp))
				assert.NotEmpty(t, loginResp.Token)
			},
		},
		"good creds, then logout": {
			loginReq: misc.LoginRequest{
				UserID:   gofakeit.UUID(),
				Password: testPassword,
			},
			expectedStatusCode: http.StatusOK,
			assertFunc: func(resp *http.Response) {
				var loginResp misc.LoginResponse
				require.NoError(t, decodeJSON(resp.Body, &loginResp))
				require.NotEmpty(t, loginResp.Token)

				sessionResp := doRequest(ctx, t, "GET", "/cardio/session", loginResp.Token, nil)
				assert.Equal(t, http.StatusOK, sessionResp.StatusCode)
				sessionResp.Body.Close()

				logoutResp := doRequest(ctx, t, "GET", "/a/logout", loginResp.Token, nil)
				assert.Equal(t, http.StatusOK, logoutResp.StatusCode)
				logoutResp.Body.Close()

				sessionResp = doRequest(ctx, t, "GET", "/cardio/session", loginResp.Token, nil)
				assert.Equal(t, http.StatusUnauthorized, sessionResp.StatusCode)
				sessionResp.Body.Close()
			},
		},
		"bad password": {
			loginReq: misc.LoginRequest{
				UserID:   gofakeit.UUID(),
				Password: "bad-password",
			},
			expectedStatusCode: http.StatusBadRequest,
			assertFunc: func(resp *http.Response) {
				respBytes, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				assert.Equal(t, "error, wrong credentials", strings.TrimSpace(string(respBytes)))
			},
		},
		"missing user id": {
			loginReq: misc.LoginRequest{
				Password: testPassword,
			},
			expectedStatusCode: http.StatusBadRequest,
			assertFunc: func(resp *http.Response) {
				respBytes, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				assert.Equal(t, "error, user id empty", strings.TrimSpace(string(respBytes)))
			},
		},
	}

	for tn, tc := range cases {
		t.Run(tn, func(t *testing.T) {
			loginReqJson, err := json.Marshal(tc.loginReq)
			require.NoError(t, err)

			req, err := http.NewRequestWithContext(ctx, "POST", fmt.Sprintf("%s/a/login", serverEndpoint), bytes.NewBuffer(loginReqJson))
			require.NoError(t, err)
			req.Header.Set("User-Agent", "test-agent")
			req.Header.Set("Content-Type", "application/json")

			resp, err := s.httpClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, tc.expectedStatusCode, resp.StatusCode)

			tc.assertFunc(resp)
		})
	}

	t.Run("rate limiting", func(t *testing.T) {
		// simulate login requests brute force attack
		loginRequest := misc.LoginRequest{
			UserID:   "test-user",
			Password: "test-pass",
		}
		loginReqJson, err := json.Marshal(loginRequest)
		require.NoError(t, err)

		// config allows 10 login attempts per minute
		require.NoError(t, s.redisDataCleanup(ctx))

		for i := 1; i <= 15; i++ {
			req, err := http.NewRequestWithContext(ctx, "POST", fmt.Sprintf("%s/a/login", serverEndpoint), bytes.NewBuffer(loginReqJson))
			require.NoError(t, err)
			req.Header.Set("User-Agent", "test-agent")
			req.Header.Set("Content-Type", "application/json")

			resp, err := s.httpClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()

			if i <= 10 {
				require.Equal(t, http.StatusBadRequest, resp.StatusCode, "iteration: %d", i)
			} else {
				require.Equal(t, http.StatusTooEarly, resp.StatusCode, "iteration: %d", i)
			}
		}
	})
}

func (s *IntegrationTestSuite) TestUnauthorized() {
	t := s.T()
	ctx := context.Background()

	for _, path := range []string{"/cardio/session", "/cardio/track"} {
		resp := doRequest(ctx, t, "GET", path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		resp.Body.Close()

		resp = doRequest(ctx, t, "GET", path, "not-a-token", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		resp.Body.Close()
	}

	resp := doRequest(ctx, t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

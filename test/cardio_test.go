package test

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/2beens/cardiotracker/internal/cardio"
	"github.com/2beens/cardiotracker/internal/location"
	"github.com/2beens/cardiotracker/internal/pathview"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (s *IntegrationTestSuite) getSnapshot(ctx context.Context, token string) cardio.Snapshot {
	t := s.T()
	resp := doRequest(ctx, t, "GET", "/cardio/session", token, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap cardio.Snapshot
	require.NoError(t, decodeJSON(resp.Body, &snap))
	return snap
}

func (s *IntegrationTestSuite) postFix(ctx context.Context, token string, lat, lon float64) location.FixResponse {
	t := s.T()
	resp := doRequest(ctx, t, "POST", "/cardio/location/fix", token, location.FixRequest{
		Latitude:  &lat,
		Longitude: &lon,
		Timestamp: time.Now().UnixMilli(),
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var fixResp location.FixResponse
	require.NoError(t, decodeJSON(resp.Body, &fixResp))
	return fixResp
}

func (s *IntegrationTestSuite) TestCardioSession() {
	t := s.T()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	userID := gofakeit.UUID()
	token := doLogin(ctx, t, userID, "backend-token-1")

	snap := s.getSnapshot(ctx, token)
	assert.Equal(t, cardio.StateIdle, snap.State)
	assert.Equal(t, cardio.StatusReady, snap.Status)

	// live track stream, browsers pass the token in the query
	wsURL := fmt.Sprintf("ws://%s:%d/cardio/track/live?token=%s", serverHost, serverPort, token)
	wsHeader := http.Header{}
	wsHeader.Set("Origin", "http://localhost:8080")
	wsConn, wsResp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, wsHeader)
	require.NoError(t, err)
	defer wsConn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, wsResp.StatusCode)

	var update pathview.Update
	require.NoError(t, wsConn.ReadJSON(&update))
	assert.Equal(t, pathview.UpdateView, update.Kind)
	require.NotNil(t, update.View)
	assert.Empty(t, update.View.Polyline)

	resp := doRequest(ctx, t, "POST", "/cardio/session/start", token, cardio.StartRequest{Activity: "running"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// no watch is open before the start, so earlier fixes go nowhere
	fixResp := s.postFix(ctx, token, 44.8125, 20.4612)
	assert.True(t, fixResp.Accepted)
	assert.Equal(t, 1, fixResp.Delivered)
	s.postFix(ctx, token, 44.8135, 20.4612)
	s.postFix(ctx, token, 44.8145, 20.4612)

	snap = s.getSnapshot(ctx, token)
	assert.Equal(t, cardio.StateActive, snap.State)
	assert.Equal(t, 3, snap.PathLength)
	assert.InDelta(t, 0.222, snap.DistanceKm, 0.002)
	require.NotNil(t, snap.Position)
	assert.Equal(t, 44.8145, snap.Position.Latitude)

	// reset, then the first point with a recenter, then extends
	var kinds []pathview.UpdateKind
	require.NoError(t, wsConn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for len(kinds) < 5 {
		var u pathview.Update
		require.NoError(t, wsConn.ReadJSON(&u))
		kinds = append(kinds, u.Kind)
	}
	assert.Equal(t, pathview.UpdateReset, kinds[0])
	assert.Contains(t, kinds, pathview.UpdateRecenter)
	assert.Contains(t, kinds, pathview.UpdateExtend)

	resp = doRequest(ctx, t, "GET", "/cardio/track", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view pathview.View
	require.NoError(t, decodeJSON(resp.Body, &view))
	resp.Body.Close()
	assert.Len(t, view.Polyline, 3)

	resp = doRequest(ctx, t, "POST", "/cardio/session/pause", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// fixes while paused are dropped
	s.postFix(ctx, token, 44.9, 20.5)
	assert.Equal(t, 3, s.getSnapshot(ctx, token).PathLength)

	resp = doRequest(ctx, t, "POST", "/cardio/session/resume", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// at least one whole second has to be recorded
	time.Sleep(1100 * time.Millisecond)

	resp = doRequest(ctx, t, "POST", "/cardio/session/end", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, decodeJSON(resp.Body, &snap))
	resp.Body.Close()
	assert.Equal(t, cardio.StateEnded, snap.State)
	require.NotNil(t, snap.Summary)
	assert.True(t, strings.HasPrefix(snap.Summary.Text, "running - "))

	resp = doRequest(ctx, t, "POST", "/cardio/session/submit", token, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		return s.getSnapshot(ctx, token).State == cardio.StateIdle
	}, 5*time.Second, 50*time.Millisecond)

	var workout *struct{ userID, text, token string }
	s.backend.mu.Lock()
	for i, w := range s.backend.workouts {
		if w.UserID == userID {
			workout = &struct{ userID, text, token string }{w.UserID, w.Text, s.backend.tokens[i]}
		}
	}
	s.backend.mu.Unlock()
	require.NotNil(t, workout)
	assert.Equal(t, snap.Summary.Text, workout.text)
	assert.Equal(t, "Bearer backend-token-1", workout.token)
}

func (s *IntegrationTestSuite) TestCardioSession_SubmitFailure() {
	t := s.T()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	userID := gofakeit.UUID()
	token := doLogin(ctx, t, userID, "backend-token-2")

	resp := doRequest(ctx, t, "POST", "/cardio/session/start", token, cardio.StartRequest{Activity: "walking"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	s.postFix(ctx, token, 45.0, 19.0)
	time.Sleep(1100 * time.Millisecond)

	resp = doRequest(ctx, t, "POST", "/cardio/session/end", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	s.backend.FailNext()
	workoutsBefore := len(s.backend.Workouts())

	resp = doRequest(ctx, t, "POST", "/cardio/session/submit", token, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		return s.getSnapshot(ctx, token).Status == cardio.StatusSaveFailed
	}, 5*time.Second, 50*time.Millisecond)

	snap := s.getSnapshot(ctx, token)
	assert.Equal(t, cardio.StateEnded, snap.State)
	assert.Equal(t, cardio.ErrMsgSaveFailed, snap.Error)
	assert.Len(t, s.backend.Workouts(), workoutsBefore)

	// retry goes through
	resp = doRequest(ctx, t, "POST", "/cardio/session/submit", token, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		return s.getSnapshot(ctx, token).State == cardio.StateIdle
	}, 5*time.Second, 50*time.Millisecond)
	assert.Len(t, s.backend.Workouts(), workoutsBefore+1)
}

func (s *IntegrationTestSuite) TestCardioSession_Conflicts() {
	t := s.T()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	token := doLogin(ctx, t, gofakeit.UUID(), "")

	resp := doRequest(ctx, t, "POST", "/cardio/session/pause", token, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = doRequest(ctx, t, "POST", "/cardio/session/start", token, cardio.StartRequest{Activity: "swimming"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = doRequest(ctx, t, "POST", "/cardio/session/start", token, cardio.StartRequest{Activity: "cycling"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doRequest(ctx, t, "POST", "/cardio/session/start", token, cardio.StartRequest{Activity: "cycling"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = doRequest(ctx, t, "POST", "/cardio/session/end", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// nothing recorded yet
	resp = doRequest(ctx, t, "POST", "/cardio/session/submit", token, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()

	resp = doRequest(ctx, t, "POST", "/cardio/session/discard", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, cardio.StateIdle, s.getSnapshot(ctx, token).State)
}

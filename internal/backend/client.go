package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/2beens/cardiotracker/internal/cardio"
	"github.com/2beens/cardiotracker/internal/telemetry/tracing"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const workoutCalculatePath = "/workout/calculate"

var ErrUnexpectedStatus = errors.New("unexpected backend response status")

var _ cardio.Submitter = (*Client)(nil)

// WorkoutRequest is the body of the workout calculation endpoint. The backend
// parses the free text, so the cardio summary is sent as one line.
type WorkoutRequest struct {
	UserID string `json:"user_id"`
	Date   string `json:"date"`
	Text   string `json:"text"`
}

// Client calls the remote fitness backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Submit sends an ended cardio session to the backend.
func (c *Client) Submit(ctx context.Context, identity cardio.Identity, summary cardio.Summary) error {
	return c.CalculateWorkout(ctx, identity.Token, WorkoutRequest{
		UserID: identity.UserID,
		Date:   summary.Date,
		Text:   summary.Text,
	})
}

// CalculateWorkout posts the workout; any non 2xx answer is an error, the
// response body is only read for logging.
func (c *Client) CalculateWorkout(ctx context.Context, token string, workout WorkoutRequest) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "backend.calculateWorkout")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.String("user_id", workout.UserID))

	reqBody, err := json.Marshal(workout)
	if err != nil {
		return fmt.Errorf("marshal workout: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+workoutCalculatePath, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http client do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		log.Warnf("backend workout calculate for [%s]: %d, %s", workout.UserID, resp.StatusCode, respBytes)
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	// drain, so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)
	span.SetStatus(codes.Ok, "workout submitted")
	log.Debugf("backend workout calculate for [%s]: %s", workout.UserID, workout.Text)

	return nil
}

package aiclient_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/aiclient"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/models"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func jsonResponse(status int, v any) *http.Response {
	body, _ := json.Marshal(v)
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(bytes.NewReader(body)),
		Header:     make(http.Header),
	}
}

func newClient(t *testing.T, rt roundTripFunc, retries int) *aiclient.HTTPClient {
	t.Helper()
	c, err := aiclient.NewHTTPClient(aiclient.HTTPClientConfig{
		BaseURL:    "http://ai/",
		Timeout:    time.Second,
		Retries:    retries,
		HTTPClient: &http.Client{Transport: rt},
	})
	require.NoError(t, err)
	return c
}

func TestDecidePostsProposalContext(t *testing.T) {
	client := newClient(t, func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, "/ai/movement/vote", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req aiclient.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "oracle", req.VoterID)
		assert.Equal(t, models.MovementHorse, req.MovementMethod)
		return jsonResponse(http.StatusOK, aiclient.Decision{Choice: models.ChoiceApprove, Confidence: 0.75, Reasoning: "ok"}), nil
	}, 0)

	d, err := client.Decide(context.Background(), aiclient.Request{VoterID: "oracle", MovementMethod: models.MovementHorse})
	require.NoError(t, err)
	assert.Equal(t, models.ChoiceApprove, d.Choice)
	assert.Equal(t, 0.75, d.Confidence)
}

func TestDecideRetriesServerErrors(t *testing.T) {
	var calls int32
	client := newClient(t, func(r *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return jsonResponse(http.StatusBadGateway, map[string]string{"error": "warming up"}), nil
		}
		return jsonResponse(http.StatusOK, aiclient.Decision{Choice: models.ChoiceReject, Confidence: 0.4}), nil
	}, 2)

	d, err := client.Decide(context.Background(), aiclient.Request{VoterID: "oracle"})
	require.NoError(t, err)
	assert.Equal(t, models.ChoiceReject, d.Choice)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDecideDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	client := newClient(t, func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return jsonResponse(http.StatusBadRequest, map[string]string{"error": "bad"}), nil
	}, 3)

	_, err := client.Decide(context.Background(), aiclient.Request{})
	assert.ErrorContains(t, err, "rejected request")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDecideRejectsInvalidChoice(t *testing.T) {
	client := newClient(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, map[string]any{"choice": "maybe", "confidence": 0.5}), nil
	}, 0)

	_, err := client.Decide(context.Background(), aiclient.Request{})
	assert.ErrorContains(t, err, "invalid choice")
}

func TestNewHTTPClientRequiresBaseURL(t *testing.T) {
	_, err := aiclient.NewHTTPClient(aiclient.HTTPClientConfig{})
	assert.Error(t, err)
}

func TestStaticClient(t *testing.T) {
	c := aiclient.NewStaticClient(0.6)
	d, err := c.Decide(context.Background(), aiclient.Request{Difficulty: models.DifficultyDangerous, Urgency: models.UrgencyLow})
	require.NoError(t, err)
	assert.Equal(t, models.ChoiceReject, d.Choice)

	d, err = c.Decide(context.Background(), aiclient.Request{Difficulty: models.DifficultyDangerous, Urgency: models.UrgencyCritical})
	require.NoError(t, err)
	assert.Equal(t, models.ChoiceApprove, d.Choice)
	assert.Equal(t, 0.6, d.Confidence)
}

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/dagflow/types"
	"github.com/BaSui01/dagflow/workflow"
)

func TestBuiltinHandlers_Registered(t *testing.T) {
	reg := builtinHandlers(zap.NewNop())
	assert.Equal(t, []string{"http", "task"}, reg.Names())
}

func TestPassthroughStep(t *testing.T) {
	out, err := passthroughStep(context.Background(), workflow.StepRequest{
		Params:   map[string]any{"k": "v"},
		Bindings: map[string]any{"order_id": 7},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"params": map[string]any{"k": "v"},
		"inputs": map[string]any{"order_id": 7},
	}, out)
}

func TestWebhookHandler(t *testing.T) {
	var got webhookRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "exec-1", r.Header.Get("X-Execution-ID"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"shipped":true}`))
	}))
	defer srv.Close()

	h := newWebhookHandler(srv.Client(), nil)
	out, err := h.Execute(context.Background(), workflow.StepRequest{
		ExecutionID:  "exec-1",
		DefinitionID: "def-1",
		StepName:     "ship",
		Attempt:      2,
		Params:       map[string]any{"url": srv.URL, "carrier": "dhl"},
		Bindings:     map[string]any{"order_id": "o-9"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"shipped": true}, out)

	assert.Equal(t, "ship", got.Step)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, map[string]any{"carrier": "dhl"}, got.Params, "url is not forwarded")
	assert.Equal(t, map[string]any{"order_id": "o-9"}, got.Inputs)
}

func TestWebhookHandler_Responses(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantOut       any
		wantErr       bool
		wantRetryable bool
	}{
		{name: "empty body", status: http.StatusNoContent, wantOut: nil},
		{name: "plain text", status: http.StatusOK, body: "done", wantOut: "done"},
		{name: "server error retries", status: http.StatusBadGateway, wantErr: true, wantRetryable: true},
		{name: "throttled retries", status: http.StatusTooManyRequests, wantErr: true, wantRetryable: true},
		{name: "client error is final", status: http.StatusBadRequest, wantErr: true, wantRetryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			h := newWebhookHandler(srv.Client(), zap.NewNop())
			out, err := h.Execute(context.Background(), workflow.StepRequest{
				Params: map[string]any{"url": srv.URL},
			})
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, tt.wantOut, out)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantRetryable, types.IsRetryable(err))
		})
	}
}

func TestWebhookHandler_MissingURL(t *testing.T) {
	h := newWebhookHandler(http.DefaultClient, zap.NewNop())
	_, err := h.Execute(context.Background(), workflow.StepRequest{StepName: "ship"})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
	assert.False(t, types.IsRetryable(err))
}

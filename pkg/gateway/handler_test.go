package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/neuroglia-io/cloud-streams-sub001/pkg/admission"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/cloudevent"
	cserrors "github.com/neuroglia-io/cloud-streams-sub001/pkg/errors"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticAdmitter 总是返回同一个决定，并记录收到的事件
type staticAdmitter struct {
	decision admission.Decision
	received []*cloudevent.Event
}

func (a *staticAdmitter) Evaluate(_ context.Context, event *cloudevent.Event) admission.Decision {
	a.received = append(a.received, event)
	if a.decision.Allowed {
		event.DataSchema = "urn:schema:order.created"
	}
	return a.decision
}

const orderEvent = `{"specversion":"1.0","id":"1","source":"https://shop","type":"order.created","data":{"orderId":"42"}}`

func post(t *testing.T, h http.Handler, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewBufferString(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIngestDecisions(t *testing.T) {
	tests := []struct {
		name     string
		decision admission.Decision
		code     int
	}{
		{"Accepted", admission.Decision{Allowed: true}, http.StatusAccepted},
		{"ValidationFailed", admission.Decision{Reason: cserrors.ReasonValidationFailed, Message: "validation failed", Errors: map[string][]string{"data.orderId": {"is required"}}}, http.StatusBadRequest},
		{"Forbidden", admission.Decision{Reason: cserrors.ReasonForbidden, Message: "forbidden"}, http.StatusForbidden},
		{"ConfigurationError", admission.Decision{Reason: cserrors.ReasonConfigurationError, Message: "bad policy"}, http.StatusInternalServerError},
		{"UpstreamUnavailable", admission.Decision{Reason: cserrors.ReasonUpstreamUnavailable, Message: "monitor stopped"}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			admitter := &staticAdmitter{decision: tt.decision}
			rec := post(t, NewHandler(admitter, HandlerOptions{}), contentTypeCloudEvent, orderEvent)

			assert.Equal(t, tt.code, rec.Code)
			require.Len(t, admitter.received, 1)
			assert.Equal(t, "order.created", admitter.received[0].Type)

			if tt.decision.Allowed {
				resp := AcceptedResponse{}
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, AcceptedResponse{ID: "1", DataSchema: "urn:schema:order.created"}, resp)
				return
			}
			resp := ErrorResponse{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.decision.Reason, resp.Reason)
			assert.Equal(t, tt.decision.Message, resp.Message)
			assert.Equal(t, tt.decision.Errors, resp.Errors)
			if tt.decision.Retryable() {
				assert.Equal(t, "1", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestIngestRejectsUnreadableBodies(t *testing.T) {
	admitter := &staticAdmitter{decision: admission.Decision{Allowed: true}}
	h := NewHandler(admitter, HandlerOptions{})

	tests := []struct {
		name        string
		contentType string
		body        string
	}{
		{"NotJSON", "application/json", "{"},
		{"WrongContentType", "text/plain", orderEvent},
		{"TooLarge", contentTypeCloudEvent, `{"data":"` + strings.Repeat("x", maxEventBytes) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, h, tt.contentType, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			resp := ErrorResponse{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, cserrors.ReasonValidationFailed, resp.Reason)
			assert.Contains(t, resp.Errors, "body")
		})
	}
	assert.Empty(t, admitter.received, "unreadable events never reach admission")

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthz(t *testing.T) {
	ready := false
	h := NewHandler(&staticAdmitter{}, HandlerOptions{Ready: func() bool { return ready }})

	check := func() int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		return rec.Code
	}
	assert.Equal(t, http.StatusServiceUnavailable, check())
	ready = true
	assert.Equal(t, http.StatusOK, check())
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, metrics.Register(reg))
	metrics.RecordAdmission("denied", string(cserrors.ReasonForbidden), 0)

	server := httptest.NewServer(NewHandler(&staticAdmitter{}, HandlerOptions{Gatherer: reg}))
	defer server.Close()

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "cloudstreams_admission_decisions_total")

	withoutMetrics := httptest.NewRecorder()
	NewHandler(&staticAdmitter{}, HandlerOptions{}).ServeHTTP(withoutMetrics, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, withoutMetrics.Code)
}

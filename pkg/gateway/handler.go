// Package gateway 是事件的 HTTP 入口。
// 每个入站事件都先经过准入控制，只有被接受的事件才会得到 202。
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/admission"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/cloudevent"
	cserrors "github.com/neuroglia-io/cloud-streams-sub001/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// maxEventBytes 限制单个结构化事件的大小
	maxEventBytes = 1 << 20

	contentTypeCloudEvent = "application/cloudevents+json"
)

// Admitter 对一个事件做出准入决定，通常是 *admission.Controller
type Admitter interface {
	Evaluate(ctx context.Context, event *cloudevent.Event) admission.Decision
}

// ErrorResponse 是拒绝事件时的响应体
type ErrorResponse struct {
	Reason  cserrors.Reason     `json:"reason"`
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

// AcceptedResponse 是接受事件时的响应体
type AcceptedResponse struct {
	ID         string `json:"id"`
	DataSchema string `json:"dataschema,omitempty"`
}

type HandlerOptions struct {
	// Gatherer 为 nil 时不暴露 /metrics
	Gatherer prometheus.Gatherer
	// Ready 为 nil 时 /healthz 总是返回 200
	Ready func() bool
	Logger logr.Logger
}

type handler struct {
	admitter Admitter
	ready    func() bool
	logger   logr.Logger
}

// NewHandler 返回网关的 http.Handler：
// POST /events 接收结构化模式的 CloudEvent，GET /healthz 报告策略是否可用，GET /metrics 暴露指标。
func NewHandler(admitter Admitter, opts HandlerOptions) http.Handler {
	h := &handler{
		admitter: admitter,
		ready:    opts.Ready,
		logger:   opts.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /events", h.ingest)
	mux.HandleFunc("GET /healthz", h.healthz)
	if opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	if h.ready != nil && !h.ready() {
		http.Error(w, "gateway policy unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handler) ingest(w http.ResponseWriter, r *http.Request) {
	event, err := readEvent(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Reason:  cserrors.ReasonValidationFailed,
			Message: err.Error(),
			Errors:  map[string][]string{"body": {err.Error()}},
		})
		return
	}

	decision := h.admitter.Evaluate(r.Context(), event)
	if decision.Allowed {
		h.logger.V(4).Info("Accepted event", "id", event.ID, "source", event.Source, "type", event.Type)
		writeJSON(w, http.StatusAccepted, AcceptedResponse{ID: event.ID, DataSchema: event.DataSchema})
		return
	}

	code := statusCodeFor(decision.Reason)
	if decision.Retryable() {
		w.Header().Set("Retry-After", "1")
	}
	h.logger.V(2).Info("Rejected event", "id", event.ID, "source", event.Source, "type", event.Type, "reason", decision.Reason, "message", decision.Message)
	writeJSON(w, code, ErrorResponse{
		Reason:  decision.Reason,
		Message: decision.Message,
		Errors:  decision.Errors,
	})
}

// readEvent 解码结构化模式的事件，只处理传输层面的问题，事件内容的校验交给准入控制
func readEvent(r *http.Request) (*cloudevent.Event, error) {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return nil, fmt.Errorf("invalid content type %q", ct)
		}
		if mediaType != contentTypeCloudEvent && mediaType != "application/json" {
			return nil, fmt.Errorf("unsupported content type %q, expected %s", mediaType, contentTypeCloudEvent)
		}
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read event: %w", err)
	}
	if len(data) > maxEventBytes {
		return nil, fmt.Errorf("event exceeds %d bytes", maxEventBytes)
	}
	event := &cloudevent.Event{}
	if err := json.Unmarshal(data, event); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	return event, nil
}

func statusCodeFor(reason cserrors.Reason) int {
	switch reason {
	case cserrors.ReasonValidationFailed:
		return http.StatusBadRequest
	case cserrors.ReasonForbidden:
		return http.StatusForbidden
	case cserrors.ReasonUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

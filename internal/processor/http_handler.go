package processor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/taoyao-code/marker-server/internal/codec/httpcodec"
	"github.com/taoyao-code/marker-server/internal/metrics"
	"github.com/taoyao-code/marker-server/internal/pipeline"
)

const contentTypeJSON = "application/json; charset=utf-8"

// markerBody 标记的 JSON 表示
type markerBody struct {
	ID        string `json:"id,omitempty"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	CreatedAt string `json:"createdAt,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

// HTTPHandler HTTP 请求 -> 命令 -> HTTP 响应
type HTTPHandler struct {
	proc    *Processor
	metrics *metrics.AppMetrics
}

// NewHTTPHandler m 可为 nil
func NewHTTPHandler(proc *Processor, m *metrics.AppMetrics) *HTTPHandler {
	return &HTTPHandler{proc: proc, metrics: m}
}

func (h *HTTPHandler) Handle(ctx context.Context, req any) any {
	r, ok := req.(*httpcodec.Request)
	if !ok {
		return httpcodec.ErrorResponse(http.StatusInternalServerError)
	}
	resp := h.route(ctx, r)
	h.observe(resp.Status)
	return resp
}

func (h *HTTPHandler) route(ctx context.Context, r *httpcodec.Request) *httpcodec.Response {
	switch {
	case r.Path == "/ping":
		if r.Method != http.MethodGet {
			return methodNotAllowed(r, http.MethodGet)
		}
		return httpcodec.NewResponse(http.StatusOK, "text/plain; charset=utf-8", []byte("pong"), r.KeepAlive)

	case r.Path == "/markers":
		if r.Method != http.MethodPost {
			return methodNotAllowed(r, http.MethodPost)
		}
		var body markerBody
		if err := json.Unmarshal(r.Body, &body); err != nil {
			return jsonResponse(http.StatusBadRequest, errorBody{Error: "invalid json: " + err.Error()}, r.KeepAlive)
		}
		res := h.proc.Process(ctx, Command{Op: OpStore, Key: body.Key, Value: []byte(body.Value)})
		return resultResponse(res, http.StatusCreated, r.KeepAlive)

	case strings.HasPrefix(r.Path, "/markers/"):
		if r.Method != http.MethodGet {
			return methodNotAllowed(r, http.MethodGet)
		}
		key := strings.TrimPrefix(r.Path, "/markers/")
		res := h.proc.Process(ctx, Command{Op: OpLookup, Key: key})
		return resultResponse(res, http.StatusOK, r.KeepAlive)

	default:
		return jsonResponse(http.StatusNotFound, errorBody{Error: "no route for " + r.Path}, r.KeepAlive)
	}
}

func (h *HTTPHandler) Fail(req any, err error) any {
	keepAlive := false
	if r, ok := req.(*httpcodec.Request); ok {
		keepAlive = r.KeepAlive
	}
	status := http.StatusInternalServerError
	if errors.Is(err, pipeline.ErrBusy) {
		status = http.StatusServiceUnavailable
	}
	h.observe(status)
	return jsonResponse(status, errorBody{Error: http.StatusText(status)}, keepAlive)
}

func (h *HTTPHandler) observe(status int) {
	if h.metrics != nil {
		h.metrics.RequestsTotal.WithLabelValues("http", http.StatusText(status)).Inc()
	}
}

func resultResponse(res Result, okStatus int, keepAlive bool) *httpcodec.Response {
	switch res.Status {
	case StatusOK:
		m := res.Marker
		return jsonResponse(okStatus, markerBody{
			ID:        m.ID,
			Key:       m.Key,
			Value:     string(m.Value),
			CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339Nano),
		}, keepAlive)
	case StatusNotFound:
		return jsonResponse(http.StatusNotFound, errorBody{Error: res.Message}, keepAlive)
	case StatusBadRequest:
		return jsonResponse(http.StatusBadRequest, errorBody{Error: res.Message}, keepAlive)
	case StatusBusy:
		return jsonResponse(http.StatusServiceUnavailable, errorBody{Error: res.Message}, keepAlive)
	default:
		return jsonResponse(http.StatusInternalServerError, errorBody{Error: res.Message}, keepAlive)
	}
}

func methodNotAllowed(r *httpcodec.Request, allow string) *httpcodec.Response {
	resp := jsonResponse(http.StatusMethodNotAllowed, errorBody{Error: "method " + r.Method + " not allowed"}, r.KeepAlive)
	resp.Header.Set("Allow", allow)
	return resp
}

func jsonResponse(status int, v any, keepAlive bool) *httpcodec.Response {
	data, err := json.Marshal(v)
	if err != nil {
		return httpcodec.ErrorResponse(http.StatusInternalServerError)
	}
	return httpcodec.NewResponse(status, contentTypeJSON, data, keepAlive)
}

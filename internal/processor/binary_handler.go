package processor

import (
	"context"
	"errors"

	"github.com/taoyao-code/marker-server/internal/codec/binarycodec"
	"github.com/taoyao-code/marker-server/internal/metrics"
	"github.com/taoyao-code/marker-server/internal/pipeline"
)

// BinaryHandler PRBF 请求 -> 命令 -> PRBF 响应
type BinaryHandler struct {
	proc    *Processor
	metrics *metrics.AppMetrics
}

// NewBinaryHandler m 可为 nil
func NewBinaryHandler(proc *Processor, m *metrics.AppMetrics) *BinaryHandler {
	return &BinaryHandler{proc: proc, metrics: m}
}

func (h *BinaryHandler) Handle(ctx context.Context, req any) any {
	r, ok := req.(*binarycodec.Request)
	if !ok {
		return h.reply(&binarycodec.Response{Status: binarycodec.StatusError, Message: "unexpected request"})
	}
	if r.Invalid != nil {
		return h.reply(&binarycodec.Response{
			Status:  binarycodec.StatusBadRequest,
			ID:      r.ID,
			Message: "undecodable payload: " + r.Invalid.Error(),
		})
	}

	var op Op
	switch r.Op {
	case binarycodec.OpStore:
		op = OpStore
	case binarycodec.OpLookup:
		op = OpLookup
	case binarycodec.OpPing:
		op = OpPing
	default:
		return h.reply(&binarycodec.Response{
			Status:  binarycodec.StatusBadRequest,
			ID:      r.ID,
			Message: "unsupported operation " + r.Op.String(),
		})
	}

	res := h.proc.Process(ctx, Command{Op: op, Key: r.Key, Value: r.Value})
	resp := &binarycodec.Response{
		Status:  binaryStatus(res.Status),
		ID:      r.ID,
		Key:     r.Key,
		Message: res.Message,
	}
	if m := res.Marker; m != nil {
		resp.Key = m.Key
		resp.Value = m.Value
		resp.MarkerID = m.ID
		resp.CreatedAt = m.CreatedAt.UnixMilli()
	}
	return h.reply(resp)
}

func (h *BinaryHandler) Fail(req any, err error) any {
	resp := &binarycodec.Response{Status: binarycodec.StatusError, Message: "internal error"}
	if errors.Is(err, pipeline.ErrBusy) {
		resp.Status = binarycodec.StatusBusy
		resp.Message = "server busy"
	}
	if r, ok := req.(*binarycodec.Request); ok {
		resp.ID = r.ID
	}
	return h.reply(resp)
}

func (h *BinaryHandler) reply(resp *binarycodec.Response) *binarycodec.Response {
	if h.metrics != nil {
		h.metrics.RequestsTotal.WithLabelValues("binary", resp.Status.String()).Inc()
	}
	return resp
}

func binaryStatus(s Status) binarycodec.Status {
	switch s {
	case StatusOK:
		return binarycodec.StatusOK
	case StatusNotFound:
		return binarycodec.StatusNotFound
	case StatusBadRequest:
		return binarycodec.StatusBadRequest
	case StatusBusy:
		return binarycodec.StatusBusy
	default:
		return binarycodec.StatusError
	}
}

package binarycodec

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/taoyao-code/marker-server/internal/pipeline"
)

// maxVarint32Len varint32 最多 5 字节
const maxVarint32Len = 5

// 帧错误
var (
	ErrMalformedLength = errors.New("binarycodec: malformed frame length")
	ErrFrameTooLarge   = errors.New("binarycodec: frame too large")
)

// FrameDecoder 按 varint32 长度前缀切帧，向后传递帧载荷 []byte
type FrameDecoder struct {
	maxFrameLength int
	buf            []byte
}

// NewFrameDecoder maxFrameLength<=0 时取 1 MiB
func NewFrameDecoder(maxFrameLength int) *FrameDecoder {
	if maxFrameLength <= 0 {
		maxFrameLength = 1 << 20
	}
	return &FrameDecoder{maxFrameLength: maxFrameLength}
}

func (d *FrameDecoder) HandleInbound(ctx *pipeline.Context, msg any) error {
	data, ok := msg.([]byte)
	if !ok {
		return fmt.Errorf("binarycodec: unexpected inbound %T", msg)
	}
	d.buf = append(d.buf, data...)

	for len(d.buf) > 0 {
		length, n, err := readLength(d.buf)
		if err != nil {
			d.buf = nil
			return pipeline.NewProtocolError(pipeline.KindMalformed, err,
				ErrorResponse(StatusBadRequest, err.Error()))
		}
		if n == 0 {
			break
		}
		if length > uint64(d.maxFrameLength) {
			d.buf = nil
			return pipeline.NewProtocolError(pipeline.KindOversized,
				fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, d.maxFrameLength),
				ErrorResponse(StatusBadRequest, ErrFrameTooLarge.Error()))
		}
		if uint64(len(d.buf)-n) < length {
			break
		}
		end := n + int(length)
		frame := append([]byte(nil), d.buf[n:end]...)
		d.buf = d.buf[end:]
		if err := ctx.Fire(frame); err != nil {
			return err
		}
	}
	if len(d.buf) == 0 {
		d.buf = nil
	} else {
		d.buf = append([]byte(nil), d.buf...)
	}
	return nil
}

// readLength 读取长度前缀；n==0 表示数据不足
func readLength(b []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		if errors.Is(protowire.ParseError(n), io.ErrUnexpectedEOF) && len(b) < maxVarint32Len {
			return 0, 0, nil
		}
		return 0, 0, ErrMalformedLength
	}
	if n > maxVarint32Len || v > math.MaxInt32 {
		return 0, 0, ErrMalformedLength
	}
	return v, n, nil
}

// MessageDecoder 帧载荷 -> *Request；载荷无法解析时仍向后传递，由业务侧回 bad request
type MessageDecoder struct{}

func (MessageDecoder) HandleInbound(ctx *pipeline.Context, msg any) error {
	frame, ok := msg.([]byte)
	if !ok {
		return fmt.Errorf("binarycodec: unexpected frame %T", msg)
	}
	req, err := UnmarshalRequest(frame)
	if err != nil {
		req.Invalid = err
	}
	return ctx.Fire(req)
}

// ResponseEncoder *Response -> 长度前缀帧
type ResponseEncoder struct{}

func (ResponseEncoder) Encode(resp any) ([]byte, bool, error) {
	r, ok := resp.(*Response)
	if !ok || r == nil {
		return nil, false, fmt.Errorf("binarycodec: cannot encode %T", resp)
	}
	return AppendFrame(nil, MarshalResponse(r)), r.Close, nil
}

// AppendFrame 追加一个长度前缀帧
func AppendFrame(dst, payload []byte) []byte {
	dst = protowire.AppendVarint(dst, uint64(len(payload)))
	return append(dst, payload...)
}

// ReadFrame 从流中读取一个长度前缀帧（客户端与测试使用）
func ReadFrame(r *bufio.Reader, maxFrameLength int) ([]byte, error) {
	var hdr []byte
	for {
		c, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		hdr = append(hdr, c)
		length, n, err := readLength(hdr)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		if maxFrameLength > 0 && length > uint64(maxFrameLength) {
			return nil, ErrFrameTooLarge
		}
		frame := make([]byte, length)
		if _, err := io.ReadFull(r, frame); err != nil {
			return nil, err
		}
		return frame, nil
	}
}

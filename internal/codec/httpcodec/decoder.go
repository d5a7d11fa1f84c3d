package httpcodec

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/taoyao-code/marker-server/internal/pipeline"
)

// 解码错误
var (
	ErrMalformedHead   = errors.New("httpcodec: malformed request head")
	ErrHeadTooLarge    = errors.New("httpcodec: request head too large")
	ErrChunkedEncoding = errors.New("httpcodec: transfer-encoding not supported")
	ErrBodyTooLarge    = errors.New("httpcodec: request body too large")
)

var crlfcrlf = []byte("\r\n\r\n")

type decodeState int

const (
	stateHead decodeState = iota
	stateBody
)

// RequestDecoder 增量解析请求行与首部，随后按 Content-Length 切出请求体分片。
// 输出 *Head，随后是一个或多个 Content（最后一片 Last=true）。
type RequestDecoder struct {
	maxHeaderBytes int
	buf            []byte
	state          decodeState
	remaining      int64
}

// NewRequestDecoder maxHeaderBytes<=0 时取 8 KiB
func NewRequestDecoder(maxHeaderBytes int) *RequestDecoder {
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = 8 << 10
	}
	return &RequestDecoder{maxHeaderBytes: maxHeaderBytes}
}

func (d *RequestDecoder) HandleInbound(ctx *pipeline.Context, msg any) error {
	data, ok := msg.([]byte)
	if !ok {
		return fmt.Errorf("httpcodec: unexpected inbound %T", msg)
	}
	d.buf = append(d.buf, data...)
	defer d.compact()

	for len(d.buf) > 0 {
		switch d.state {
		case stateHead:
			// 请求之间允许多余的空行
			d.buf = bytes.TrimLeft(d.buf, "\r\n")
			if len(d.buf) == 0 {
				return nil
			}
			end := bytes.Index(d.buf, crlfcrlf)
			if end < 0 {
				if len(d.buf) > d.maxHeaderBytes {
					return pipeline.NewProtocolError(pipeline.KindOversized, ErrHeadTooLarge,
						ErrorResponse(http.StatusRequestHeaderFieldsTooLarge))
				}
				return nil
			}
			if end > d.maxHeaderBytes {
				return pipeline.NewProtocolError(pipeline.KindOversized, ErrHeadTooLarge,
					ErrorResponse(http.StatusRequestHeaderFieldsTooLarge))
			}
			head, err := parseHead(d.buf[:end])
			d.buf = d.buf[end+len(crlfcrlf):]
			if err != nil {
				if errors.Is(err, ErrChunkedEncoding) {
					return pipeline.NewProtocolError(pipeline.KindUnsupported, err,
						ErrorResponse(http.StatusNotImplemented))
				}
				return pipeline.NewProtocolError(pipeline.KindMalformed, err,
					ErrorResponse(http.StatusBadRequest))
			}
			if err := ctx.Fire(head); err != nil {
				return err
			}
			if head.ContentLength == 0 {
				if err := ctx.Fire(Content{Last: true}); err != nil {
					return err
				}
				continue
			}
			d.state = stateBody
			d.remaining = head.ContentLength

		case stateBody:
			n := int64(len(d.buf))
			if n > d.remaining {
				n = d.remaining
			}
			chunk := make([]byte, n)
			copy(chunk, d.buf[:n])
			d.buf = d.buf[n:]
			d.remaining -= n
			last := d.remaining == 0
			if last {
				d.state = stateHead
			}
			if err := ctx.Fire(Content{Data: chunk, Last: last}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *RequestDecoder) compact() {
	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
		return
	}
	d.buf = append([]byte(nil), d.buf...)
}

// parseHead 解析 "METHOD SP target SP HTTP/x.y" 与首部行
func parseHead(raw []byte) (*Head, error) {
	lines := strings.Split(string(raw), "\r\n")
	parts := strings.Split(lines[0], " ")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: request line %q", ErrMalformedHead, lines[0])
	}
	method, target, proto := parts[0], parts[1], parts[2]
	if !validToken(method) {
		return nil, fmt.Errorf("%w: method %q", ErrMalformedHead, method)
	}
	if target == "" || (target[0] != '/' && target != "*") {
		return nil, fmt.Errorf("%w: target %q", ErrMalformedHead, target)
	}
	if proto != "HTTP/1.1" && proto != "HTTP/1.0" {
		return nil, fmt.Errorf("%w: version %q", ErrMalformedHead, proto)
	}

	h := make(http.Header, len(lines)-1)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, fmt.Errorf("%w: obsolete line folding", ErrMalformedHead)
		}
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return nil, fmt.Errorf("%w: header line %q", ErrMalformedHead, line)
		}
		name := line[:colon]
		if !validToken(name) {
			return nil, fmt.Errorf("%w: header name %q", ErrMalformedHead, name)
		}
		h.Add(name, strings.TrimSpace(line[colon+1:]))
	}

	if len(h.Values("Transfer-Encoding")) > 0 {
		return nil, ErrChunkedEncoding
	}

	head := &Head{Method: method, Target: target, Proto: proto, Header: h}
	if cls := h.Values("Content-Length"); len(cls) > 0 {
		for _, v := range cls[1:] {
			if v != cls[0] {
				return nil, fmt.Errorf("%w: conflicting content-length", ErrMalformedHead)
			}
		}
		if !allDigits(cls[0]) {
			return nil, fmt.Errorf("%w: content-length %q", ErrMalformedHead, cls[0])
		}
		cl, err := strconv.ParseInt(cls[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: content-length %q", ErrMalformedHead, cls[0])
		}
		head.ContentLength = cl
	}
	head.KeepAlive = keepAlive(proto, h)
	return head, nil
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func validToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c >= 0x7f || strings.IndexByte("()<>@,;:\\\"/[]?={}", c) >= 0 {
			return false
		}
	}
	return true
}

package httpcodec

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"
)

// ResponseEncoder 把 *Response 编码为 HTTP/1.1 报文；非 keep-alive 时写出后关闭连接
type ResponseEncoder struct {
	now func() time.Time
}

// NewResponseEncoder 创建编码器
func NewResponseEncoder() *ResponseEncoder {
	return &ResponseEncoder{now: time.Now}
}

func (e *ResponseEncoder) Encode(resp any) ([]byte, bool, error) {
	r, ok := resp.(*Response)
	if !ok || r == nil {
		return nil, false, fmt.Errorf("httpcodec: cannot encode %T", resp)
	}
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	text := http.StatusText(status)
	if text == "" {
		text = "Status " + strconv.Itoa(status)
	}

	buf := make([]byte, 0, 128+len(r.Body))
	buf = append(buf, "HTTP/1.1 "...)
	buf = strconv.AppendInt(buf, int64(status), 10)
	buf = append(buf, ' ')
	buf = append(buf, text...)
	buf = append(buf, "\r\n"...)

	keys := make([]string, 0, len(r.Header))
	for k := range r.Header {
		switch http.CanonicalHeaderKey(k) {
		case "Content-Length", "Connection", "Date", "Transfer-Encoding":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range r.Header[k] {
			buf = appendHeader(buf, k, v)
		}
	}
	buf = appendHeader(buf, "Content-Length", strconv.Itoa(len(r.Body)))
	buf = appendHeader(buf, "Date", e.now().UTC().Format(http.TimeFormat))
	if r.KeepAlive {
		buf = appendHeader(buf, "Connection", "keep-alive")
	} else {
		buf = appendHeader(buf, "Connection", "close")
	}
	buf = append(buf, "\r\n"...)
	buf = append(buf, r.Body...)
	return buf, !r.KeepAlive, nil
}

func appendHeader(buf []byte, k, v string) []byte {
	buf = append(buf, k...)
	buf = append(buf, ": "...)
	buf = append(buf, v...)
	return append(buf, "\r\n"...)
}

// Package httpcodec HTTP/1.x 请求解码、报文聚合与响应编码，运行在连接所属事件循环上。
package httpcodec

import (
	"net/http"
	"strings"
)

// Head 请求行与首部
type Head struct {
	Method        string
	Target        string
	Proto         string
	Header        http.Header
	ContentLength int64
	KeepAlive     bool
}

// Content 请求体分片；Last 表示本请求的最后一片
type Content struct {
	Data []byte
	Last bool
}

// Request 聚合后的完整请求
type Request struct {
	Method    string
	Path      string
	RawQuery  string
	Proto     string
	Header    http.Header
	Body      []byte
	KeepAlive bool
}

// Response 待编码的响应
type Response struct {
	Status    int
	Header    http.Header
	Body      []byte
	KeepAlive bool
}

// NewResponse 构造响应
func NewResponse(status int, contentType string, body []byte, keepAlive bool) *Response {
	h := make(http.Header)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return &Response{Status: status, Header: h, Body: body, KeepAlive: keepAlive}
}

// ErrorResponse 协议错误响应，写出后关闭连接
func ErrorResponse(status int) *Response {
	return NewResponse(status, "text/plain; charset=utf-8", []byte(http.StatusText(status)+"\n"), false)
}

// keepAlive 按协议版本与 Connection 首部判断是否保持连接
func keepAlive(proto string, h http.Header) bool {
	conn := h.Values("Connection")
	switch proto {
	case "HTTP/1.1":
		return !hasToken(conn, "close")
	case "HTTP/1.0":
		return hasToken(conn, "keep-alive")
	default:
		return false
	}
}

func hasToken(values []string, token string) bool {
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

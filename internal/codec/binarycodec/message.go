// Package binarycodec PRBF 二进制协议：varint32 长度前缀帧，载荷为 protobuf 线格式。
package binarycodec

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Op 请求操作码
type Op uint64

const (
	OpUnknown Op = 0
	OpStore   Op = 1
	OpLookup  Op = 2
	OpPing    Op = 3
)

func (o Op) String() string {
	switch o {
	case OpStore:
		return "store"
	case OpLookup:
		return "lookup"
	case OpPing:
		return "ping"
	default:
		return fmt.Sprintf("op(%d)", uint64(o))
	}
}

// Status 响应状态码
type Status uint64

const (
	StatusOK         Status = 0
	StatusNotFound   Status = 1
	StatusBadRequest Status = 2
	StatusError      Status = 3
	StatusBusy       Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not_found"
	case StatusBadRequest:
		return "bad_request"
	case StatusError:
		return "error"
	case StatusBusy:
		return "busy"
	default:
		return fmt.Sprintf("status(%d)", uint64(s))
	}
}

// 请求字段号
const (
	fieldReqOp    protowire.Number = 1
	fieldReqKey   protowire.Number = 2
	fieldReqValue protowire.Number = 3
	fieldReqID    protowire.Number = 4
)

// 响应字段号
const (
	fieldRespStatus    protowire.Number = 1
	fieldRespKey       protowire.Number = 2
	fieldRespValue     protowire.Number = 3
	fieldRespID        protowire.Number = 4
	fieldRespMessage   protowire.Number = 5
	fieldRespMarkerID  protowire.Number = 6
	fieldRespCreatedAt protowire.Number = 7
)

var errWireType = errors.New("binarycodec: unexpected wire type")

// Request 解码后的二进制请求；Invalid 非空表示载荷无法解析
type Request struct {
	Op      Op
	Key     string
	Value   []byte
	ID      uint64
	Invalid error
}

// Response 二进制响应
type Response struct {
	Status    Status
	Key       string
	Value     []byte
	ID        uint64
	Message   string
	MarkerID  string
	CreatedAt int64
	// Close 写出后关闭连接
	Close bool
}

// ErrorResponse 协议错误响应
func ErrorResponse(status Status, msg string) *Response {
	return &Response{Status: status, Message: msg, Close: true}
}

// MarshalRequest 请求载荷编码，零值字段省略
func MarshalRequest(r *Request) []byte {
	var b []byte
	if r.Op != OpUnknown {
		b = protowire.AppendTag(b, fieldReqOp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Op))
	}
	if r.Key != "" {
		b = protowire.AppendTag(b, fieldReqKey, protowire.BytesType)
		b = protowire.AppendString(b, r.Key)
	}
	if len(r.Value) > 0 {
		b = protowire.AppendTag(b, fieldReqValue, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Value)
	}
	if r.ID != 0 {
		b = protowire.AppendTag(b, fieldReqID, protowire.VarintType)
		b = protowire.AppendVarint(b, r.ID)
	}
	return b
}

// UnmarshalRequest 请求载荷解码，未知字段跳过
func UnmarshalRequest(b []byte) (*Request, error) {
	r := &Request{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldReqOp, fieldReqID:
			if typ != protowire.VarintType {
				return r, fmt.Errorf("%w: field %d", errWireType, num)
			}
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			if num == fieldReqOp {
				r.Op = Op(v)
			} else {
				r.ID = v
			}
		case fieldReqKey, fieldReqValue:
			if typ != protowire.BytesType {
				return r, fmt.Errorf("%w: field %d", errWireType, num)
			}
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if num == fieldReqKey {
				r.Key = string(v)
			} else {
				r.Value = append([]byte(nil), v...)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return r, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return r, nil
}

// MarshalResponse 响应载荷编码，零值字段省略
func MarshalResponse(r *Response) []byte {
	var b []byte
	if r.Status != StatusOK {
		b = protowire.AppendTag(b, fieldRespStatus, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Status))
	}
	if r.Key != "" {
		b = protowire.AppendTag(b, fieldRespKey, protowire.BytesType)
		b = protowire.AppendString(b, r.Key)
	}
	if len(r.Value) > 0 {
		b = protowire.AppendTag(b, fieldRespValue, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Value)
	}
	if r.ID != 0 {
		b = protowire.AppendTag(b, fieldRespID, protowire.VarintType)
		b = protowire.AppendVarint(b, r.ID)
	}
	if r.Message != "" {
		b = protowire.AppendTag(b, fieldRespMessage, protowire.BytesType)
		b = protowire.AppendString(b, r.Message)
	}
	if r.MarkerID != "" {
		b = protowire.AppendTag(b, fieldRespMarkerID, protowire.BytesType)
		b = protowire.AppendString(b, r.MarkerID)
	}
	if r.CreatedAt != 0 {
		b = protowire.AppendTag(b, fieldRespCreatedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.CreatedAt))
	}
	return b
}

// UnmarshalResponse 响应载荷解码
func UnmarshalResponse(b []byte) (*Response, error) {
	r := &Response{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case typ == protowire.VarintType && (num == fieldRespStatus || num == fieldRespID || num == fieldRespCreatedAt):
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			switch num {
			case fieldRespStatus:
				r.Status = Status(v)
			case fieldRespID:
				r.ID = v
			default:
				r.CreatedAt = int64(v)
			}
		case typ == protowire.BytesType && (num == fieldRespKey || num == fieldRespValue || num == fieldRespMessage || num == fieldRespMarkerID):
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			switch num {
			case fieldRespKey:
				r.Key = string(v)
			case fieldRespValue:
				r.Value = append([]byte(nil), v...)
			case fieldRespMessage:
				r.Message = string(v)
			default:
				r.MarkerID = string(v)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return r, nil
}

// Package store 标记持久化：进程级共享、并发安全的存储协作方。
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// 存储哨兵错误
var (
	ErrNotFound   = errors.New("store: marker not found")
	ErrInvalidKey = errors.New("store: invalid key")
	ErrClosed     = errors.New("store: closed")
)

// MaxKeyLength 键最大长度
const MaxKeyLength = 256

// Marker 标记记录
type Marker struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	CreatedAt time.Time `json:"createdAt"`
}

// Clone 深拷贝
func (m *Marker) Clone() *Marker {
	if m == nil {
		return nil
	}
	c := *m
	c.Value = append([]byte(nil), m.Value...)
	return &c
}

// Store 持久化接口，必须可被多个业务线程并发调用
type Store interface {
	// Store 写入或覆盖 key 对应的标记；成功后 m.ID 与 m.CreatedAt 被回填
	Store(ctx context.Context, m *Marker) error
	// Lookup 按 key 查询，不存在返回 ErrNotFound
	Lookup(ctx context.Context, key string) (*Marker, error)
	Close() error
}

// ValidateKey 校验键
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidKey, MaxKeyLength)
	}
	return nil
}

// NewID 生成标记 ID
func NewID() string { return uuid.NewString() }

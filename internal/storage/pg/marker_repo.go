package pg

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taoyao-code/marker-server/internal/store"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations 内置迁移脚本
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// MarkerRepository 基于 PostgreSQL 的标记存储，实现 store.Store
type MarkerRepository struct {
	Pool *pgxpool.Pool
}

// NewMarkerRepository 创建仓库，Close 时关闭连接池
func NewMarkerRepository(pool *pgxpool.Pool) *MarkerRepository {
	return &MarkerRepository{Pool: pool}
}

// Store 按 key 插入或覆盖；覆盖时保留原 id 与 created_at
func (r *MarkerRepository) Store(ctx context.Context, m *store.Marker) error {
	if err := store.ValidateKey(m.Key); err != nil {
		return err
	}
	const q = `INSERT INTO markers (id, key, value, created_at, updated_at)
               VALUES ($1, $2, $3, NOW(), NOW())
               ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
               RETURNING id::text, created_at`
	value := m.Value
	if value == nil {
		value = []byte{}
	}
	if err := r.Pool.QueryRow(ctx, q, store.NewID(), m.Key, value).Scan(&m.ID, &m.CreatedAt); err != nil {
		return fmt.Errorf("upsert marker: %w", err)
	}
	return nil
}

// Lookup 按 key 查询
func (r *MarkerRepository) Lookup(ctx context.Context, key string) (*store.Marker, error) {
	const q = `SELECT id::text, key, value, created_at FROM markers WHERE key = $1`
	m := &store.Marker{}
	err := r.Pool.QueryRow(ctx, q, key).Scan(&m.ID, &m.Key, &m.Value, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup marker: %w", err)
	}
	return m, nil
}

// Close 关闭连接池
func (r *MarkerRepository) Close() error {
	r.Pool.Close()
	return nil
}

// Package cache 为行情等外部响应提供带 TTL 的字节缓存。
package cache

import (
	"context"
	"time"
)

type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

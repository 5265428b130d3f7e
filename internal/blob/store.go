// Package blob parks oversized notification payloads in object storage and
// hands out time-limited retrieval links.
package blob

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Store is the minimal object-storage capability the payload router needs.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// SignedURL returns a retrieval link valid for ttl.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Config selects the backend.
type Config struct {
	Driver   string // "fs" or "s3"
	Dir      string // fs
	Region   string // s3
	Bucket   string // s3
	Endpoint string // s3; set for MinIO and friends
}

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "fs":
		return newFS(cfg.Dir)
	case "s3":
		return newS3(ctx, cfg)
	default:
		return nil, errors.New("unknown blob driver: " + cfg.Driver)
	}
}

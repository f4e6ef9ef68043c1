package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ardzix/masjid-display-service/internal/storage/local"
	redisbackend "github.com/ardzix/masjid-display-service/internal/storage/redis"
	s3backend "github.com/ardzix/masjid-display-service/internal/storage/s3"
	"github.com/ardzix/masjid-display-service/internal/storage/smb"
)

// NewBackendFromConfig creates a Backend from a backend type string and JSON config.
func NewBackendFromConfig(ctx context.Context, backendType string, config json.RawMessage) (Backend, error) {
	switch backendType {
	case "s3":
		return s3backend.NewBackendFromJSON(ctx, config)
	case "local":
		return local.NewFromJSON(config)
	case "smb":
		return smb.NewFromJSON(config)
	case "redis":
		return redisbackend.NewFromJSON(ctx, config)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", backendType)
	}
}

// NewDurableFromConfig creates a Backend that can also resolve object URLs.
// Backends without URL support (redis) are rejected.
func NewDurableFromConfig(ctx context.Context, backendType string, config json.RawMessage) (Backend, URLResolver, error) {
	b, err := NewBackendFromConfig(ctx, backendType, config)
	if err != nil {
		return nil, nil, err
	}
	resolver, ok := b.(URLResolver)
	if !ok {
		b.Close()
		return nil, nil, fmt.Errorf("backend %s cannot serve as durable storage: no URL support", backendType)
	}
	return b, resolver, nil
}

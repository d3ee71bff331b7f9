// Package persist hands finished recordings to long-term storage.
package persist

import (
	"context"
	"fmt"

	"github.com/audiolibrelab/duocapture/internal/capture"
	"github.com/audiolibrelab/duocapture/internal/config"
)

// New returns the persister selected by cfg.Kind, or nil when recordings stay where they were written
func New(ctx context.Context, cfg config.PersistConfig) (capture.Persister, error) {
	switch cfg.Kind {
	case "", config.PersistNone:
		return nil, nil
	case config.PersistLibrary:
		lib, err := NewLibrary(cfg.LibraryDirectory)
		if err != nil {
			return nil, err
		}
		return lib, nil
	case config.PersistS3:
		store, err := NewS3(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.PersistRedis:
		return NewRedis(cfg.Redis), nil
	default:
		return nil, fmt.Errorf("unknown persist kind: %s", cfg.Kind)
	}
}

package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/audiolibrelab/duocapture/internal/config"
)

const defaultRecordingsKey = "duocapture:recordings"

type listPusher interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// Redis enqueues finished recordings for a downstream worker
type Redis struct {
	client listPusher
	key    string
}

// RecordingJob is the message pushed for each recording
type RecordingJob struct {
	Path     string    `json:"path"`
	Filename string    `json:"filename"`
	Size     int64     `json:"size"`
	QueuedAt time.Time `json:"queued_at"`
}

// NewRedis connects lazily; the first Persist surfaces connection errors
func NewRedis(cfg config.RedisConfig) *Redis {
	key := cfg.Key
	if key == "" {
		key = defaultRecordingsKey
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Redis{client: rdb, key: key}
}

// Persist pushes a RecordingJob for path onto the list
func (r *Redis) Persist(ctx context.Context, path string) error {
	payload, err := newRecordingJob(path, time.Now())
	if err != nil {
		return err
	}
	if err := r.client.LPush(ctx, r.key, payload).Err(); err != nil {
		return fmt.Errorf("redis push failed: %w", err)
	}
	slog.Info("Queued recording", "key", r.key, "path", path)
	return nil
}

// Close releases the underlying connection pool
func (r *Redis) Close() error {
	if c, ok := r.client.(*redis.Client); ok {
		return c.Close()
	}
	return nil
}

func newRecordingJob(path string, now time.Time) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("recording not found: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return json.Marshal(RecordingJob{
		Path:     abs,
		Filename: filepath.Base(path),
		Size:     info.Size(),
		QueuedAt: now.UTC(),
	})
}

package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/medscan/internal/retry"
	"github.com/example/medscan/internal/scanner"
)

// ErrPreviewNotFound is returned for unknown or revoked previews.
var ErrPreviewNotFound = errors.New("preview not found")

// Preview is the stored copy of an upload, served back to the page.
type Preview struct {
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// PreviewStore keeps uploaded images addressable by a random id until they
// are revoked or their TTL runs out.
type PreviewStore struct {
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
	policy retry.Policy
}

func NewPreviewStore(cache Cache, ttl time.Duration, logger *zap.Logger) *PreviewStore {
	return &PreviewStore{
		cache:  cache,
		ttl:    ttl,
		logger: logger.Named("preview_store"),
		policy: retry.Default,
	}
}

func previewKey(id string) string {
	return fmt.Sprintf("preview:%s", id)
}

// Put stores img and returns its preview id.
func (p *PreviewStore) Put(ctx context.Context, img scanner.Image) (string, error) {
	id := uuid.NewString()
	serialized, err := json.Marshal(Preview{ContentType: img.ContentType, Data: img.Data})
	if err != nil {
		return "", err
	}

	if err := retry.Do(ctx, p.policy, p.logger, "preview.put", id, func() error {
		return p.cache.Set(ctx, previewKey(id), string(serialized), p.ttl)
	}); err != nil {
		return "", err
	}
	return id, nil
}

func (p *PreviewStore) Get(ctx context.Context, id string) (*Preview, error) {
	var (
		raw  string
		miss bool
	)
	err := retry.Do(ctx, p.policy, p.logger, "preview.get", id, func() error {
		value, err := p.cache.Get(ctx, previewKey(id))
		if errors.Is(err, redis.Nil) {
			miss = true
			return nil
		}
		if err != nil {
			return err
		}
		raw = value
		return nil
	})
	if err != nil {
		return nil, err
	}
	if miss {
		return nil, ErrPreviewNotFound
	}

	var preview Preview
	if err := json.Unmarshal([]byte(raw), &preview); err != nil {
		return nil, fmt.Errorf("decode preview %s: %w", id, err)
	}
	return &preview, nil
}

// Revoke deletes the preview. Revoking an empty id is a no-op.
func (p *PreviewStore) Revoke(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	return retry.Do(ctx, p.policy, p.logger, "preview.revoke", id, func() error {
		return p.cache.Del(ctx, previewKey(id))
	})
}

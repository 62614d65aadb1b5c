package cache

import (
	"context"

	"github.com/motherschat/chat-backend/internal/config"
	"github.com/motherschat/chat-backend/internal/models"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// Source is the subset of the storage layer the catalog reads through.
type Source interface {
	GetAssistantByCode(ctx context.Context, code string) (*models.Assistant, error)
	ListExamples(ctx context.Context, assistantID string) ([]models.Example, error)
}

// Catalog is a read-through TTL cache over assistant definitions and
// curated example lists. Assistants change rarely; the chat hot path
// reads them on every request.
type Catalog struct {
	enabled bool
	source  Source
	cache   *cache.Cache
	logger  *logrus.Logger
}

// NewCatalog creates the catalog cache. When disabled it passes every
// read straight to the source.
func NewCatalog(cfg *config.CacheConfig, source Source, logger *logrus.Logger) *Catalog {
	if !cfg.Enabled {
		return &Catalog{enabled: false, source: source}
	}

	return &Catalog{
		enabled: true,
		source:  source,
		cache:   cache.New(cfg.TTL, cfg.TTL*2),
		logger:  logger,
	}
}

// Assistant resolves an assistant by its public code.
func (c *Catalog) Assistant(ctx context.Context, code string) (*models.Assistant, error) {
	if !c.enabled {
		return c.source.GetAssistantByCode(ctx, code)
	}

	key := "assistant:" + code
	if val, found := c.cache.Get(key); found {
		return val.(*models.Assistant), nil
	}

	assistant, err := c.source.GetAssistantByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if assistant != nil {
		c.cache.SetDefault(key, assistant)
	}
	return assistant, nil
}

// Examples lists the curated examples visible to an assistant.
func (c *Catalog) Examples(ctx context.Context, assistantID string) ([]models.Example, error) {
	if !c.enabled {
		return c.source.ListExamples(ctx, assistantID)
	}

	key := "examples:" + assistantID
	if val, found := c.cache.Get(key); found {
		return val.([]models.Example), nil
	}

	examples, err := c.source.ListExamples(ctx, assistantID)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, examples)
	return examples, nil
}

// Invalidate drops cached entries for one assistant, e.g. after a
// catalog reseed.
func (c *Catalog) Invalidate(code, assistantID string) {
	if !c.enabled {
		return
	}
	c.cache.Delete("assistant:" + code)
	c.cache.Delete("examples:" + assistantID)
	c.logger.WithField("assistant", code).Debug("Catalog cache invalidated")
}

// ItemCount reports cached entries; used by tests.
func (c *Catalog) ItemCount() int {
	if !c.enabled {
		return 0
	}
	return c.cache.ItemCount()
}

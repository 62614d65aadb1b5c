package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/motherschat/chat-backend/internal/config"
	"github.com/motherschat/chat-backend/internal/models"
	"github.com/sirupsen/logrus"
)

// Error marks a storage-layer failure. The API maps it to a 500-class
// response; during writes the caller rolls back before surfacing it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Store is the persistence boundary of the chat pipeline. Turn logs
// are append-only; DeleteTurn exists solely for the quota-refund /
// rollback path.
type Store interface {
	// Users
	GetOrCreateUser(ctx context.Context, claim *models.IdentityClaim, now time.Time) (*models.User, error)

	// Assistant catalog
	GetAssistantByCode(ctx context.Context, code string) (*models.Assistant, error)
	UpsertAssistant(ctx context.Context, assistant *models.Assistant) error
	HasAssistantAccess(ctx context.Context, externalID, assistantID string) (bool, error)
	GrantAssistant(ctx context.Context, externalID, assistantID string, now time.Time) error

	// Conversations and turns
	GetOrCreateConversation(ctx context.Context, userID, assistantID string, now time.Time) (*models.Conversation, error)
	FetchRecentTurns(ctx context.Context, conversationID string, limit int) ([]models.Turn, error)
	ListTurns(ctx context.Context, conversationID string) ([]models.Turn, error)
	AppendTurn(ctx context.Context, turn *models.Turn) (*models.Turn, error)
	DeleteTurn(ctx context.Context, conversationID, turnID string) error
	CountUserTurns(ctx context.Context, userID string, since, until time.Time) (int, error)

	// Quota records
	GetOrCreateQuotaRecord(ctx context.Context, userID string, now time.Time) (*models.QuotaRecord, error)

	// Curated examples
	AddExample(ctx context.Context, example *models.Example) error
	ListExamples(ctx context.Context, assistantID string) ([]models.Example, error)
}

// Manager selects and wraps the configured storage backend.
type Manager struct {
	storage     Store
	logger      *logrus.Logger
	redisClient *redis.Client
}

// NewManager creates a storage manager for the configured backend.
func NewManager(cfg *config.Config, logger *logrus.Logger) (*Manager, error) {
	manager := &Manager{logger: logger}

	switch cfg.Storage.Type {
	case "redis":
		redisStore, err := NewRedisStore(cfg, logger)
		if err != nil {
			return nil, err
		}
		manager.storage = redisStore
		manager.redisClient = redisStore.client
	case "memory":
		manager.storage = NewMemoryStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	return manager, nil
}

// GetRedisClient returns the Redis client when the redis backend is
// active, so other components (the rate-limit window store) can share
// the connection.
func (m *Manager) GetRedisClient() *redis.Client {
	return m.redisClient
}

func (m *Manager) GetOrCreateUser(ctx context.Context, claim *models.IdentityClaim, now time.Time) (*models.User, error) {
	return m.storage.GetOrCreateUser(ctx, claim, now)
}

func (m *Manager) GetAssistantByCode(ctx context.Context, code string) (*models.Assistant, error) {
	return m.storage.GetAssistantByCode(ctx, code)
}

func (m *Manager) UpsertAssistant(ctx context.Context, assistant *models.Assistant) error {
	return m.storage.UpsertAssistant(ctx, assistant)
}

func (m *Manager) HasAssistantAccess(ctx context.Context, externalID, assistantID string) (bool, error) {
	return m.storage.HasAssistantAccess(ctx, externalID, assistantID)
}

func (m *Manager) GrantAssistant(ctx context.Context, externalID, assistantID string, now time.Time) error {
	return m.storage.GrantAssistant(ctx, externalID, assistantID, now)
}

func (m *Manager) GetOrCreateConversation(ctx context.Context, userID, assistantID string, now time.Time) (*models.Conversation, error) {
	return m.storage.GetOrCreateConversation(ctx, userID, assistantID, now)
}

func (m *Manager) FetchRecentTurns(ctx context.Context, conversationID string, limit int) ([]models.Turn, error) {
	return m.storage.FetchRecentTurns(ctx, conversationID, limit)
}

func (m *Manager) ListTurns(ctx context.Context, conversationID string) ([]models.Turn, error) {
	return m.storage.ListTurns(ctx, conversationID)
}

func (m *Manager) AppendTurn(ctx context.Context, turn *models.Turn) (*models.Turn, error) {
	return m.storage.AppendTurn(ctx, turn)
}

func (m *Manager) DeleteTurn(ctx context.Context, conversationID, turnID string) error {
	return m.storage.DeleteTurn(ctx, conversationID, turnID)
}

func (m *Manager) CountUserTurns(ctx context.Context, userID string, since, until time.Time) (int, error) {
	return m.storage.CountUserTurns(ctx, userID, since, until)
}

func (m *Manager) GetOrCreateQuotaRecord(ctx context.Context, userID string, now time.Time) (*models.QuotaRecord, error) {
	return m.storage.GetOrCreateQuotaRecord(ctx, userID, now)
}

func (m *Manager) AddExample(ctx context.Context, example *models.Example) error {
	return m.storage.AddExample(ctx, example)
}

func (m *Manager) ListExamples(ctx context.Context, assistantID string) ([]models.Example, error) {
	return m.storage.ListExamples(ctx, assistantID)
}

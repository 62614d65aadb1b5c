package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/motherschat/chat-backend/internal/config"
	"github.com/motherschat/chat-backend/internal/models"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// MemoryStore keeps everything in process memory. Used in tests and
// single-instance deployments without Redis.
type MemoryStore struct {
	mu sync.Mutex

	users         *cache.Cache // "user:{externalID}" -> *models.User
	assistants    *cache.Cache // "assistant:{code}" -> *models.Assistant
	conversations *cache.Cache // "conversation:{userID}:{assistantID}" -> *models.Conversation
	quotas        *cache.Cache // "quota:{userID}" -> *models.QuotaRecord
	grants        *cache.Cache // "grant:{externalID}:{assistantID}" -> true
	turns         *cache.Cache // "turns:{conversationID}" -> []models.Turn
	userTimes     *cache.Cache // "usertimes:{userID}" -> []time.Time
	examples      *cache.Cache // "examples:{assistantID|global}" -> []models.Example

	quotaCfg config.QuotaConfig
	logger   *logrus.Logger
}

func NewMemoryStore(cfg *config.Config, logger *logrus.Logger) *MemoryStore {
	expiration := cfg.Storage.Memory.DefaultExpiration
	if expiration == 0 {
		expiration = cache.NoExpiration
	}
	cleanup := cfg.Storage.Memory.CleanupInterval

	return &MemoryStore{
		users:         cache.New(cache.NoExpiration, cleanup),
		assistants:    cache.New(cache.NoExpiration, cleanup),
		conversations: cache.New(expiration, cleanup),
		quotas:        cache.New(cache.NoExpiration, cleanup),
		grants:        cache.New(cache.NoExpiration, cleanup),
		turns:         cache.New(expiration, cleanup),
		userTimes:     cache.New(cache.NoExpiration, cleanup),
		examples:      cache.New(cache.NoExpiration, cleanup),
		quotaCfg:      cfg.Quota,
		logger:        logger,
	}
}

func (m *MemoryStore) GetOrCreateUser(ctx context.Context, claim *models.IdentityClaim, now time.Time) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := "user:" + claim.ExternalID
	if val, found := m.users.Get(key); found {
		user := val.(*models.User)
		user.LastSeenAt = now
		return user, nil
	}

	user := &models.User{
		ID:         uuid.NewString(),
		ExternalID: claim.ExternalID,
		FirstName:  claim.DisplayName,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	m.users.Set(key, user, cache.NoExpiration)

	m.logger.WithField("external_id", claim.ExternalID).Info("Registered new user")
	return user, nil
}

func (m *MemoryStore) GetAssistantByCode(ctx context.Context, code string) (*models.Assistant, error) {
	if val, found := m.assistants.Get("assistant:" + code); found {
		return val.(*models.Assistant), nil
	}
	return nil, nil
}

func (m *MemoryStore) UpsertAssistant(ctx context.Context, assistant *models.Assistant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if assistant.ID == "" {
		assistant.ID = uuid.NewString()
	}
	m.assistants.Set("assistant:"+assistant.Code, assistant, cache.NoExpiration)
	return nil
}

func (m *MemoryStore) HasAssistantAccess(ctx context.Context, externalID, assistantID string) (bool, error) {
	_, found := m.grants.Get("grant:" + externalID + ":" + assistantID)
	return found, nil
}

func (m *MemoryStore) GrantAssistant(ctx context.Context, externalID, assistantID string, now time.Time) error {
	m.grants.Set("grant:"+externalID+":"+assistantID, now, cache.NoExpiration)
	return nil
}

func (m *MemoryStore) GetOrCreateConversation(ctx context.Context, userID, assistantID string, now time.Time) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := "conversation:" + userID + ":" + assistantID
	if val, found := m.conversations.Get(key); found {
		return val.(*models.Conversation), nil
	}

	conversation := &models.Conversation{
		ID:            uuid.NewString(),
		UserID:        userID,
		AssistantID:   assistantID,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	m.conversations.SetDefault(key, conversation)
	return conversation, nil
}

func (m *MemoryStore) FetchRecentTurns(ctx context.Context, conversationID string, limit int) ([]models.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.turnLog(conversationID)
	if limit > len(log) {
		limit = len(log)
	}

	// Most-recent-first, as the assembler expects.
	recent := make([]models.Turn, 0, limit)
	for i := len(log) - 1; i >= len(log)-limit; i-- {
		recent = append(recent, log[i])
	}
	return recent, nil
}

func (m *MemoryStore) ListTurns(ctx context.Context, conversationID string) ([]models.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.turnLog(conversationID)
	out := make([]models.Turn, len(log))
	copy(out, log)
	return out, nil
}

func (m *MemoryStore) AppendTurn(ctx context.Context, turn *models.Turn) (*models.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.turnLog(turn.ConversationID)

	stored := *turn
	stored.ID = uuid.NewString()
	// Turn ordering by created_at is strictly increasing within a
	// conversation.
	if len(log) > 0 && !stored.CreatedAt.After(log[len(log)-1].CreatedAt) {
		stored.CreatedAt = log[len(log)-1].CreatedAt.Add(time.Microsecond)
	}

	log = append(log, stored)
	m.turns.SetDefault("turns:"+turn.ConversationID, log)

	if stored.Role == models.RoleUser {
		times := m.userTimeLog(stored.UserID)
		times = append(times, stored.CreatedAt)
		m.userTimes.Set("usertimes:"+stored.UserID, times, cache.NoExpiration)
	}

	return &stored, nil
}

func (m *MemoryStore) DeleteTurn(ctx context.Context, conversationID, turnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.turnLog(conversationID)
	for i, turn := range log {
		if turn.ID != turnID {
			continue
		}

		log = append(log[:i], log[i+1:]...)
		m.turns.SetDefault("turns:"+conversationID, log)

		if turn.Role == models.RoleUser {
			times := m.userTimeLog(turn.UserID)
			for j, at := range times {
				if at.Equal(turn.CreatedAt) {
					times = append(times[:j], times[j+1:]...)
					break
				}
			}
			m.userTimes.Set("usertimes:"+turn.UserID, times, cache.NoExpiration)
		}
		return nil
	}
	return nil
}

func (m *MemoryStore) CountUserTurns(ctx context.Context, userID string, since, until time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, at := range m.userTimeLog(userID) {
		// Inclusive at since, exclusive at until.
		if !at.Before(since) && at.Before(until) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) GetOrCreateQuotaRecord(ctx context.Context, userID string, now time.Time) (*models.QuotaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := "quota:" + userID
	if val, found := m.quotas.Get(key); found {
		return val.(*models.QuotaRecord), nil
	}

	record := &models.QuotaRecord{
		UserID:      userID,
		DailyBase:   m.quotaCfg.DailyBase,
		MonthlyBase: m.quotaCfg.MonthlyBase,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.quotas.Set(key, record, cache.NoExpiration)
	return record, nil
}

func (m *MemoryStore) AddExample(ctx context.Context, example *models.Example) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if example.ID == "" {
		example.ID = uuid.NewString()
	}

	key := exampleKey(example.AssistantID)
	list := m.exampleList(key)
	list = append(list, *example)
	m.examples.Set(key, list, cache.NoExpiration)
	return nil
}

// ListExamples returns the assistant's own examples plus the global
// ones; the assembler decides which set applies.
func (m *MemoryStore) ListExamples(ctx context.Context, assistantID string) ([]models.Example, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := append([]models.Example{}, m.exampleList(exampleKey(assistantID))...)
	if assistantID != "" {
		out = append(out, m.exampleList(exampleKey(""))...)
	}
	return out, nil
}

func (m *MemoryStore) turnLog(conversationID string) []models.Turn {
	if val, found := m.turns.Get("turns:" + conversationID); found {
		return val.([]models.Turn)
	}
	return nil
}

func (m *MemoryStore) userTimeLog(userID string) []time.Time {
	if val, found := m.userTimes.Get("usertimes:" + userID); found {
		return val.([]time.Time)
	}
	return nil
}

func (m *MemoryStore) exampleList(key string) []models.Example {
	if val, found := m.examples.Get(key); found {
		return val.([]models.Example)
	}
	return nil
}

func exampleKey(assistantID string) string {
	if assistantID == "" {
		return "examples:global"
	}
	return "examples:" + assistantID
}

package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/motherschat/chat-backend/internal/config"
	"github.com/motherschat/chat-backend/internal/middleware"
	"github.com/motherschat/chat-backend/internal/models"
	"github.com/motherschat/chat-backend/internal/services/cache"
	"github.com/motherschat/chat-backend/internal/services/quota"
	"github.com/motherschat/chat-backend/internal/services/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubVerifier struct {
	claim *models.IdentityClaim
	err   error
}

func (v *stubVerifier) Verify(rawPayload string, now time.Time) (*models.IdentityClaim, error) {
	if v.err != nil {
		return nil, v.err
	}
	return v.claim, nil
}

type stubProvider struct {
	reply    string
	err      error
	received [][]models.Message
}

func (p *stubProvider) Complete(ctx context.Context, modelID string, messages []models.Message, temperature float64) (string, error) {
	p.received = append(p.received, messages)
	if p.err != nil {
		return "", p.err
	}
	return p.reply, nil
}

type recordingSink struct {
	providerFailures int
	storageFailures  int
}

func (r *recordingSink) ProviderFailure(model string, err error) { r.providerFailures++ }
func (r *recordingSink) StorageFailure(op string, err error)     { r.storageFailures++ }

type fixture struct {
	service  *Service
	store    *storage.MemoryStore
	provider *stubProvider
	sink     *recordingSink
	config   *config.Config
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	cfg := &config.Config{
		Models: config.ModelsConfig{Default: "base-model", Temperature: 0.7},
		Storage: config.StorageConfig{
			Type:   "memory",
			Memory: config.MemoryConfig{CleanupInterval: time.Minute},
		},
		RateLimit: config.RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 120,
			Window:            time.Minute,
		},
		Quota: config.QuotaConfig{DailyBase: 30, MonthlyBase: 200},
		Context: config.ContextConfig{
			MaxHistoryTurns:     20,
			MaxExamples:         5,
			DefaultSystemPrompt: "You are a helpful assistant.",
		},
		Cache: config.CacheConfig{Enabled: false},
	}
	if mutate != nil {
		mutate(cfg)
	}

	store := storage.NewMemoryStore(cfg, log)
	provider := &stubProvider{reply: "Hi"}
	sink := &recordingSink{}

	windowStore := middleware.NewMemoryWindowStore(cfg.RateLimit.Window)
	t.Cleanup(windowStore.Stop)
	limiter := middleware.NewRateLimiter(&cfg.RateLimit, windowStore, log)
	catalog := cache.NewCatalog(&cfg.Cache, store, log)
	enforcer := quota.NewEnforcer(store, log)
	assembler := NewAssembler(&cfg.Context, HeuristicEstimator{}, log)
	verifier := &stubVerifier{claim: &models.IdentityClaim{ExternalID: "42", DisplayName: "Olga"}}

	service := NewService(cfg, verifier, limiter, store, catalog, enforcer,
		assembler, HeuristicEstimator{}, provider, sink, middleware.NewMetrics(log), log)

	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	service.now = func() time.Time {
		base = base.Add(time.Second)
		return base
	}

	return &fixture{service: service, store: store, provider: provider, sink: sink, config: cfg}
}

func (f *fixture) seedAssistant(t *testing.T, assistant *models.Assistant) *models.Assistant {
	t.Helper()
	require.NoError(t, f.store.UpsertAssistant(context.Background(), assistant))
	return assistant
}

func TestSendEndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	f.seedAssistant(t, &models.Assistant{Code: "doctor", Title: "Doctor", BaseModel: "med-model", SystemPrompt: "You are a doctor."})

	result, err := f.service.Send(context.Background(), SendRequest{
		InitData:  "signed",
		Assistant: "doctor",
		Message:   "Hello there",
	})
	require.NoError(t, err)

	assert.Equal(t, "Hi", result.Reply)
	assert.Equal(t, "med-model", result.UsedModel)
	assert.NotEmpty(t, result.ConversationID)
	assert.Contains(t, result.ReplyHTML, "Hi")
	assert.Equal(t, 3, result.UserMessageTokens)
	assert.Equal(t, 1, result.AssistantMessageTokens)
	assert.Equal(t, 30, result.Quota.DailyAllowance)
	assert.Equal(t, 0, result.Quota.DailyUsed)

	// First message of a fresh conversation: system prompt plus the
	// new message, nothing else.
	require.Len(t, f.provider.received, 1)
	payload := f.provider.received[0]
	require.Len(t, payload, 2)
	assert.Equal(t, "You are a doctor.", payload[0].Content)
	assert.Equal(t, "Hello there", payload[1].Content)

	turns, err := f.store.ListTurns(context.Background(), result.ConversationID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, models.RoleUser, turns[0].Role)
	assert.Equal(t, models.RoleAssistant, turns[1].Role)
	assert.Equal(t, "Hi", turns[1].Content)
}

func TestSendCarriesHistoryForward(t *testing.T) {
	f := newFixture(t, nil)
	f.seedAssistant(t, &models.Assistant{Code: "doctor", SystemPrompt: "p"})

	_, err := f.service.Send(context.Background(), SendRequest{InitData: "s", Assistant: "doctor", Message: "first"})
	require.NoError(t, err)
	_, err = f.service.Send(context.Background(), SendRequest{InitData: "s", Assistant: "doctor", Message: "second"})
	require.NoError(t, err)

	// Second call sees the first exchange before the new message.
	payload := f.provider.received[1]
	require.Len(t, payload, 4)
	assert.Equal(t, "first", payload[1].Content)
	assert.Equal(t, "Hi", payload[2].Content)
	assert.Equal(t, "second", payload[3].Content)
}

func TestSendUnknownAssistant(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.service.Send(context.Background(), SendRequest{InitData: "s", Assistant: "ghost", Message: "hi"})

	var accessErr *AccessError
	require.ErrorAs(t, err, &accessErr)
	assert.Equal(t, KindAssistantNotFound, accessErr.Kind)
}

func TestSendRestrictedAssistantNeedsGrant(t *testing.T) {
	f := newFixture(t, nil)
	assistant := f.seedAssistant(t, &models.Assistant{Code: "vip", SystemPrompt: "p", Restricted: true})

	_, err := f.service.Send(context.Background(), SendRequest{InitData: "s", Assistant: "vip", Message: "hi"})
	var accessErr *AccessError
	require.ErrorAs(t, err, &accessErr)
	assert.Equal(t, KindAccessDenied, accessErr.Kind)

	require.NoError(t, f.store.GrantAssistant(context.Background(), "42", assistant.ID, time.Now()))

	_, err = f.service.Send(context.Background(), SendRequest{InitData: "s", Assistant: "vip", Message: "hi"})
	require.NoError(t, err)
}

func TestSendDailyQuotaBlocksBeforePersisting(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Quota.DailyBase = 1
	})
	f.seedAssistant(t, &models.Assistant{Code: "doctor", SystemPrompt: "p"})

	first, err := f.service.Send(context.Background(), SendRequest{InitData: "s", Assistant: "doctor", Message: "one"})
	require.NoError(t, err)

	_, err = f.service.Send(context.Background(), SendRequest{InitData: "s", Assistant: "doctor", Message: "two"})
	var quotaErr *quota.Error
	require.ErrorAs(t, err, &quotaErr)
	assert.Equal(t, quota.KindDailyExceeded, quotaErr.Kind)

	// The rejected message was never persisted and never reached the
	// provider.
	turns, err := f.store.ListTurns(context.Background(), first.ConversationID)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
	assert.Len(t, f.provider.received, 1)
}

func TestSendRateLimited(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.RateLimit.RequestsPerMinute = 1
	})
	f.seedAssistant(t, &models.Assistant{Code: "doctor", SystemPrompt: "p"})

	_, err := f.service.Send(context.Background(), SendRequest{InitData: "s", Assistant: "doctor", Message: "one"})
	require.NoError(t, err)

	_, err = f.service.Send(context.Background(), SendRequest{InitData: "s", Assistant: "doctor", Message: "two"})
	var rateErr *RateLimitError
	require.ErrorAs(t, err, &rateErr)
	assert.Len(t, f.provider.received, 1)
}

func TestSendProviderFailureKeepsUserTurn(t *testing.T) {
	f := newFixture(t, nil)
	f.seedAssistant(t, &models.Assistant{Code: "doctor", SystemPrompt: "p"})
	f.provider.err = errors.New("upstream down")

	_, err := f.service.Send(context.Background(), SendRequest{InitData: "s", Assistant: "doctor", Message: "hi"})
	require.Error(t, err)
	assert.Equal(t, 1, f.sink.providerFailures)

	conv, err := f.store.GetOrCreateConversation(context.Background(), userID(t, f), assistantID(t, f, "doctor"), time.Now())
	require.NoError(t, err)
	turns, err := f.store.ListTurns(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, models.RoleUser, turns[0].Role)
}

func TestSendProviderFailureRefundsWhenConfigured(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Quota.RefundOnProviderFailure = true
	})
	f.seedAssistant(t, &models.Assistant{Code: "doctor", SystemPrompt: "p"})
	f.provider.err = errors.New("upstream down")

	_, err := f.service.Send(context.Background(), SendRequest{InitData: "s", Assistant: "doctor", Message: "hi"})
	require.Error(t, err)

	conv, err := f.store.GetOrCreateConversation(context.Background(), userID(t, f), assistantID(t, f, "doctor"), time.Now())
	require.NoError(t, err)
	turns, err := f.store.ListTurns(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Empty(t, turns)

	count, err := f.store.CountUserTurns(context.Background(), userID(t, f), time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

// assistantAppendFailStore lets the user turn through and fails the
// assistant-reply write.
type assistantAppendFailStore struct {
	storage.Store
}

func (s *assistantAppendFailStore) AppendTurn(ctx context.Context, turn *models.Turn) (*models.Turn, error) {
	if turn.Role == models.RoleAssistant {
		return nil, &storage.Error{Op: "append_turn", Err: errors.New("write failed")}
	}
	return s.Store.AppendTurn(ctx, turn)
}

func TestSendAssistantPersistFailureRollsBackUserTurn(t *testing.T) {
	f := newFixture(t, nil)
	f.seedAssistant(t, &models.Assistant{Code: "doctor", SystemPrompt: "p"})
	f.service.store = &assistantAppendFailStore{Store: f.store}

	_, err := f.service.Send(context.Background(), SendRequest{InitData: "s", Assistant: "doctor", Message: "hi"})

	var storageErr *storage.Error
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, 1, f.sink.storageFailures)

	// The user turn was rolled back with the failed reply: no
	// half-committed exchange, nothing billed.
	conv, err := f.store.GetOrCreateConversation(context.Background(), userID(t, f), assistantID(t, f, "doctor"), time.Now())
	require.NoError(t, err)
	turns, err := f.store.ListTurns(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Empty(t, turns)

	count, err := f.store.CountUserTurns(context.Background(), userID(t, f), time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

// userUpsertCounter counts storage round trips for user records.
type userUpsertCounter struct {
	storage.Store
	calls int
}

func (s *userUpsertCounter) GetOrCreateUser(ctx context.Context, claim *models.IdentityClaim, now time.Time) (*models.User, error) {
	s.calls++
	return s.Store.GetOrCreateUser(ctx, claim, now)
}

func TestRateLimitedSendSkipsUserUpsert(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.RateLimit.RequestsPerMinute = 1
	})
	f.seedAssistant(t, &models.Assistant{Code: "doctor", SystemPrompt: "p"})
	counter := &userUpsertCounter{Store: f.store}
	f.service.store = counter

	_, err := f.service.Send(context.Background(), SendRequest{InitData: "s", Assistant: "doctor", Message: "one"})
	require.NoError(t, err)

	_, err = f.service.Send(context.Background(), SendRequest{InitData: "s", Assistant: "doctor", Message: "two"})
	var rateErr *RateLimitError
	require.ErrorAs(t, err, &rateErr)

	// The rejected request never reached storage.
	assert.Equal(t, 1, counter.calls)
}

func TestSendAuthFailurePersistsNothing(t *testing.T) {
	f := newFixture(t, nil)
	f.seedAssistant(t, &models.Assistant{Code: "doctor", SystemPrompt: "p"})
	f.service.verifier = &stubVerifier{err: errors.New("bad signature")}

	_, err := f.service.Send(context.Background(), SendRequest{InitData: "bad", Assistant: "doctor", Message: "hi"})
	require.Error(t, err)
	assert.Empty(t, f.provider.received)
}

func TestHistoryExcludesSystemTurns(t *testing.T) {
	f := newFixture(t, nil)
	f.seedAssistant(t, &models.Assistant{Code: "doctor", SystemPrompt: "p"})

	_, err := f.service.Send(context.Background(), SendRequest{InitData: "s", Assistant: "doctor", Message: "hello"})
	require.NoError(t, err)

	result, err := f.service.History(context.Background(), HistoryRequest{InitData: "s", Assistant: "doctor"})
	require.NoError(t, err)
	require.Len(t, result.Turns, 2)
	assert.Equal(t, models.RoleUser, result.Turns[0].Role)
	assert.Equal(t, "hello", result.Turns[0].Content)
	assert.Equal(t, models.RoleAssistant, result.Turns[1].Role)
}

func userID(t *testing.T, f *fixture) string {
	t.Helper()
	user, err := f.store.GetOrCreateUser(context.Background(), &models.IdentityClaim{ExternalID: "42"}, time.Now())
	require.NoError(t, err)
	return user.ID
}

func assistantID(t *testing.T, f *fixture, code string) string {
	t.Helper()
	assistant, err := f.store.GetAssistantByCode(context.Background(), code)
	require.NoError(t, err)
	require.NotNil(t, assistant)
	return assistant.ID
}

package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/motherschat/chat-backend/internal/config"
	"github.com/motherschat/chat-backend/internal/middleware"
	"github.com/motherschat/chat-backend/internal/models"
	"github.com/motherschat/chat-backend/internal/services/quota"
	"github.com/motherschat/chat-backend/internal/services/storage"
	"github.com/motherschat/chat-backend/pkg/markdown"
	"github.com/sirupsen/logrus"
)

// Access error kinds.
const (
	KindAssistantNotFound = "assistant_not_found"
	KindAccessDenied      = "access_denied"
)

// AccessError rejects a request aimed at an unknown or restricted
// assistant.
type AccessError struct {
	Kind      string
	Assistant string
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Assistant)
}

// RateLimitError rejects a caller that exceeded the sliding window.
type RateLimitError struct {
	Key string
}

func (e *RateLimitError) Error() string {
	return "rate limit exceeded for " + e.Key
}

// IdentityVerifier checks a signed launch payload and returns the
// trusted identity.
type IdentityVerifier interface {
	Verify(rawPayload string, now time.Time) (*models.IdentityClaim, error)
}

// Provider is the model completion boundary.
type Provider interface {
	Complete(ctx context.Context, modelID string, messages []models.Message, temperature float64) (string, error)
}

// AssistantCatalog resolves assistants and their curated examples.
type AssistantCatalog interface {
	Assistant(ctx context.Context, code string) (*models.Assistant, error)
	Examples(ctx context.Context, assistantID string) ([]models.Example, error)
}

// QuotaChecker enforces daily and monthly allowances.
type QuotaChecker interface {
	Check(ctx context.Context, userID string, now time.Time) (models.QuotaSnapshot, error)
}

// AlertSink receives operator alerts for failures worth a human look.
type AlertSink interface {
	ProviderFailure(model string, err error)
	StorageFailure(op string, err error)
}

// SendRequest carries one user message into the pipeline. InitData is
// the raw signed launch payload from the client, verified here, never
// trusted as-is.
type SendRequest struct {
	InitData  string
	Assistant string
	Message   string
}

// SendResult is the reply for a successful send.
type SendResult struct {
	ConversationID         string
	Reply                  string
	ReplyHTML              string
	UsedModel              string
	UserMessageTokens      int
	AssistantMessageTokens int
	Quota                  models.QuotaSnapshot
}

// HistoryRequest asks for the visible transcript of one conversation.
type HistoryRequest struct {
	InitData  string
	Assistant string
}

// HistoryResult is the transcript without system turns.
type HistoryResult struct {
	ConversationID string
	Turns          []models.Turn
}

// Service runs the full message pipeline: verify identity, admit the
// caller, resolve the assistant, enforce quota, assemble context, call
// the model, and persist both turns. Gates run in that fixed order so
// a cheaper check always fails before a more expensive one.
type Service struct {
	config    *config.Config
	verifier  IdentityVerifier
	limiter   middleware.RateLimiter
	store     storage.Store
	catalog   AssistantCatalog
	quota     QuotaChecker
	assembler *Assembler
	estimator Estimator
	provider  Provider
	notifier  AlertSink
	metrics   *middleware.Metrics
	logger    *logrus.Logger
	now       func() time.Time
}

func NewService(
	cfg *config.Config,
	verifier IdentityVerifier,
	limiter middleware.RateLimiter,
	store storage.Store,
	catalog AssistantCatalog,
	quotaChecker QuotaChecker,
	assembler *Assembler,
	estimator Estimator,
	provider Provider,
	notifier AlertSink,
	metrics *middleware.Metrics,
	logger *logrus.Logger,
) *Service {
	return &Service{
		config:    cfg,
		verifier:  verifier,
		limiter:   limiter,
		store:     store,
		catalog:   catalog,
		quota:     quotaChecker,
		assembler: assembler,
		estimator: estimator,
		provider:  provider,
		notifier:  notifier,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Send processes one user message end to end.
func (s *Service) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	now := s.now()

	claim, err := s.verifier.Verify(req.InitData, now)
	if err != nil {
		s.metrics.RecordGateRejection("auth")
		return nil, err
	}

	log := s.logger.WithFields(logrus.Fields{
		"external_id": claim.ExternalID,
		"assistant":   req.Assistant,
	})

	// The limiter keys on the verified external id, so a rate-limited
	// caller is turned away before any storage round trip.
	if !s.limiter.Admit(ctx, "user:"+claim.ExternalID, now) {
		s.metrics.RecordGateRejection("rate_limit")
		return nil, &RateLimitError{Key: claim.ExternalID}
	}

	user, err := s.store.GetOrCreateUser(ctx, claim, now)
	if err != nil {
		return nil, err
	}

	assistant, err := s.resolveAssistant(ctx, claim.ExternalID, req.Assistant)
	if err != nil {
		return nil, err
	}

	snapshot, err := s.quota.Check(ctx, user.ID, now)
	if err != nil {
		var quotaErr *quota.Error
		if errors.As(err, &quotaErr) {
			s.metrics.RecordGateRejection(quotaErr.Kind)
		}
		return nil, err
	}

	conversation, err := s.store.GetOrCreateConversation(ctx, user.ID, assistant.ID, now)
	if err != nil {
		return nil, err
	}

	history, err := s.store.FetchRecentTurns(ctx, conversation.ID, s.config.Context.MaxHistoryTurns)
	if err != nil {
		return nil, err
	}
	examples, err := s.catalog.Examples(ctx, assistant.ID)
	if err != nil {
		return nil, err
	}

	// Context is assembled before the user turn is written, so the new
	// message appears exactly once in the payload.
	messages := s.assembler.Build(assistant, examples, history, req.Message)

	userTokens := s.estimator.Estimate(req.Message)
	appendStart := time.Now()
	userTurn, err := s.store.AppendTurn(ctx, &models.Turn{
		ConversationID: conversation.ID,
		UserID:         user.ID,
		Role:           models.RoleUser,
		Content:        req.Message,
		Tokens:         userTokens,
		CreatedAt:      now,
	})
	if err != nil {
		s.notifier.StorageFailure("append_user_turn", err)
		return nil, err
	}
	s.metrics.RecordStorageOp("append_turn", time.Since(appendStart))

	model := assistant.BaseModel
	if model == "" {
		model = s.config.Models.Default
	}

	start := time.Now()
	reply, err := s.provider.Complete(ctx, model, messages, s.config.Models.Temperature)
	if err != nil {
		s.metrics.RecordProviderRequest(model, "error", time.Since(start))
		s.notifier.ProviderFailure(model, err)
		log.WithError(err).Error("Provider call failed")

		// The user turn stays persisted and counted unless refunds are
		// configured: the work was attempted.
		if s.config.Quota.RefundOnProviderFailure {
			if delErr := s.store.DeleteTurn(ctx, conversation.ID, userTurn.ID); delErr != nil {
				log.WithError(delErr).Warn("Failed to refund user turn")
			}
		}
		return nil, err
	}
	s.metrics.RecordProviderRequest(model, "success", time.Since(start))

	assistantTokens := s.estimator.Estimate(reply)
	appendStart = time.Now()
	if _, err := s.store.AppendTurn(ctx, &models.Turn{
		ConversationID: conversation.ID,
		UserID:         user.ID,
		Role:           models.RoleAssistant,
		Content:        reply,
		Tokens:         assistantTokens,
		CreatedAt:      s.now(),
	}); err != nil {
		s.notifier.StorageFailure("append_assistant_turn", err)
		// Roll back the half-committed exchange: a billed user turn
		// with no reply must not survive a failed write.
		if delErr := s.store.DeleteTurn(ctx, conversation.ID, userTurn.ID); delErr != nil {
			log.WithError(delErr).Warn("Failed to roll back user turn")
		}
		return nil, err
	}
	s.metrics.RecordStorageOp("append_turn", time.Since(appendStart))

	s.metrics.RecordTokens(models.RoleUser, userTokens)
	s.metrics.RecordTokens(models.RoleAssistant, assistantTokens)
	s.metrics.MarkConversationActive(conversation.ID, now)

	log.WithFields(logrus.Fields{
		"conversation": conversation.ID,
		"model":        model,
		"daily_used":   snapshot.DailyUsed + 1,
	}).Info("Message processed")

	return &SendResult{
		ConversationID:         conversation.ID,
		Reply:                  reply,
		ReplyHTML:              markdown.ToHTML(reply),
		UsedModel:              model,
		UserMessageTokens:      userTokens,
		AssistantMessageTokens: assistantTokens,
		Quota:                  snapshot,
	}, nil
}

// History returns the conversation transcript for one user/assistant
// pair, with system turns excluded.
func (s *Service) History(ctx context.Context, req HistoryRequest) (*HistoryResult, error) {
	now := s.now()

	claim, err := s.verifier.Verify(req.InitData, now)
	if err != nil {
		s.metrics.RecordGateRejection("auth")
		return nil, err
	}

	user, err := s.store.GetOrCreateUser(ctx, claim, now)
	if err != nil {
		return nil, err
	}

	assistant, err := s.resolveAssistant(ctx, claim.ExternalID, req.Assistant)
	if err != nil {
		return nil, err
	}

	conversation, err := s.store.GetOrCreateConversation(ctx, user.ID, assistant.ID, now)
	if err != nil {
		return nil, err
	}

	all, err := s.store.ListTurns(ctx, conversation.ID)
	if err != nil {
		return nil, err
	}

	turns := make([]models.Turn, 0, len(all))
	for _, turn := range all {
		if turn.Role == models.RoleSystem {
			continue
		}
		turns = append(turns, turn)
	}

	return &HistoryResult{ConversationID: conversation.ID, Turns: turns}, nil
}

func (s *Service) resolveAssistant(ctx context.Context, externalID, code string) (*models.Assistant, error) {
	assistant, err := s.catalog.Assistant(ctx, code)
	if err != nil {
		return nil, err
	}
	if assistant == nil {
		s.metrics.RecordGateRejection(KindAssistantNotFound)
		return nil, &AccessError{Kind: KindAssistantNotFound, Assistant: code}
	}

	if assistant.Restricted {
		allowed, err := s.store.HasAssistantAccess(ctx, externalID, assistant.ID)
		if err != nil {
			return nil, err
		}
		if !allowed {
			s.metrics.RecordGateRejection(KindAccessDenied)
			return nil, &AccessError{Kind: KindAccessDenied, Assistant: code}
		}
	}

	return assistant, nil
}

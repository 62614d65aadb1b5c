package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/motherschat/chat-backend/internal/config"
	"github.com/motherschat/chat-backend/internal/models"
	"github.com/sirupsen/logrus"
)

// RedisStore persists all chat state in Redis: JSON values for
// entities, a list per conversation for the turn log, and a sorted
// set per user indexing user-turn timestamps for quota counting.
type RedisStore struct {
	client   *redis.Client
	quotaCfg config.QuotaConfig
	logger   *logrus.Logger
}

func NewRedisStore(cfg *config.Config, logger *logrus.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr,
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{
		client:   client,
		quotaCfg: cfg.Quota,
		logger:   logger,
	}, nil
}

func (r *RedisStore) GetOrCreateUser(ctx context.Context, claim *models.IdentityClaim, now time.Time) (*models.User, error) {
	key := "user:" + claim.ExternalID

	user := &models.User{
		ID:         uuid.NewString(),
		ExternalID: claim.ExternalID,
		FirstName:  claim.DisplayName,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	created, err := r.setNXJSON(ctx, key, user)
	if err != nil {
		return nil, &Error{Op: "get_or_create_user", Err: err}
	}
	if created {
		r.logger.WithField("external_id", claim.ExternalID).Info("Registered new user")
		return user, nil
	}

	if err := r.getJSON(ctx, key, user); err != nil {
		return nil, &Error{Op: "get_or_create_user", Err: err}
	}
	user.LastSeenAt = now
	if err := r.setJSON(ctx, key, user); err != nil {
		return nil, &Error{Op: "get_or_create_user", Err: err}
	}
	return user, nil
}

func (r *RedisStore) GetAssistantByCode(ctx context.Context, code string) (*models.Assistant, error) {
	assistant := &models.Assistant{}
	err := r.getJSON(ctx, "assistant:"+code, assistant)
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, &Error{Op: "get_assistant", Err: err}
	}
	return assistant, nil
}

func (r *RedisStore) UpsertAssistant(ctx context.Context, assistant *models.Assistant) error {
	if assistant.ID == "" {
		assistant.ID = uuid.NewString()
	}
	if err := r.setJSON(ctx, "assistant:"+assistant.Code, assistant); err != nil {
		return &Error{Op: "upsert_assistant", Err: err}
	}
	return nil
}

func (r *RedisStore) HasAssistantAccess(ctx context.Context, externalID, assistantID string) (bool, error) {
	n, err := r.client.Exists(ctx, "grant:"+externalID+":"+assistantID).Result()
	if err != nil {
		return false, &Error{Op: "has_access", Err: err}
	}
	return n > 0, nil
}

func (r *RedisStore) GrantAssistant(ctx context.Context, externalID, assistantID string, now time.Time) error {
	if err := r.client.Set(ctx, "grant:"+externalID+":"+assistantID, now.Unix(), 0).Err(); err != nil {
		return &Error{Op: "grant", Err: err}
	}
	return nil
}

// GetOrCreateConversation is convergent under races: SetNX decides a
// single winner, everyone reads the winning record back.
func (r *RedisStore) GetOrCreateConversation(ctx context.Context, userID, assistantID string, now time.Time) (*models.Conversation, error) {
	key := "conversation:" + userID + ":" + assistantID

	conversation := &models.Conversation{
		ID:            uuid.NewString(),
		UserID:        userID,
		AssistantID:   assistantID,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	created, err := r.setNXJSON(ctx, key, conversation)
	if err != nil {
		return nil, &Error{Op: "get_or_create_conversation", Err: err}
	}
	if created {
		return conversation, nil
	}

	if err := r.getJSON(ctx, key, conversation); err != nil {
		return nil, &Error{Op: "get_or_create_conversation", Err: err}
	}
	return conversation, nil
}

// FetchRecentTurns returns up to limit newest turns, most recent
// first.
func (r *RedisStore) FetchRecentTurns(ctx context.Context, conversationID string, limit int) ([]models.Turn, error) {
	raw, err := r.client.LRange(ctx, "turns:"+conversationID, -int64(limit), -1).Result()
	if err != nil {
		return nil, &Error{Op: "fetch_recent_turns", Err: err}
	}

	turns := make([]models.Turn, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var turn models.Turn
		if err := json.Unmarshal([]byte(raw[i]), &turn); err != nil {
			return nil, &Error{Op: "fetch_recent_turns", Err: err}
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func (r *RedisStore) ListTurns(ctx context.Context, conversationID string) ([]models.Turn, error) {
	raw, err := r.client.LRange(ctx, "turns:"+conversationID, 0, -1).Result()
	if err != nil {
		return nil, &Error{Op: "list_turns", Err: err}
	}

	turns := make([]models.Turn, 0, len(raw))
	for _, item := range raw {
		var turn models.Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			return nil, &Error{Op: "list_turns", Err: err}
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func (r *RedisStore) AppendTurn(ctx context.Context, turn *models.Turn) (*models.Turn, error) {
	stored := *turn
	stored.ID = uuid.NewString()

	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, &Error{Op: "append_turn", Err: err}
	}

	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, "turns:"+stored.ConversationID, data)
	if stored.Role == models.RoleUser {
		pipe.ZAdd(ctx, "userturns:"+stored.UserID, &redis.Z{
			Score:  float64(stored.CreatedAt.UnixMicro()),
			Member: stored.ID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, &Error{Op: "append_turn", Err: err}
	}

	return &stored, nil
}

func (r *RedisStore) DeleteTurn(ctx context.Context, conversationID, turnID string) error {
	raw, err := r.client.LRange(ctx, "turns:"+conversationID, 0, -1).Result()
	if err != nil {
		return &Error{Op: "delete_turn", Err: err}
	}

	for _, item := range raw {
		var turn models.Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			continue
		}
		if turn.ID != turnID {
			continue
		}

		pipe := r.client.TxPipeline()
		pipe.LRem(ctx, "turns:"+conversationID, 1, item)
		if turn.Role == models.RoleUser {
			pipe.ZRem(ctx, "userturns:"+turn.UserID, turn.ID)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return &Error{Op: "delete_turn", Err: err}
		}
		return nil
	}
	return nil
}

// CountUserTurns counts user-role turns in [since, until).
func (r *RedisStore) CountUserTurns(ctx context.Context, userID string, since, until time.Time) (int, error) {
	min := strconv.FormatInt(since.UnixMicro(), 10)
	max := "(" + strconv.FormatInt(until.UnixMicro(), 10)

	count, err := r.client.ZCount(ctx, "userturns:"+userID, min, max).Result()
	if err != nil {
		return 0, &Error{Op: "count_user_turns", Err: err}
	}
	return int(count), nil
}

func (r *RedisStore) GetOrCreateQuotaRecord(ctx context.Context, userID string, now time.Time) (*models.QuotaRecord, error) {
	key := "quota:" + userID

	record := &models.QuotaRecord{
		UserID:      userID,
		DailyBase:   r.quotaCfg.DailyBase,
		MonthlyBase: r.quotaCfg.MonthlyBase,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	created, err := r.setNXJSON(ctx, key, record)
	if err != nil {
		return nil, &Error{Op: "get_or_create_quota", Err: err}
	}
	if created {
		return record, nil
	}

	if err := r.getJSON(ctx, key, record); err != nil {
		return nil, &Error{Op: "get_or_create_quota", Err: err}
	}
	return record, nil
}

func (r *RedisStore) AddExample(ctx context.Context, example *models.Example) error {
	if example.ID == "" {
		example.ID = uuid.NewString()
	}

	data, err := json.Marshal(example)
	if err != nil {
		return &Error{Op: "add_example", Err: err}
	}
	if err := r.client.RPush(ctx, exampleKey(example.AssistantID), data).Err(); err != nil {
		return &Error{Op: "add_example", Err: err}
	}
	return nil
}

func (r *RedisStore) ListExamples(ctx context.Context, assistantID string) ([]models.Example, error) {
	keys := []string{exampleKey(assistantID)}
	if assistantID != "" {
		keys = append(keys, exampleKey(""))
	}

	var out []models.Example
	for _, key := range keys {
		raw, err := r.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, &Error{Op: "list_examples", Err: err}
		}
		for _, item := range raw {
			var example models.Example
			if err := json.Unmarshal([]byte(item), &example); err != nil {
				return nil, &Error{Op: "list_examples", Err: err}
			}
			out = append(out, example)
		}
	}
	return out, nil
}

func (r *RedisStore) getJSON(ctx context.Context, key string, target interface{}) error {
	data, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(data), target)
}

func (r *RedisStore) setJSON(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, data, 0).Err()
}

func (r *RedisStore) setNXJSON(ctx context.Context, key string, value interface{}) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	return r.client.SetNX(ctx, key, data, 0).Result()
}

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/motherschat/chat-backend/internal/config"
	"github.com/motherschat/chat-backend/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore() *MemoryStore {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewMemoryStore(&config.Config{
		Storage: config.StorageConfig{
			Type: "memory",
			Memory: config.MemoryConfig{
				CleanupInterval: time.Minute,
			},
		},
		Quota: config.QuotaConfig{DailyBase: 30, MonthlyBase: 200},
	}, log)
}

func TestGetOrCreateUserIsIdempotent(t *testing.T) {
	store := testStore()
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	claim := &models.IdentityClaim{ExternalID: "42", DisplayName: "Olga"}

	first, err := store.GetOrCreateUser(ctx, claim, now)
	require.NoError(t, err)
	second, err := store.GetOrCreateUser(ctx, claim, now.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, now.Add(time.Hour), second.LastSeenAt)
}

func TestQuotaRecordDefaultsOnFirstAccess(t *testing.T) {
	store := testStore()
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	record, err := store.GetOrCreateQuotaRecord(ctx, "user-1", now)
	require.NoError(t, err)
	assert.Equal(t, 30, record.DailyAllowance())
	assert.Equal(t, 200, record.MonthlyAllowance())
	assert.Equal(t, 0, record.DailyBonus)
}

func TestTurnLogOrderingAndFetch(t *testing.T) {
	store := testStore()
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := store.AppendTurn(ctx, &models.Turn{
			ConversationID: "conv",
			UserID:         "user-1",
			Role:           models.RoleUser,
			Content:        string(rune('a' + i)),
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	recent, err := store.FetchRecentTurns(ctx, "conv", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "e", recent[0].Content)
	assert.Equal(t, "c", recent[2].Content)

	all, err := store.ListTurns(ctx, "conv")
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i].CreatedAt.After(all[i-1].CreatedAt), "created_at strictly increasing")
	}
}

func TestAppendTurnBumpsNonIncreasingTimestamp(t *testing.T) {
	store := testStore()
	ctx := context.Background()
	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	first, err := store.AppendTurn(ctx, &models.Turn{ConversationID: "conv", Role: models.RoleUser, UserID: "u", CreatedAt: at})
	require.NoError(t, err)
	second, err := store.AppendTurn(ctx, &models.Turn{ConversationID: "conv", Role: models.RoleAssistant, UserID: "u", CreatedAt: at})
	require.NoError(t, err)

	assert.True(t, second.CreatedAt.After(first.CreatedAt))
}

func TestCountUserTurnsBoundaries(t *testing.T) {
	store := testStore()
	ctx := context.Background()
	dayStart := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	times := []time.Time{
		dayStart.Add(-time.Second), // yesterday
		dayStart,                   // inclusive at the start instant
		dayStart.Add(time.Hour),
		dayStart.Add(12 * time.Hour), // equals "until": excluded
	}
	for _, at := range times {
		_, err := store.AppendTurn(ctx, &models.Turn{
			ConversationID: "conv",
			UserID:         "user-1",
			Role:           models.RoleUser,
			CreatedAt:      at,
		})
		require.NoError(t, err)
	}

	count, err := store.CountUserTurns(ctx, "user-1", dayStart, dayStart.Add(12*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestCountUserTurnsIgnoresAssistantTurns(t *testing.T) {
	store := testStore()
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	_, err := store.AppendTurn(ctx, &models.Turn{ConversationID: "conv", UserID: "u", Role: models.RoleUser, CreatedAt: now})
	require.NoError(t, err)
	_, err = store.AppendTurn(ctx, &models.Turn{ConversationID: "conv", UserID: "u", Role: models.RoleAssistant, CreatedAt: now.Add(time.Second)})
	require.NoError(t, err)

	count, err := store.CountUserTurns(ctx, "u", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDeleteTurnRemovesQuotaCount(t *testing.T) {
	store := testStore()
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	turn, err := store.AppendTurn(ctx, &models.Turn{ConversationID: "conv", UserID: "u", Role: models.RoleUser, CreatedAt: now})
	require.NoError(t, err)

	require.NoError(t, store.DeleteTurn(ctx, "conv", turn.ID))

	count, err := store.CountUserTurns(ctx, "u", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	all, err := store.ListTurns(ctx, "conv")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestConversationLookupIsConvergent(t *testing.T) {
	store := testStore()
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	first, err := store.GetOrCreateConversation(ctx, "u", "a", now)
	require.NoError(t, err)
	second, err := store.GetOrCreateConversation(ctx, "u", "a", now.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
}

func TestListExamplesMergesAssistantAndGlobal(t *testing.T) {
	store := testStore()
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.AddExample(ctx, &models.Example{AssistantID: "a", Question: "q1", Answer: "r1", CreatedAt: now}))
	require.NoError(t, store.AddExample(ctx, &models.Example{Question: "q2", Answer: "r2", CreatedAt: now}))
	require.NoError(t, store.AddExample(ctx, &models.Example{AssistantID: "b", Question: "q3", Answer: "r3", CreatedAt: now}))

	examples, err := store.ListExamples(ctx, "a")
	require.NoError(t, err)
	require.Len(t, examples, 2)
	assert.Equal(t, "q1", examples[0].Question)
	assert.Equal(t, "q2", examples[1].Question)
}

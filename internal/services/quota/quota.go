package quota

import (
	"context"
	"time"

	"github.com/motherschat/chat-backend/internal/models"
	"github.com/sirupsen/logrus"
)

// Error kinds for quota violations.
const (
	KindDailyExceeded   = "daily_exceeded"
	KindMonthlyExceeded = "monthly_exceeded"
)

// Error is a quota violation with a machine-checkable kind.
type Error struct {
	Kind     string
	Snapshot models.QuotaSnapshot
}

func (e *Error) Error() string {
	return "quota exceeded: " + e.Kind
}

// Store is the slice of the storage layer the enforcer needs.
type Store interface {
	GetOrCreateQuotaRecord(ctx context.Context, userID string, now time.Time) (*models.QuotaRecord, error)
	CountUserTurns(ctx context.Context, userID string, since, until time.Time) (int, error)
}

// Enforcer compares a user's effective allowances against the user
// turns already recorded today and this month. It must run before the
// new user turn is persisted, so the triggering message does not count
// against itself.
type Enforcer struct {
	store  Store
	logger *logrus.Logger
}

func NewEnforcer(store Store, logger *logrus.Logger) *Enforcer {
	return &Enforcer{
		store:  store,
		logger: logger,
	}
}

// Check returns the usage snapshot and a *Error when an allowance is
// exhausted. Both periods are evaluated; when both are exhausted the
// daily violation wins (most granular first).
func (e *Enforcer) Check(ctx context.Context, userID string, now time.Time) (models.QuotaSnapshot, error) {
	record, err := e.store.GetOrCreateQuotaRecord(ctx, userID, now)
	if err != nil {
		return models.QuotaSnapshot{}, err
	}

	dayStart := StartOfDay(now)
	monthStart := StartOfMonth(now)

	dailyUsed, err := e.store.CountUserTurns(ctx, userID, dayStart, now)
	if err != nil {
		return models.QuotaSnapshot{}, err
	}
	monthlyUsed, err := e.store.CountUserTurns(ctx, userID, monthStart, now)
	if err != nil {
		return models.QuotaSnapshot{}, err
	}

	snapshot := models.QuotaSnapshot{
		DailyAllowance:   record.DailyAllowance(),
		MonthlyAllowance: record.MonthlyAllowance(),
		DailyUsed:        dailyUsed,
		MonthlyUsed:      monthlyUsed,
	}

	if dailyUsed >= snapshot.DailyAllowance {
		e.logger.WithFields(logrus.Fields{
			"user_id":   userID,
			"used":      dailyUsed,
			"allowance": snapshot.DailyAllowance,
		}).Info("Daily quota exhausted")
		return snapshot, &Error{Kind: KindDailyExceeded, Snapshot: snapshot}
	}

	if monthlyUsed >= snapshot.MonthlyAllowance {
		e.logger.WithFields(logrus.Fields{
			"user_id":   userID,
			"used":      monthlyUsed,
			"allowance": snapshot.MonthlyAllowance,
		}).Info("Monthly quota exhausted")
		return snapshot, &Error{Kind: KindMonthlyExceeded, Snapshot: snapshot}
	}

	return snapshot, nil
}

// StartOfDay truncates to midnight UTC.
func StartOfDay(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// StartOfMonth truncates to the first of the month, midnight UTC.
func StartOfMonth(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

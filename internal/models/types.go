package models

import (
	"time"
)

// Role values for conversation turns.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one role-tagged message in the payload sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// IdentityClaim is the trusted identity produced by signature
// verification of a launch payload. It is never built from
// unverified input.
type IdentityClaim struct {
	ExternalID  string    `json:"external_id"`
	DisplayName string    `json:"display_name,omitempty"`
	IssuedAt    time.Time `json:"issued_at"`
}

// User is a registered platform user.
type User struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"external_id"`
	FirstName  string    `json:"first_name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Assistant is a configured chat persona backed by a specific model.
type Assistant struct {
	ID           string `json:"id"`
	Code         string `json:"code"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	BaseModel    string `json:"base_model"`
	SystemPrompt string `json:"system_prompt"`
	// Restricted assistants require an explicit grant per user.
	Restricted bool `json:"restricted,omitempty"`
}

// Conversation groups the turns between one user and one assistant.
type Conversation struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	AssistantID   string    `json:"assistant_id"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// Turn is one append-only entry in a conversation's message log.
// Turns are never edited or deleted after creation, with the single
// exception of the quota-refund path on provider failure.
type Turn struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Tokens         int       `json:"tokens,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// QuotaRecord holds the stored base/bonus allowances for one user.
type QuotaRecord struct {
	UserID       string    `json:"user_id"`
	DailyBase    int       `json:"daily_base"`
	MonthlyBase  int       `json:"monthly_base"`
	DailyBonus   int       `json:"daily_bonus"`
	MonthlyBonus int       `json:"monthly_bonus"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DailyAllowance is the effective daily limit (base plus bonus).
func (q *QuotaRecord) DailyAllowance() int {
	return q.DailyBase + q.DailyBonus
}

// MonthlyAllowance is the effective monthly limit (base plus bonus).
func (q *QuotaRecord) MonthlyAllowance() int {
	return q.MonthlyBase + q.MonthlyBonus
}

// QuotaSnapshot is the per-request view of allowances against usage.
// Derived on every check, never persisted.
type QuotaSnapshot struct {
	DailyAllowance   int `json:"daily_allowance"`
	MonthlyAllowance int `json:"monthly_allowance"`
	DailyUsed        int `json:"daily_used"`
	MonthlyUsed      int `json:"monthly_used"`
}

// Example is one curated question/answer pair shown to the model as
// style guidance. AssistantID is empty for global examples.
type Example struct {
	ID          string    `json:"id"`
	AssistantID string    `json:"assistant_id,omitempty"`
	Question    string    `json:"question"`
	Answer      string    `json:"answer"`
	CreatedAt   time.Time `json:"created_at"`
}

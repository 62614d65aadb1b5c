package i18n

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/motherschat/chat-backend/internal/config"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

// Localizer resolves user-facing messages per language.
type Localizer struct {
	bundle          *i18n.Bundle
	defaultLanguage string
	localizers      map[string]*i18n.Localizer
}

// NewLocalizer loads the per-language message files.
func NewLocalizer(cfg *config.I18nConfig) (*Localizer, error) {
	bundle := i18n.NewBundle(language.Russian)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	for _, lang := range cfg.Languages {
		path := filepath.Join(cfg.Directory, lang+".json")
		if _, err := bundle.LoadMessageFile(path); err != nil {
			return nil, fmt.Errorf("failed to load language file %s: %w", lang, err)
		}
	}

	localizers := make(map[string]*i18n.Localizer)
	for _, lang := range cfg.Languages {
		localizers[lang] = i18n.NewLocalizer(bundle, lang)
	}

	return &Localizer{
		bundle:          bundle,
		defaultLanguage: cfg.DefaultLanguage,
		localizers:      localizers,
	}, nil
}

// Get returns the localized message for the given language, falling
// back to the default language and finally to the message ID itself.
func (l *Localizer) Get(lang, messageID string, data map[string]interface{}) string {
	localizer, exists := l.localizers[lang]
	if !exists {
		localizer = l.localizers[l.defaultLanguage]
	}

	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if err != nil {
		return messageID
	}

	return msg
}

// Message IDs
const (
	MsgAuthFailed        = "auth_failed"
	MsgAuthExpired       = "auth_expired"
	MsgRateLimitExceeded = "rate_limit_exceeded"
	MsgDailyExceeded     = "daily_quota_exceeded"
	MsgMonthlyExceeded   = "monthly_quota_exceeded"
	MsgAssistantNotFound = "assistant_not_found"
	MsgAccessDenied      = "access_denied"
	MsgProviderFailed    = "provider_failed"
	MsgStorageFailed     = "storage_failed"
	MsgBadRequest        = "bad_request"
)

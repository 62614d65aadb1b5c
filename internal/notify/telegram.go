package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/motherschat/chat-backend/internal/config"
	"github.com/sirupsen/logrus"
)

// Notifier pushes operator alerts to an admin chat through a bot.
// Disabled instances swallow every call, so callers never branch.
type Notifier struct {
	enabled   bool
	bot       *tgbotapi.BotAPI
	adminChat int64
	logger    *logrus.Logger
}

func NewNotifier(cfg *config.NotifyConfig, logger *logrus.Logger) *Notifier {
	if !cfg.Enabled || cfg.BotToken == "" || cfg.AdminChat == 0 {
		logger.Info("Operator notifications disabled")
		return &Notifier{enabled: false}
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		logger.WithError(err).Warn("Failed to initialize notify bot, notifications disabled")
		return &Notifier{enabled: false}
	}

	logger.WithField("bot", bot.Self.UserName).Info("Operator notifications enabled")
	return &Notifier{
		enabled:   true,
		bot:       bot,
		adminChat: cfg.AdminChat,
		logger:    logger,
	}
}

// ProviderFailure reports a failed model call.
func (n *Notifier) ProviderFailure(model string, err error) {
	n.send(fmt.Sprintf("⚠️ Provider call failed\nModel: %s\nError: %v", model, err))
}

// StorageFailure reports a failed storage operation.
func (n *Notifier) StorageFailure(op string, err error) {
	n.send(fmt.Sprintf("🛑 Storage operation failed\nOp: %s\nError: %v", op, err))
}

func (n *Notifier) send(text string) {
	if !n.enabled {
		return
	}

	msg := tgbotapi.NewMessage(n.adminChat, text)
	if _, err := n.bot.Send(msg); err != nil {
		n.logger.WithError(err).Warn("Failed to deliver operator alert")
	}
}

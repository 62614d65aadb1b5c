package chat

import (
	"fmt"
	"sort"
	"strings"

	"github.com/motherschat/chat-backend/internal/config"
	"github.com/motherschat/chat-backend/internal/models"
	"github.com/sirupsen/logrus"
)

// Assembler builds the ordered message payload for one model call.
// The layout is fixed: system prompt, then at most one system turn of
// curated examples, then recent history oldest-first, then the new
// user message.
type Assembler struct {
	config    *config.ContextConfig
	estimator Estimator
	logger    *logrus.Logger
}

func NewAssembler(cfg *config.ContextConfig, estimator Estimator, logger *logrus.Logger) *Assembler {
	return &Assembler{
		config:    cfg,
		estimator: estimator,
		logger:    logger,
	}
}

// Build assembles the payload. History is given most-recent-first, as
// the store returns it; it is re-ordered chronologically here.
func (a *Assembler) Build(assistant *models.Assistant, examples []models.Example, history []models.Turn, newMessage string) []models.Message {
	messages := make([]models.Message, 0, len(history)+3)

	systemPrompt := assistant.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = a.config.DefaultSystemPrompt
	}
	messages = append(messages, models.Message{Role: models.RoleSystem, Content: systemPrompt})

	if block := a.exampleBlock(assistant.ID, examples); block != "" {
		messages = append(messages, models.Message{Role: models.RoleSystem, Content: block})
	}

	messages = append(messages, a.historyWindow(history)...)
	messages = append(messages, models.Message{Role: models.RoleUser, Content: newMessage})

	a.logger.WithFields(logrus.Fields{
		"assistant": assistant.Code,
		"messages":  len(messages),
		"tokens":    a.estimateTotal(messages),
	}).Debug("Assembled model context")

	return messages
}

// exampleBlock renders curated examples into one system turn. Examples
// tagged for this assistant take precedence; global examples apply
// only when the assistant has none of its own.
func (a *Assembler) exampleBlock(assistantID string, examples []models.Example) string {
	var own, global []models.Example
	for _, example := range examples {
		if example.AssistantID == assistantID && assistantID != "" {
			own = append(own, example)
		} else if example.AssistantID == "" {
			global = append(global, example)
		}
	}

	selected := own
	if len(selected) == 0 {
		selected = global
	}
	if len(selected) == 0 {
		return ""
	}

	sort.SliceStable(selected, func(i, j int) bool {
		if selected[i].CreatedAt.Equal(selected[j].CreatedAt) {
			return selected[i].ID < selected[j].ID
		}
		return selected[i].CreatedAt.Before(selected[j].CreatedAt)
	})

	if a.config.MaxExamples > 0 && len(selected) > a.config.MaxExamples {
		selected = selected[:a.config.MaxExamples]
	}

	var sb strings.Builder
	sb.WriteString("Answer in the style of the following examples.\n")
	for i, example := range selected {
		fmt.Fprintf(&sb, "\nExample %d:\nQ: %s\nA: %s\n", i+1, example.Question, example.Answer)
	}
	return sb.String()
}

// historyWindow keeps the newest MaxHistoryTurns non-system turns and
// returns them oldest-first.
func (a *Assembler) historyWindow(history []models.Turn) []models.Message {
	kept := make([]models.Turn, 0, len(history))
	for _, turn := range history {
		if turn.Role == models.RoleSystem {
			continue
		}
		kept = append(kept, turn)
		if a.config.MaxHistoryTurns > 0 && len(kept) == a.config.MaxHistoryTurns {
			break
		}
	}

	out := make([]models.Message, 0, len(kept))
	for i := len(kept) - 1; i >= 0; i-- {
		out = append(out, models.Message{Role: kept[i].Role, Content: kept[i].Content})
	}
	return out
}

func (a *Assembler) estimateTotal(messages []models.Message) int {
	total := 0
	for _, message := range messages {
		total += a.estimator.Estimate(message.Content)
	}
	return total
}

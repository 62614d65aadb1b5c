package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/motherschat/chat-backend/internal/i18n"
	"github.com/motherschat/chat-backend/internal/middleware"
	"github.com/motherschat/chat-backend/internal/models"
	"github.com/motherschat/chat-backend/internal/services/ai"
	"github.com/motherschat/chat-backend/internal/services/auth"
	"github.com/motherschat/chat-backend/internal/services/chat"
	"github.com/motherschat/chat-backend/internal/services/quota"
	"github.com/motherschat/chat-backend/internal/services/storage"
	"github.com/sirupsen/logrus"
)

// initDataHeader carries the signed launch payload on every request.
const initDataHeader = "X-Telegram-Init-Data"

// ChatHandler exposes the message pipeline over HTTP.
type ChatHandler struct {
	service   *chat.Service
	localizer *i18n.Localizer
	metrics   *middleware.Metrics
	logger    *logrus.Logger
}

func NewChatHandler(service *chat.Service, localizer *i18n.Localizer, metrics *middleware.Metrics, logger *logrus.Logger) *ChatHandler {
	return &ChatHandler{
		service:   service,
		localizer: localizer,
		metrics:   metrics,
		logger:    logger,
	}
}

// Register mounts the API routes.
func (h *ChatHandler) Register(router *mux.Router) {
	router.HandleFunc("/api/chat/send", h.handleSend).Methods(http.MethodPost)
	router.HandleFunc("/api/chat/history", h.handleHistory).Methods(http.MethodPost)
	router.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
}

type sendRequest struct {
	Assistant string `json:"assistant"`
	Message   string `json:"message"`
}

type sendResponse struct {
	ConversationID         string               `json:"conversation_id"`
	Reply                  string               `json:"reply"`
	ReplyHTML              string               `json:"reply_html"`
	UsedModel              string               `json:"used_model"`
	UserMessageTokens      int                  `json:"user_message_tokens"`
	AssistantMessageTokens int                  `json:"assistant_message_tokens"`
	Quota                  models.QuotaSnapshot `json:"quota"`
}

type historyRequest struct {
	Assistant string `json:"assistant"`
}

type historyResponse struct {
	ConversationID string     `json:"conversation_id"`
	Turns          []turnView `json:"turns"`
}

type turnView struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Tokens    int       `json:"tokens,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (h *ChatHandler) handleSend(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	lang := requestLanguage(r)

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" || req.Assistant == "" {
		h.writeError(w, r, "send", http.StatusBadRequest, "bad_request", lang, i18n.MsgBadRequest, start)
		return
	}

	result, err := h.service.Send(r.Context(), chat.SendRequest{
		InitData:  r.Header.Get(initDataHeader),
		Assistant: req.Assistant,
		Message:   req.Message,
	})
	if err != nil {
		status, kind, msgID := h.classify(err)
		h.writeError(w, r, "send", status, kind, lang, msgID, start)
		return
	}

	h.writeJSON(w, "send", http.StatusOK, sendResponse{
		ConversationID:         result.ConversationID,
		Reply:                  result.Reply,
		ReplyHTML:              result.ReplyHTML,
		UsedModel:              result.UsedModel,
		UserMessageTokens:      result.UserMessageTokens,
		AssistantMessageTokens: result.AssistantMessageTokens,
		Quota:                  result.Quota,
	}, start)
}

func (h *ChatHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	lang := requestLanguage(r)

	var req historyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Assistant == "" {
		h.writeError(w, r, "history", http.StatusBadRequest, "bad_request", lang, i18n.MsgBadRequest, start)
		return
	}

	result, err := h.service.History(r.Context(), chat.HistoryRequest{
		InitData:  r.Header.Get(initDataHeader),
		Assistant: req.Assistant,
	})
	if err != nil {
		status, kind, msgID := h.classify(err)
		h.writeError(w, r, "history", status, kind, lang, msgID, start)
		return
	}

	turns := make([]turnView, 0, len(result.Turns))
	for _, turn := range result.Turns {
		turns = append(turns, turnView{
			Role:      turn.Role,
			Content:   turn.Content,
			Tokens:    turn.Tokens,
			CreatedAt: turn.CreatedAt,
		})
	}

	h.writeJSON(w, "history", http.StatusOK, historyResponse{
		ConversationID: result.ConversationID,
		Turns:          turns,
	}, start)
}

func (h *ChatHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// classify maps pipeline errors to an HTTP status, a stable error
// kind, and a localized message ID. This is the single place errors
// become statuses.
func (h *ChatHandler) classify(err error) (int, string, string) {
	var authErr *auth.Error
	if errors.As(err, &authErr) {
		msgID := i18n.MsgAuthFailed
		if authErr.Kind == auth.KindExpired {
			msgID = i18n.MsgAuthExpired
		}
		return http.StatusUnauthorized, authErr.Kind, msgID
	}

	var rateErr *chat.RateLimitError
	if errors.As(err, &rateErr) {
		return http.StatusTooManyRequests, "rate_limited", i18n.MsgRateLimitExceeded
	}

	var quotaErr *quota.Error
	if errors.As(err, &quotaErr) {
		msgID := i18n.MsgDailyExceeded
		if quotaErr.Kind == quota.KindMonthlyExceeded {
			msgID = i18n.MsgMonthlyExceeded
		}
		return http.StatusTooManyRequests, quotaErr.Kind, msgID
	}

	var accessErr *chat.AccessError
	if errors.As(err, &accessErr) {
		if accessErr.Kind == chat.KindAssistantNotFound {
			return http.StatusNotFound, accessErr.Kind, i18n.MsgAssistantNotFound
		}
		return http.StatusForbidden, accessErr.Kind, i18n.MsgAccessDenied
	}

	var providerErr *ai.ProviderError
	if errors.As(err, &providerErr) {
		return http.StatusBadGateway, "provider_failed", i18n.MsgProviderFailed
	}

	var storageErr *storage.Error
	if errors.As(err, &storageErr) {
		return http.StatusInternalServerError, "storage_failed", i18n.MsgStorageFailed
	}

	return http.StatusInternalServerError, "internal", i18n.MsgStorageFailed
}

func (h *ChatHandler) writeJSON(w http.ResponseWriter, route string, status int, body interface{}, start time.Time) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.WithError(err).Error("Failed to encode response")
	}
	h.metrics.RecordRequest(route, status, time.Since(start))
}

func (h *ChatHandler) writeError(w http.ResponseWriter, r *http.Request, route string, status int, kind, lang, msgID string, start time.Time) {
	if status >= http.StatusInternalServerError {
		h.logger.WithFields(logrus.Fields{
			"route":  route,
			"status": status,
			"kind":   kind,
		}).Error("Request failed")
	}

	h.writeJSON(w, route, status, errorBody{Error: errorDetail{
		Kind:    kind,
		Message: h.localizer.Get(lang, msgID, nil),
	}}, start)
}

// requestLanguage picks the primary subtag of Accept-Language.
func requestLanguage(r *http.Request) string {
	header := r.Header.Get("Accept-Language")
	if header == "" {
		return ""
	}

	primary := strings.TrimSpace(strings.SplitN(header, ",", 2)[0])
	primary = strings.SplitN(primary, ";", 2)[0]
	if idx := strings.IndexByte(primary, '-'); idx > 0 {
		primary = primary[:idx]
	}
	return strings.ToLower(primary)
}

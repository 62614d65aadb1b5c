package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/motherschat/chat-backend/internal/config"
	"github.com/motherschat/chat-backend/internal/models"
	"github.com/sirupsen/logrus"
)

// Error kinds for launch payload verification failures.
const (
	KindMissingHash     = "missing_hash"
	KindBadHash         = "bad_hash"
	KindMissingAuthDate = "missing_auth_date"
	KindInvalidAuthDate = "invalid_auth_date"
	KindExpired         = "expired"
	KindMissingUser     = "missing_user"
)

// Error is a verification failure with a machine-checkable kind.
type Error struct {
	Kind string
}

func (e *Error) Error() string {
	return "auth verification failed: " + e.Kind
}

// Verifier validates the signed launch payload the messaging platform
// attaches to every mini-app request. The payload is a URL query
// string carrying user fields, an auth_date and an HMAC-SHA256 hash
// over the sorted remaining fields, keyed with SHA256(bot token).
// The format is fixed by the platform and must be matched bit for bit.
type Verifier struct {
	secret []byte
	maxAge time.Duration
	logger *logrus.Logger
}

// NewVerifier derives the signing key from the shared bot token.
func NewVerifier(cfg *config.AuthConfig, logger *logrus.Logger) *Verifier {
	sum := sha256.Sum256([]byte(cfg.BotToken))
	return &Verifier{
		secret: sum[:],
		maxAge: cfg.MaxAge,
		logger: logger,
	}
}

// Verify checks the payload signature and freshness and returns the
// trusted identity claim. Pure over its inputs; now is injected so
// freshness checks are deterministic in tests.
func (v *Verifier) Verify(rawPayload string, now time.Time) (*models.IdentityClaim, error) {
	// An unparseable payload carries nothing verifiable, so no hash
	// was ever compared.
	values, err := url.ParseQuery(rawPayload)
	if err != nil {
		return nil, &Error{Kind: KindMissingHash}
	}

	suppliedHash := values.Get("hash")
	if suppliedHash == "" {
		return nil, &Error{Kind: KindMissingHash}
	}

	if !v.checkSignature(values, suppliedHash) {
		v.logger.WithField("payload_fields", len(values)).Warn("Launch payload signature mismatch")
		return nil, &Error{Kind: KindBadHash}
	}

	authDateRaw := values.Get("auth_date")
	if authDateRaw == "" {
		return nil, &Error{Kind: KindMissingAuthDate}
	}

	authDateUnix, err := strconv.ParseInt(authDateRaw, 10, 64)
	if err != nil {
		return nil, &Error{Kind: KindInvalidAuthDate}
	}

	issuedAt := time.Unix(authDateUnix, 0).UTC()
	if now.Sub(issuedAt) > v.maxAge {
		return nil, &Error{Kind: KindExpired}
	}

	claim, err := claimFromValues(values, issuedAt)
	if err != nil {
		return nil, err
	}

	return claim, nil
}

// checkSignature recomputes the payload HMAC over the canonical check
// string: every key except hash, sorted, joined as key=value lines.
func (v *Verifier) checkSignature(values url.Values, suppliedHash string) bool {
	keys := make([]string, 0, len(values))
	for key := range values {
		if key == "hash" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		lines = append(lines, key+"="+values.Get(key))
	}
	checkString := strings.Join(lines, "\n")

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(checkString))
	computed := mac.Sum(nil)

	supplied, err := hex.DecodeString(suppliedHash)
	if err != nil {
		return false
	}

	// hmac.Equal is constant-time; the hash must not be comparable
	// byte-by-byte with early exit.
	return hmac.Equal(computed, supplied)
}

// payloadUser is the embedded user object of a web-app style payload.
type payloadUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// claimFromValues extracts the platform user. Web-app payloads carry a
// JSON user field; login-widget payloads carry id/first_name directly.
func claimFromValues(values url.Values, issuedAt time.Time) (*models.IdentityClaim, error) {
	if rawUser := values.Get("user"); rawUser != "" {
		var user payloadUser
		if err := json.Unmarshal([]byte(rawUser), &user); err != nil || user.ID == 0 {
			return nil, &Error{Kind: KindMissingUser}
		}
		displayName := user.FirstName
		if displayName == "" {
			displayName = user.Username
		}
		return &models.IdentityClaim{
			ExternalID:  strconv.FormatInt(user.ID, 10),
			DisplayName: displayName,
			IssuedAt:    issuedAt,
		}, nil
	}

	if id := values.Get("id"); id != "" {
		return &models.IdentityClaim{
			ExternalID:  id,
			DisplayName: values.Get("first_name"),
			IssuedAt:    issuedAt,
		}, nil
	}

	return nil, &Error{Kind: KindMissingUser}
}

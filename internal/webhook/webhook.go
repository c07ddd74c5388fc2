// Package webhook receives code-host webhook deliveries and turns template
// tokens found in issue and comment text into workflow launches. Deliveries
// are authenticated with the HMAC signature scheme GitHub uses and
// deduplicated by delivery id so redelivered payloads launch once.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/randalmurphal/adw/internal/phase"
)

// DefaultDedupWindow is how long a delivery id suppresses redeliveries.
const DefaultDedupWindow = 30 * time.Second

// maxBodySize caps webhook payload reads.
const maxBodySize = 1 << 20

// tokenPattern matches workflow template tokens in free text, for example
// "adw_sdlc_iso" in an issue comment.
var tokenPattern = regexp.MustCompile(`\badw_[a-z]+(?:_[a-z]+)*_iso\b`)

// Launcher starts a workflow for an issue. Implementations decide whether
// the launch is synchronous; the handler responds as soon as Launch returns.
type Launcher interface {
	Launch(issueID, template string)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(issueID, template string)

// Launch calls f.
func (f LauncherFunc) Launch(issueID, template string) { f(issueID, template) }

// Handler is the webhook HTTP endpoint.
type Handler struct {
	secret   []byte
	launcher Launcher
	window   time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithDedupWindow overrides the delivery-id dedup window.
func WithDedupWindow(d time.Duration) Option {
	return func(h *Handler) { h.window = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// NewHandler creates a webhook handler. The secret must match the one
// configured on the code host; deliveries that fail verification are
// rejected.
func NewHandler(secret string, launcher Launcher, opts ...Option) *Handler {
	h := &Handler{
		secret:   []byte(secret),
		launcher: launcher,
		window:   DefaultDedupWindow,
		logger:   slog.Default(),
		now:      time.Now,
		seen:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body"})
		return
	}

	if !h.verify(body, r.Header.Get("X-Hub-Signature-256")) {
		h.logger.Warn("webhook signature verification failed",
			"delivery", r.Header.Get("X-GitHub-Delivery"))
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "signature mismatch"})
		return
	}

	if delivery := r.Header.Get("X-GitHub-Delivery"); delivery != "" && h.duplicate(delivery) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	issueID, token := extract(r.Header.Get("X-GitHub-Event"), body)
	if issueID == "" || token == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	template, deprecated, ok := phase.ResolveAlias(token)
	if !ok {
		h.logger.Warn("unknown template token in webhook", "token", token, "issue_id", issueID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if deprecated {
		h.logger.Warn("deprecated template token in webhook",
			"token", token, "target", template, "issue_id", issueID)
	}

	h.logger.Info("webhook launch", "issue_id", issueID, "template", template)
	h.launcher.Launch(issueID, template)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "accepted",
		"issue_id": issueID,
		"template": template,
	})
}

// verify checks the sha256= HMAC signature over the raw body.
func (h *Handler) verify(body []byte, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	got, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// duplicate records the delivery id and reports whether it was already seen
// within the window. Expired entries are pruned on the way through.
func (h *Handler) duplicate(delivery string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	for id, at := range h.seen {
		if now.Sub(at) > h.window {
			delete(h.seen, id)
		}
	}

	if _, ok := h.seen[delivery]; ok {
		return true
	}
	h.seen[delivery] = now
	return false
}

// extract pulls the issue number and the first template token out of the
// payload. Issue-opened events carry the token in the issue body; comment
// events carry it in the comment body.
func extract(event string, body []byte) (issueID, token string) {
	payload := gjson.ParseBytes(body)

	number := payload.Get("issue.number")
	if !number.Exists() {
		return "", ""
	}
	issueID = strconv.FormatInt(number.Int(), 10)

	var text string
	switch event {
	case "issues":
		action := payload.Get("action").String()
		if action != "opened" && action != "labeled" {
			return "", ""
		}
		text = payload.Get("issue.body").String()
	case "issue_comment":
		if payload.Get("action").String() != "created" {
			return "", ""
		}
		text = payload.Get("comment.body").String()
	default:
		return "", ""
	}

	return issueID, tokenPattern.FindString(text)
}

func writeJSON(w http.ResponseWriter, status int, payload map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

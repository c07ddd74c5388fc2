package cli

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	adwerrors "github.com/randalmurphal/adw/internal/errors"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, 1, exitCode(errors.New("plain")))
	assert.Equal(t, 2, exitCode(adwerrors.ErrSafetyBlocked("Bash", "rm -rf /")))
	assert.Equal(t, 1, exitCode(adwerrors.ErrToolFailure("adw-tool-build", 1)))
}

func TestUserMessage(t *testing.T) {
	err := adwerrors.ErrQuotaExhausted("anthropic", 0, 100)
	msg := userMessage(err)
	assert.Contains(t, msg, "anthropic")

	assert.Equal(t, "plain", userMessage(errors.New("plain")))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "long-bran…", truncate("long-branch-name", 10))
}

func TestAge(t *testing.T) {
	now := time.Now()
	assert.Equal(t, "30s", age(now.Add(-30*time.Second)))
	assert.Equal(t, "5m", age(now.Add(-5*time.Minute)))
	assert.Equal(t, "3h", age(now.Add(-3*time.Hour)))
	assert.Equal(t, "2d", age(now.Add(-48*time.Hour)))
}

package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestADWError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ADWError
		want string
	}{
		{
			name: "what only",
			err:  &ADWError{What: "port pool exhausted"},
			want: "port pool exhausted",
		},
		{
			name: "what and why",
			err:  &ADWError{What: "phase build timed out", Why: "no completion after 10m"},
			want: "phase build timed out: no completion after 10m",
		},
		{
			name: "with cause",
			err:  &ADWError{What: "state load failed", Cause: fmt.Errorf("disk error")},
			want: "state load failed: disk error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestADWError_Is(t *testing.T) {
	err := ErrTimeout("build", "10m")

	if !stderrors.Is(err, &ADWError{Code: CodeTimeout}) {
		t.Error("expected errors.Is to match on code")
	}
	if stderrors.Is(err, &ADWError{Code: CodeToolFailure}) {
		t.Error("expected errors.Is to reject different code")
	}
}

func TestADWError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("underlying")
	err := ErrStateCorruption("wf1", cause)

	if !stderrors.Is(err, cause) {
		t.Error("expected unwrap chain to reach cause")
	}
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		err  *ADWError
		want int
	}{
		{ErrSafetyBlocked("Bash", "recursive remove of home"), 2},
		{ErrTimeout("test", "10m"), 1},
		{ErrQuotaExhausted("github", 10, 100), 1},
		{ErrPortPoolExhausted(100), 1},
	}

	for _, tt := range tests {
		if got := tt.err.ExitCode(); got != tt.want {
			t.Errorf("%s: ExitCode() = %d, want %d", tt.err.Code, got, tt.want)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  *ADWError
		want int
	}{
		{ErrWorkflowNotFound("deadbeef"), 404},
		{ErrInvalidTransition("completed", "running"), 400},
		{ErrSafetyBlocked("Bash", "rm -rf /"), 403},
		{ErrTimeout("build", "10m"), 504},
		{ErrQuotaExhausted("anthropic", 0, 5), 503},
	}

	for _, tt := range tests {
		if got := tt.err.HTTPStatus(); got != tt.want {
			t.Errorf("%s: HTTPStatus() = %d, want %d", tt.err.Code, got, tt.want)
		}
	}
}

func TestAsADWError(t *testing.T) {
	inner := ErrToolFailure("tsc", 2)
	wrapped := fmt.Errorf("build phase: %w", inner)

	got := AsADWError(wrapped)
	if got == nil {
		t.Fatal("expected ADWError through wrap chain")
	}
	if got.Code != CodeToolFailure {
		t.Errorf("Code = %s, want %s", got.Code, CodeToolFailure)
	}

	if AsADWError(fmt.Errorf("plain")) != nil {
		t.Error("expected nil for non-ADW error")
	}
}

func TestWrap(t *testing.T) {
	err := Wrap(fmt.Errorf("boom"), "saving state")
	if err.Code != CodeUnknown {
		t.Errorf("Code = %s, want %s", err.Code, CodeUnknown)
	}
	if err.Error() != "saving state: boom" {
		t.Errorf("Error() = %q", err.Error())
	}
}

package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestUnwrapChaining(t *testing.T) {
	cause := errors.New("connection reset")
	wrapped := &TransportError{Op: "recv", Err: cause}

	if !errors.Is(wrapped, cause) {
		t.Fatalf("errors.Is did not find the wrapped cause")
	}

	var target *TransportError
	if !errors.As(wrapped, &target) {
		t.Fatalf("errors.As did not match *TransportError")
	}
	if target.Op != "recv" {
		t.Fatalf("Op = %q, want %q", target.Op, "recv")
	}
}

func TestErrorMessages(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&TimeoutError{Op: "recvuntil"}, "timeout: recvuntil"},
		{&BusyError{Op: "popen"}, "busy: popen"},
		{&NotFoundError{Kind: "binary", Name: "socat"}, `not found: binary "socat"`},
		{&PermissionError{Op: "open"}, "permission: open"},
		{&ArgumentError{Name: "target_user", Reason: "required argument not given"}, `argument "target_user": required argument not given`},
	}
	for _, c := range cases {
		if got := c.err.Error(); got != c.want {
			t.Errorf("Error() = %q, want %q", got, c.want)
		}
	}
}

func TestEscalationFailedAggregatesAttempts(t *testing.T) {
	base := errors.New("last candidate rejected")
	e := &EscalationFailedError{
		Attempted:      []string{"sudo -n -l", "(root) NOPASSWD: ALL"},
		ReachableUsers: []string{"root"},
		LastErr:        base,
	}
	if !errors.Is(e, base) {
		t.Fatalf("EscalationFailedError should unwrap to LastErr")
	}
	msg := e.Error()
	want := fmt.Sprintf("escalation failed: tried %d method(s), reached %d user(s): %v", 2, 1, base)
	if msg != want {
		t.Errorf("Error() = %q, want %q", msg, want)
	}
}

func TestPermissionErrorWithoutCause(t *testing.T) {
	e := &PermissionError{Op: "write"}
	if got, want := e.Error(), "permission: write"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if e.Unwrap() != nil {
		t.Errorf("Unwrap() should be nil when Err is unset")
	}
}

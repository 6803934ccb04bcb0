// Package termio controls the local terminal: raw-mode pass-through and
// window-size sync for whichever Session the Manager has made current
// (spec.md §4.5 "Terminal multiplexer").
//
// Grounded on the teacher's (greenlight-cli) relay.go/pty_linux.go: the
// same raw/cooked toggle and SIGWINCH-driven winsize sync, but
// rewritten on golang.org/x/term (the library doryashar-jmux reaches
// for in the example pack) instead of hand-rolled TCGETS/TCSETS ioctls,
// since nothing here needs the teacher's PTY-creation half — that half
// lives on the *remote* side now (internal/platform/linux/pty.go).
package termio

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"
)

// TransitionKey and PrefixKey default to the Unix EOT (Ctrl-D) and
// Ctrl-] respectively, matching spec.md §4.5: the transition key exits
// RAW back to COMMAND mode; the prefix key quotes the following
// keystroke through verbatim, so a remote session can still receive a
// literal Ctrl-D.
const (
	DefaultTransitionKey byte = 0x04 // Ctrl-D / EOT
	DefaultPrefixKey     byte = 0x1d // Ctrl-]
)

// Controller owns the local terminal's raw/cooked state. Exactly one
// Controller should exist per process; the Manager creates it once and
// reuses it across every Session that becomes "current".
type Controller struct {
	mu           sync.Mutex
	state        *term.State
	raw          bool
	TransitionKey byte
	PrefixKey     byte
}

// New returns a Controller, defaulting Transition/Prefix keys per
// spec.md §4.5. IsInteractive reports false (and RAW mode should never
// be entered) when stdin isn't a real TTY.
func New() *Controller {
	return &Controller{
		TransitionKey: DefaultTransitionKey,
		PrefixKey:     DefaultPrefixKey,
	}
}

// IsInteractive reports whether stdin is a TTY — RAW mode requires one
// (scripted/piped invocations stay in COMMAND mode only).
func IsInteractive() bool {
	return isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
}

// EnterRaw puts the local terminal into raw mode, returning an error if
// it already is one or stdin isn't a TTY.
func (c *Controller) EnterRaw() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.raw {
		return fmt.Errorf("termio: already in raw mode")
	}
	if !IsInteractive() {
		return fmt.Errorf("termio: stdin is not a terminal")
	}
	st, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("termio: enter raw mode: %w", err)
	}
	c.state = st
	c.raw = true
	return nil
}

// ExitRaw restores the terminal to its state before EnterRaw. Safe to
// call when not in raw mode (no-op).
func (c *Controller) ExitRaw() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.raw {
		return nil
	}
	err := term.Restore(int(os.Stdin.Fd()), c.state)
	c.raw = false
	c.state = nil
	return err
}

// Size returns the local terminal's current rows/cols.
func Size() (rows, cols int, err error) {
	cols, rows, err = term.GetSize(int(os.Stdout.Fd()))
	return rows, cols, err
}

// WatchResize invokes onResize(rows, cols) once immediately and again on
// every SIGWINCH, until stop is called — the termio analog of relay.go's
// syncWinsize-on-SIGWINCH goroutine, except the resize target here is a
// remote `stty rows R cols C` (linux.Driver.SyncWinsize) rather than a
// local PTY ioctl.
func WatchResize(onResize func(rows, cols int)) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)
	done := make(chan struct{})

	go func() {
		if rows, cols, err := Size(); err == nil {
			onResize(rows, cols)
		}
		for {
			select {
			case <-ch:
				if rows, cols, err := Size(); err == nil {
					onResize(rows, cols)
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}

// SplitOnTransition scans buf for the Controller's prefix/transition
// keys, exactly as RAW mode must: a prefix byte causes the following
// byte to be forwarded literally (even if it is the transition key);
// an unescaped transition byte ends RAW mode. It returns the bytes to
// forward to the remote channel before the transition (if any) and
// whether a transition was seen; escaped/quoted bytes are included in
// the forwarded output with the prefix byte itself removed.
func (c *Controller) SplitOnTransition(buf []byte) (forward []byte, transitioned bool) {
	var out bytes.Buffer
	escaped := false
	for i := 0; i < len(buf); i++ {
		b := buf[i]
		if escaped {
			out.WriteByte(b)
			escaped = false
			continue
		}
		if b == c.PrefixKey {
			escaped = true
			continue
		}
		if b == c.TransitionKey {
			return out.Bytes(), true
		}
		out.WriteByte(b)
	}
	return out.Bytes(), false
}

// CopyUntilTransition copies from src to dst, splitting every chunk
// through SplitOnTransition, until the transition key is seen or src
// returns an error (typically io.EOF on remote close). It returns nil on
// a deliberate transition and the underlying error otherwise.
func (c *Controller) CopyUntilTransition(dst io.Writer, src io.Reader) error {
	buf := make([]byte, 4096)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			forward, transitioned := c.SplitOnTransition(buf[:n])
			if len(forward) > 0 {
				if _, werr := dst.Write(forward); werr != nil {
					return werr
				}
			}
			if transitioned {
				return nil
			}
		}
		if err != nil {
			return err
		}
	}
}

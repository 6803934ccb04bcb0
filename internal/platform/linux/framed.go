package linux

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"pwncat/internal/errs"
	"pwncat/internal/platform"
)

// newMarker returns a fresh 32-byte (64 hex char) start/end pair, never
// reused across commands so overlapping output from a slow-exiting
// previous command can never be mistaken for the current one
// (spec.md §8 "Framing isolation").
func newMarker() (start, end []byte, err error) {
	raw := make([]byte, 64)
	if _, err := rand.Read(raw); err != nil {
		return nil, nil, fmt.Errorf("generate marker: %w", err)
	}
	start = []byte(hex.EncodeToString(raw[:32]))
	end = []byte(hex.EncodeToString(raw[32:]))
	return start, end, nil
}

// wrap builds the "echo <S>; <cmd>; echo <E> $?" framing of spec.md §4.3,
// quoting argv with shellquote (the same join/quote idiom
// spudlyo-metassh and purpleidea-mgmt use when shelling out to remote
// commands) and prefixing an "env -i" so the command only sees the env
// map the caller supplied, never the interactive shell's own exports.
func wrap(argv []string, env map[string]string, start, end []byte) string {
	var b strings.Builder
	fmt.Fprintf(&b, "echo %s; env -i", string(start))
	for k, v := range env {
		b.WriteByte(' ')
		b.WriteString(shellquote.Join(k + "=" + v))
	}
	b.WriteByte(' ')
	b.WriteString(shellquote.Join(argv...))
	fmt.Fprintf(&b, "; echo %s $?\n", string(end))
	return b.String()
}

// Run implements platform.Platform.Run: wrap argv in fresh markers,
// send it, and scan the channel for the end marker followed by the
// shell's $? (spec.md §4.3 "Framed execution").
//
// The entire Send→RecvUntil round trip runs under execMu so that
// concurrent Run calls on the same Driver queue one after another
// instead of interleaving their wrapped commands and reads on the
// shared Channel (spec.md §5, §8 "Framing isolation", §8 literal
// scenario 5: ten concurrent run() calls must each see their own
// output). enterFramed/exitFramed only track the RAW/Popen exclusion;
// they do not themselves serialize concurrent Run calls against each
// other, which is why execMu exists as a separate lock held across the
// I/O itself.
func (d *Driver) Run(argv []string, env map[string]string, timeout time.Duration) ([]byte, int, error) {
	if err := d.enterFramed(); err != nil {
		return nil, 0, err
	}
	defer d.exitFramed()

	d.execMu.Lock()
	defer d.execMu.Unlock()

	start, end, err := newMarker()
	if err != nil {
		return nil, 0, err
	}

	if _, err := d.ch.Send([]byte(wrap(argv, env, start, end))); err != nil {
		return nil, 0, &errs.TransportError{Op: "run", Err: err}
	}

	raw, err := d.ch.RecvUntil(end, timeout)
	if err != nil {
		return nil, 0, err
	}
	// The status follows the end marker on the same line.
	tail, err := d.ch.RecvUntil([]byte("\n"), timeout)
	if err != nil {
		return nil, 0, err
	}
	raw = append(raw, tail...)

	out, status, err := parseFramed(raw, start, end)
	if err != nil {
		return nil, 0, err
	}
	if d.NormalizeStatus {
		if status != 0 {
			status = 1
		}
	}
	return out, status, nil
}

// parseFramed extracts the bytes between start and the literal text
// "<end> <status>\n" emitted by wrap's trailing echo, tolerating a
// leading echo of the command itself (local echo is a shell/PTY
// property, not something this driver controls).
func parseFramed(raw, start, end []byte) ([]byte, int, error) {
	s := string(raw)
	startIdx := strings.Index(s, string(start))
	if startIdx < 0 {
		return nil, 0, &errs.ProtocolError{Op: "run", Err: fmt.Errorf("start marker not found")}
	}
	body := s[startIdx+len(start):]
	// Skip the newline that follows the echoed start marker.
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	}

	endIdx := strings.LastIndex(body, string(end))
	if endIdx < 0 {
		return nil, 0, &errs.ProtocolError{Op: "run", Err: fmt.Errorf("end marker not found")}
	}
	output := body[:endIdx]
	tail := strings.TrimSpace(body[endIdx+len(end):])
	tail = strings.TrimSuffix(tail, "\n")
	status, err := strconv.Atoi(strings.TrimSpace(tail))
	if err != nil {
		return nil, 0, &errs.ProtocolError{Op: "run", Err: fmt.Errorf("parse exit status %q: %w", tail, err)}
	}
	return []byte(output), status, nil
}

// enterFramed/exitFramed enforce the RAW/Popen half of spec.md §5's
// mutual exclusion (only one of {RAW, any number of serialized framed
// commands, a bound Popen} may use the Channel at a time); the
// serialization of concurrent framed commands against each other is
// execMu's job, held separately by the caller across the actual I/O
// (see Run, above). framedCount is a count, not a bool, so that N
// concurrently queued Run calls each increment/decrement it without
// one call's early exit falsely reporting "no framed command in
// flight" while siblings are still queued on execMu.
func (d *Driver) enterFramed() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rawMode {
		return &errs.BusyError{Op: "run"}
	}
	if d.boundProcess {
		return &errs.BusyError{Op: "run"}
	}
	d.framedCount++
	return nil
}

func (d *Driver) exitFramed() {
	d.mu.Lock()
	d.framedCount--
	d.mu.Unlock()
}

// Popen starts argv as a long-running process whose stdout is streamed
// back over the Channel as it runs, framed by the same start/end marker
// convention as Run. Only one ProcessHandle may be bound at a time;
// Popen returns BusyError otherwise (spec.md §3 "Process" invariant).
func (d *Driver) Popen(argv []string, env map[string]string) (*platform.ProcessHandle, error) {
	d.mu.Lock()
	if d.rawMode || d.framedCount > 0 || d.boundProcess {
		d.mu.Unlock()
		return nil, &errs.BusyError{Op: "popen"}
	}
	d.boundProcess = true
	d.mu.Unlock()

	start, end, err := newMarker()
	if err != nil {
		d.mu.Lock()
		d.boundProcess = false
		d.mu.Unlock()
		return nil, err
	}

	if _, err := d.ch.Send([]byte(wrap(argv, env, start, end))); err != nil {
		d.mu.Lock()
		d.boundProcess = false
		d.mu.Unlock()
		return nil, &errs.TransportError{Op: "popen", Err: err}
	}

	reader := &framedReader{ch: d.ch, end: end}
	closer := func() error {
		// Drain until the end marker so the shared Channel is left
		// clean for the next framed operation, per spec.md §3. If the
		// reader has already consumed the marker, there is nothing to
		// drain.
		if !reader.done {
			_, _ = d.ch.RecvUntil(end, 0)
		}
		d.mu.Lock()
		d.boundProcess = false
		d.mu.Unlock()
		return nil
	}

	return platform.NewProcessHandle(0, stdinWriter{ch: d.ch}, reader, nil, start, end, closer), nil
}

type stdinWriter struct{ ch interface{ Send([]byte) (int, error) } }

func (w stdinWriter) Write(p []byte) (int, error) { return w.ch.Send(p) }

// framedReader exposes Recv as an io.Reader, stopping (io.EOF) once the
// end marker has been seen so callers reading Popen's Stdout never spill
// into the next command's framing.
type framedReader struct {
	ch     interface {
		Recv(int) ([]byte, error)
	}
	end  []byte
	done bool
	buf  []byte
}

func (r *framedReader) Read(p []byte) (int, error) {
	if r.done && len(r.buf) == 0 {
		return 0, io.EOF
	}
	if len(r.buf) == 0 {
		b, err := r.ch.Recv(4096)
		if err != nil {
			return 0, err
		}
		r.buf = b
	}
	if idx := indexOfBytes(r.buf, r.end); idx >= 0 {
		r.done = true
		r.buf = r.buf[:idx]
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func indexOfBytes(haystack, needle []byte) int {
	if len(needle) == 0 || len(haystack) < len(needle) {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if string(haystack[i:i+len(needle)]) == string(needle) {
			return i
		}
	}
	return -1
}

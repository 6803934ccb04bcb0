// Package channel implements the byte-level transport layer: a uniform
// bidirectional Channel with peek/recv/send/drain semantics over raw
// TCP, TLS-wrapped TCP and SSH exec/shell streams, plus a background
// Listener that accepts channels into a queue.
//
// The peek buffer is grounded on the teacher's (greenlight-cli)
// bufio.Reader partial-line buffering in bridge.go/stream.go: there it
// holds an incomplete JSONL line across reads so the next read can
// complete it; here it holds bytes a caller Peek'd but hasn't yet
// consumed via Recv, so the next Recv returns them first.
package channel

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"pwncat/internal/errs"
)

// Protocol identifies how a Channel was established.
type Protocol string

const (
	ProtoConnect    Protocol = "connect"
	ProtoBind       Protocol = "bind"
	ProtoSSLConnect Protocol = "ssl-connect"
	ProtoSSLBind    Protocol = "ssl-bind"
	ProtoSSH        Protocol = "ssh"
)

// Sentinel errors distinguished from errs.TransportError: Blocked and
// Eof are not failures, they are control-flow signals recv() callers
// are expected to check for explicitly (spec.md §4.1).
var (
	// ErrBlocked is returned by Recv when non-blocking mode is set and
	// no data is currently buffered.
	ErrBlocked = errors.New("channel: would block")
	// ErrEOF is returned on an orderly remote close.
	ErrEOF = io.EOF
)

// Channel is a live byte-oriented connection to a single target.
// Implementations must satisfy the peek/recv prefix invariant: bytes
// returned by Peek(n) on call k are a prefix of bytes returned by
// Recv(m>=n) on call k+1 — peeking never consumes.
type Channel interface {
	// Send writes b and returns the number of bytes actually sent.
	Send(b []byte) (int, error)
	// Recv returns up to max bytes. It is a short read: any available
	// data is returned immediately. In non-blocking mode it returns
	// ErrBlocked instead of waiting when nothing is buffered.
	Recv(max int) ([]byte, error)
	// Peek returns up to max bytes without consuming them.
	Peek(max int) ([]byte, error)
	// RecvUntil reads until delim has been seen (inclusive) or the
	// deadline expires.
	RecvUntil(delim []byte, timeout time.Duration) ([]byte, error)
	// Drain discards any buffered-but-unread bytes (peek buffer and
	// anything immediately available on the wire).
	Drain() error
	// SetNonBlocking toggles the short-read-or-ErrBlocked behavior.
	SetNonBlocking(nonBlocking bool)
	// SetDeadline sets an absolute point after which Recv fails with a
	// TimeoutError and Send with a TransportError wrapping the timeout.
	// Zero value clears it. The SSH channel ignores it.
	SetDeadline(t time.Time) error
	// Close closes the channel. Safe to call more than once.
	Close() error
	// Host and Port identify the remote endpoint.
	Host() string
	Port() int
	// Connected reports whether the channel believes it is still open.
	Connected() bool
	// Protocol reports which constructor created this channel.
	Protocol() Protocol
}

// peekBuf is embedded by every Channel implementation to provide the
// shared peek/recv bookkeeping so individual transports only need to
// implement rawRead/rawWrite.
type peekBuf struct {
	mu          sync.Mutex
	buf         []byte
	nonBlocking bool
}

// consume returns up to max bytes from the peek buffer, removing them.
func (p *peekBuf) consume(max int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) == 0 {
		return nil
	}
	n := max
	if n > len(p.buf) {
		n = len(p.buf)
	}
	out := make([]byte, n)
	copy(out, p.buf[:n])
	p.buf = p.buf[n:]
	return out
}

// fill appends freshly read bytes to the peek buffer (used by Peek to
// remember what it returned without consuming it).
func (p *peekBuf) fill(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = append(p.buf, b...)
}

func (p *peekBuf) peeked() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, len(p.buf))
	copy(out, p.buf)
	return out
}

func (p *peekBuf) drop() {
	p.mu.Lock()
	p.buf = nil
	p.mu.Unlock()
}

// unread prepends b so the next consume() returns it before anything
// already buffered — used to push back bytes read past a delimiter.
func (p *peekBuf) unread(b []byte) {
	if len(b) == 0 {
		return
	}
	p.mu.Lock()
	p.buf = append(append([]byte{}, b...), p.buf...)
	p.mu.Unlock()
}

// rawConn is the minimal surface a transport must provide; recvCommon
// and peekCommon are implemented once against it.
type rawConn interface {
	io.Reader
	io.Writer
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// recvCommon implements Channel.Recv in terms of a peekBuf and a
// rawConn, shared by every transport so the short-read / Blocked /
// Eof / Timeout / Transport semantics are defined in exactly one place.
func recvCommon(p *peekBuf, conn rawConn, max int) ([]byte, error) {
	if buffered := p.consume(max); len(buffered) > 0 {
		return buffered, nil
	}

	p.mu.Lock()
	nonBlocking := p.nonBlocking
	p.mu.Unlock()

	if nonBlocking {
		conn.SetReadDeadline(time.Now())
		// The deadline above is a one-shot probe, not a persistent
		// setting: clear it again once this Read returns so a later
		// blocking Recv (nonBlocking=false, no deadline of its own)
		// doesn't inherit a deadline that already elapsed and fail with
		// a spurious TimeoutError. RecvUntil manages its own deadline
		// independently and always restores it to zero itself, so
		// clearing unconditionally here never clobbers a caller's
		// in-flight timeout.
		defer conn.SetReadDeadline(time.Time{})
	}

	buf := make([]byte, max)
	n, err := conn.Read(buf)
	if err != nil {
		if nonBlocking {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, ErrBlocked
			}
		}
		if errors.Is(err, io.EOF) {
			return nil, ErrEOF
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &errs.TimeoutError{Op: "recv"}
		}
		return nil, &errs.TransportError{Op: "recv", Err: err}
	}
	return buf[:n], nil
}

func peekCommon(p *peekBuf, conn rawConn, max int) ([]byte, error) {
	already := p.peeked()
	if len(already) >= max {
		return already[:max], nil
	}

	need := max - len(already)
	buf := make([]byte, need)
	n, err := conn.Read(buf)
	if n > 0 {
		p.fill(buf[:n])
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			if len(already)+n > 0 {
				return append(already, buf[:n]...), nil
			}
			return nil, ErrEOF
		}
		return nil, &errs.TransportError{Op: "peek", Err: err}
	}
	return append(already, buf[:n]...), nil
}

// recvUntilCommon repeatedly calls recv(chunk) and scans for delim,
// returning everything up to and including delim. Anything read past
// delim is pushed back into the peek buffer so it isn't lost — this is
// what makes framing isolation (spec.md §8) hold even though the
// underlying transport has no notion of message boundaries.
func recvUntilCommon(ctx context.Context, recv func(int) ([]byte, error), push func([]byte), delim []byte) ([]byte, error) {
	var acc []byte
	const chunk = 4096
	for {
		select {
		case <-ctx.Done():
			return nil, &errs.TimeoutError{Op: "recvuntil"}
		default:
		}
		b, err := recv(chunk)
		if err != nil {
			return nil, err
		}
		acc = append(acc, b...)
		if idx := indexOf(acc, delim); idx >= 0 {
			end := idx + len(delim)
			if end < len(acc) {
				push(acc[end:])
			}
			return acc[:end], nil
		}
	}
}

func indexOf(haystack, needle []byte) int {
	if len(needle) == 0 || len(haystack) < len(needle) {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

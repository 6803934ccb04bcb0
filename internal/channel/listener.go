package channel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"pwncat/internal/errs"
)

// State is a Listener's lifecycle state (spec.md §3).
type State string

const (
	StateRunning State = "RUNNING"
	StateStopped State = "STOPPED"
	StateFailed  State = "FAILED"
)

// Spec describes how to start a Listener.
type Spec struct {
	Protocol      Protocol
	BindHost      string
	BindPort      int
	PlatformHint  string // "" means channels queue until Init is called
	TLSConfig     *tls.Config
	CountLimit    int // 0 means unlimited
	DropDuplicate bool
}

// Listener is a background acceptor. Its accept loop and shutdown
// sequence are grounded on magisterquis-curlrevshell's
// internal/iobroker.Broker.Do: one errgroup goroutine does the work,
// a second waits for context cancellation, flips a "stop accepting"
// flag, and waits for in-flight work (there: the wg.Wait() on active
// proxy goroutines; here: the accept loop itself) before returning.
type Listener struct {
	ID   string
	spec Spec

	mu           sync.Mutex
	state        State
	errorMessage string
	pending      []Channel
	established  int // count of promoted/Init'd sessions, for CountLimit

	ln net.Listener

	eg     *errgroup.Group
	cancel context.CancelFunc
	notify chan struct{} // signalled on every accept, for tests/poll
}

// Start begins listening in the background and returns immediately.
// Per spec.md §4.2 ("start(spec) → id"), the Listener's id is generated
// here, not supplied by the caller; the corpus's idiom for this
// (replacing the teacher's hand-rolled generateUUID) is
// github.com/google/uuid. The returned Listener's State transitions to
// RUNNING, then to STOPPED (count_limit reached or explicit Stop) or
// FAILED (accept error).
func Start(spec Spec) (*Listener, error) {
	var ln net.Listener
	var err error
	addr := fmt.Sprintf("%s:%d", spec.BindHost, spec.BindPort)
	switch spec.Protocol {
	case ProtoBind:
		ln, err = net.Listen("tcp", addr)
	case ProtoSSLBind:
		if spec.TLSConfig == nil {
			return nil, fmt.Errorf("ssl-bind requires a TLS config (cert+key)")
		}
		ln, err = tlsListen(spec.BindHost, spec.BindPort, spec.TLSConfig)
	default:
		return nil, fmt.Errorf("listener: unsupported protocol %q", spec.Protocol)
	}
	if err != nil {
		return nil, &errs.TransportError{Op: "listen", Err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	eg, egctx := errgroup.WithContext(ctx)
	l := &Listener{
		ID:     uuid.NewString(),
		spec:   spec,
		state:  StateRunning,
		ln:     ln,
		eg:     eg,
		cancel: cancel,
		notify: make(chan struct{}, 1),
	}

	eg.Go(func() error { return l.acceptLoop(egctx) })
	eg.Go(func() error {
		<-egctx.Done()
		ln.Close()
		return nil
	})

	return l, nil
}

func (l *Listener) acceptLoop(ctx context.Context) error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil // deliberate Stop, not a failure
			default:
			}
			l.mu.Lock()
			l.state = StateFailed
			l.errorMessage = err.Error()
			for _, c := range l.pending {
				c.Close()
			}
			l.pending = nil
			l.mu.Unlock()
			return err
		}

		ch := fromAccepted(conn, l.spec.Protocol)

		l.mu.Lock()
		if l.state != StateRunning {
			l.mu.Unlock()
			ch.Close()
			continue
		}
		l.pending = append(l.pending, ch)
		l.mu.Unlock()

		select {
		case l.notify <- struct{}{}:
		default:
		}
	}
}

// Stop transitions the Listener to STOPPED, closing the underlying
// socket and any still-pending (unpromoted) channels.
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.state != StateRunning {
		l.mu.Unlock()
		return
	}
	l.state = StateStopped
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	l.cancel()
	for _, c := range pending {
		c.Close()
	}
	l.eg.Wait()
}

// State returns the Listener's current lifecycle state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// ErrorMessage returns the failure reason when State is FAILED.
func (l *Listener) ErrorMessage() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.errorMessage
}

// Pending returns a snapshot of channels waiting for Init.
func (l *Listener) Pending() []Channel {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Channel, len(l.pending))
	copy(out, l.pending)
	return out
}

// TakePending removes and returns the pending channel at ix, for Init.
func (l *Listener) TakePending(ix int) (Channel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ix < 0 || ix >= len(l.pending) {
		return nil, fmt.Errorf("listener: pending index %d out of range", ix)
	}
	ch := l.pending[ix]
	l.pending = append(l.pending[:ix], l.pending[ix+1:]...)
	return ch, nil
}

// MarkEstablished records that a pending channel was successfully
// promoted into a Session, counting it against CountLimit and
// transitioning to STOPPED if the limit is now reached (spec.md §8
// "Listener count" invariant).
func (l *Listener) MarkEstablished() {
	l.mu.Lock()
	l.established++
	reached := l.spec.CountLimit > 0 && l.established >= l.spec.CountLimit
	l.mu.Unlock()
	if reached {
		l.Stop()
	}
}

// EstablishedCount returns the number of sessions promoted from this
// listener so far.
func (l *Listener) EstablishedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.established
}

// PlatformHint returns the configured auto-promote platform, or "" if
// channels must be promoted explicitly via Init.
func (l *Listener) PlatformHint() string { return l.spec.PlatformHint }

// DropDuplicate reports whether this listener should silently close a
// second channel from a target that already has an established session
// (spec.md §9 open question). The Manager's promotion loop decides
// "same target" by the channel's remote host address, because host_id
// is only known after a probe (see DESIGN.md, Open Question decisions).
func (l *Listener) DropDuplicate() bool { return l.spec.DropDuplicate }

// NotifyCh exposes the accept-notification channel for tests that want
// to wait for the next Accept without polling Pending in a loop.
func (l *Listener) NotifyCh() <-chan struct{} { return l.notify }

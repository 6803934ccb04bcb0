package session

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pwncat/internal/channel"
	"pwncat/internal/errs"
	"pwncat/internal/platform"
	"pwncat/internal/platform/linux"
	"pwncat/internal/platform/windows"
	"pwncat/internal/store"
	"pwncat/internal/termio"
)

// WindowsBootstrap carries the stage-one/stage-two payload bytes a
// windows.Bootstrap call needs. The binaries themselves are out of
// scope (spec.md §1); the CLI layer reads them from disk (or an
// operator-supplied plugin path) and hands the bytes to the Manager.
type WindowsBootstrap struct {
	StageOnePath string // remote path stage one is written to, e.g. an AppLocker-bypass dir
	StageOne     []byte
	StageTwo     []byte
}

// Manager owns the session table, the single "current" session pointer,
// and the RAW/COMMAND interactive loop that multiplexes the local
// terminal between them (spec.md §4.4, §4.5).
//
// IDs are monotonically assigned and never reused even after a Session
// is closed and removed from the table (spec.md §8 "Session identity"),
// generalizing the teacher's (greenlight-cli) sessions.go single-map
// idiom to a table with an explicit nextID counter instead of relying
// on the caller-supplied conversation_id as the key.
type Manager struct {
	mu       sync.Mutex
	nextID   int64
	sessions map[int64]*Session
	current  int64 // 0 means no current session

	log   *logrus.Logger
	store *store.Store
	term  *termio.Controller

	// winBootstrap supplies stage-one/stage-two bytes for windows
	// Init calls; nil until SetWindowsBootstrap is called by the CLI.
	winBootstrap *WindowsBootstrap

	// listeners tracks background Listeners so auto-promotion can watch
	// their NotifyCh without the channel package knowing about Session
	// or Platform — the layering decision recorded in DESIGN.md.
	listeners map[string]*channel.Listener
}

// NewManager constructs a Manager. log is the base logger every Session
// derives a per-session Entry from (internal/logging.ForSession); st
// may be nil to disable persistence (useful in tests).
func NewManager(log *logrus.Logger, st *store.Store) *Manager {
	return &Manager{
		sessions:  make(map[int64]*Session),
		log:       log,
		store:     st,
		term:      termio.New(),
		listeners: make(map[string]*channel.Listener),
	}
}

// SetWindowsBootstrap configures the stage-one/stage-two payload bytes
// used by subsequent Init(ch, "windows") calls. Must be called before
// the first windows session is initialized.
func (m *Manager) SetWindowsBootstrap(b *WindowsBootstrap) {
	m.mu.Lock()
	m.winBootstrap = b
	m.mu.Unlock()
}

// Init probes ch for platformHint ("linux" or "windows") and promotes it
// into a new Session in the table, becoming current if it is the first
// session. This is the explicit form of promotion; AttachListener calls
// it automatically per spec.md §4.2's platform_hint behavior.
func (m *Manager) Init(ch channel.Channel, platformHint string) (*Session, error) {
	var plat platform.Platform
	var err error

	entry := logrus.NewEntry(m.log)
	switch platformHint {
	case "linux", "":
		plat, err = linux.Probe(ch, entry)
	case "windows":
		m.mu.Lock()
		boot := m.winBootstrap
		m.mu.Unlock()
		if boot == nil {
			return nil, fmt.Errorf("manager: windows platform requires SetWindowsBootstrap (stage-one/stage-two payloads)")
		}
		plat, err = windows.Bootstrap(ch, entry, boot.StageOnePath,
			bytes.NewReader(boot.StageOne), bytes.NewReader(boot.StageTwo))
	default:
		return nil, fmt.Errorf("manager: unknown platform hint %q", platformHint)
	}
	if err != nil {
		ch.Close()
		return nil, err
	}

	hostID, err := plat.HostID()
	if err != nil {
		hostID = fmt.Sprintf("unknown-%s:%d", ch.Host(), ch.Port())
	}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	sessLog := m.sessionLog(id, hostID, string(plat.Kind()))
	sess := newSession(id, ch, plat, hostID, sessLog)

	m.mu.Lock()
	m.sessions[id] = sess
	if m.current == 0 {
		m.current = id
	}
	m.mu.Unlock()

	if m.store != nil {
		m.store.Put(store.Target{
			HostID:      hostID,
			Platform:    string(plat.Kind()),
			LastAddress: ch.Host(),
			LastPort:    ch.Port(),
			LastSeen:    time.Now(),
		})
	}

	sessLog.Info("session established")
	return sess, nil
}

func (m *Manager) sessionLog(id int64, hostID, platformKind string) *logrus.Entry {
	return m.log.WithFields(logrus.Fields{
		"session_id": id,
		"host_id":    hostID,
		"platform":   platformKind,
	})
}

// AttachListener registers l with the Manager. If l has a platform_hint
// set, every channel it accepts is auto-promoted into a Session as soon
// as it arrives — the behavior spec.md §4.2 describes as happening "on
// the listener thread", implemented here instead of inside
// internal/channel precisely so that package never needs to import
// Session or Platform (see DESIGN.md, internal/session).
func (m *Manager) AttachListener(l *channel.Listener) {
	m.mu.Lock()
	m.listeners[l.ID] = l
	m.mu.Unlock()

	if l.PlatformHint() == "" {
		return // caller must poll Pending()/TakePending() and call Init explicitly
	}

	go m.promoteLoop(l)
}

func (m *Manager) promoteLoop(l *channel.Listener) {
	for {
		if l.State() != channel.StateRunning {
			return
		}
		<-l.NotifyCh()
		for {
			pending := l.Pending()
			if len(pending) == 0 {
				break
			}
			ch, err := l.TakePending(0)
			if err != nil {
				break
			}
			if l.DropDuplicate() && m.hasEstablishedFor(ch) {
				ch.Close()
				continue
			}
			sess, err := m.Init(ch, l.PlatformHint())
			if err != nil {
				m.log.WithError(err).Warn("auto-promote failed")
				continue
			}
			l.MarkEstablished()
			_ = sess
		}
	}
}

// hasEstablishedFor reports whether a session already exists for ch's
// remote host, approximating spec.md §9's drop_duplicate resolution
// (keyed on host address pending a full handshake to learn host_id,
// since host_id requires a completed Probe).
func (m *Manager) hasEstablishedFor(ch channel.Channel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.Channel.Host() == ch.Host() && !s.Closed() {
			return true
		}
	}
	return false
}

// Get returns the Session with id, or NotFoundError.
func (m *Manager) Get(id int64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, &errs.NotFoundError{Kind: "session", Name: fmt.Sprintf("%d", id)}
	}
	return s, nil
}

// Current returns the current Session, or NotFoundError if none exists.
func (m *Manager) Current() (*Session, error) {
	m.mu.Lock()
	id := m.current
	m.mu.Unlock()
	if id == 0 {
		return nil, &errs.NotFoundError{Kind: "session", Name: "current"}
	}
	return m.Get(id)
}

// SetCurrent makes id the current session, enforcing the "at most one
// current" invariant simply by overwriting the pointer (spec.md §8).
func (m *Manager) SetCurrent(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return &errs.NotFoundError{Kind: "session", Name: fmt.Sprintf("%d", id)}
	}
	m.current = id
	return nil
}

// List returns every live Session, sorted by ID ascending.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].ID > out[j].ID; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Close closes and removes a Session from the table. Its ID is never
// reused (the nextID counter only increases).
func (m *Manager) Close(id int64) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return &errs.NotFoundError{Kind: "session", Name: fmt.Sprintf("%d", id)}
	}
	delete(m.sessions, id)
	if m.current == id {
		m.current = 0
	}
	m.mu.Unlock()
	return s.Close()
}

// InteractiveLoop drives the current Session's Channel in RAW mode
// until the Controller's transition key is seen, then returns so the
// caller (cmd/pwncat's REPL) can resume COMMAND mode. Mirrors the
// teacher's (greenlight-cli) relay.go Run loop's two-goroutine
// copy-until-exit shape, except both directions stop on the transition
// key instead of on child-process exit, and the "child" is a remote
// Channel instead of a local PTY.
func (m *Manager) InteractiveLoop() error {
	sess, err := m.Current()
	if err != nil {
		return err
	}
	linuxDriver, _ := sess.Platform.(*linux.Driver)
	windowsDriver, _ := sess.Platform.(*windows.Driver)
	if linuxDriver != nil {
		if err := linuxDriver.SetRaw(); err != nil {
			return err
		}
		defer linuxDriver.ClearRaw()
	}

	if err := m.term.EnterRaw(); err != nil {
		return err
	}
	defer m.term.ExitRaw()

	stopResize := termio.WatchResize(func(rows, cols int) {
		if linuxDriver != nil {
			linuxDriver.SyncWinsize(rows, cols)
		}
	})
	defer stopResize()

	// Windows has no shared raw byte stream to forward verbatim — the
	// Channel normally carries stage-two's JSON RPC envelopes, so
	// pass-through instead goes through the driver's own ConPTY bridge
	// (spec.md §4.4 "Interactive"), which exits on the INTERACTIVE_COMPLETE
	// marker rather than this Manager's local transition keystroke.
	if windowsDriver != nil {
		return windowsDriver.Interactive(os.Stdout, os.Stdin)
	}

	done := make(chan error, 2)
	go func() {
		done <- m.term.CopyUntilTransition(channelWriter{sess.Channel}, os.Stdin)
	}()
	go func() {
		_, err := io.Copy(os.Stdout, channelReader{sess.Channel})
		done <- err
	}()

	return <-done
}

type channelWriter struct{ ch channel.Channel }

func (w channelWriter) Write(p []byte) (int, error) { return w.ch.Send(p) }

type channelReader struct{ ch channel.Channel }

func (r channelReader) Read(p []byte) (int, error) {
	b, err := r.ch.Recv(len(p))
	if err != nil {
		return 0, err
	}
	n := copy(p, b)
	return n, nil
}

// Package session ties a Channel and a Platform together into a
// numbered, addressable Session, and the Manager that owns the table of
// them, the RAW/COMMAND interactive loop, and Listener platform_hint
// auto-promotion (spec.md §4.4, §4.5).
//
// The session table and "at most one current" invariant are grounded on
// the teacher's (greenlight-cli) sessions.go, generalized from a single
// conversation_id->relay_id dotfile map to an in-memory table of live
// Sessions plus the persisted per-host_id store (internal/store).
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pwncat/internal/channel"
	"pwncat/internal/errs"
	"pwncat/internal/platform"
)

// Fact is a cached piece of discovered information (spec.md §3), e.g.
// an enumerated user, a writable-by-current-user SUID binary, a crontab
// entry — anything a module records against a host for reuse by other
// modules without re-querying the target.
type Fact struct {
	Source    string // module that produced it, e.g. "enumerate.system"
	Kind      string // e.g. "system.user", "system.suid"
	Data      map[string]string
	Collected time.Time
}

// Tamper records a reversible modification pwncat made to the target
// (a crontab line added, a file permission changed) (spec.md §3). Tampers
// are recorded only; Session.Close does not revert them.
type Tamper struct {
	Module  string
	Summary string
	Revert  func() error
	Applied time.Time
}

// Implant is a persistence mechanism installed on the target (spec.md
// §3), e.g. the ADD-1 implant.reconnect module's authorized_keys entry.
type Implant struct {
	Module      string
	Description string
	Installed   time.Time
	Remove      func() error
}

// Session pairs one Channel with its probed Platform and per-target
// caches. IDs are assigned by Manager and are monotonic/never reused
// (spec.md §8 "Session identity").
type Session struct {
	ID       int64
	Channel  channel.Channel
	Platform platform.Platform
	HostID   string
	Log      *logrus.Entry

	mu      sync.Mutex
	facts   []Fact
	tampers []Tamper
	implant []Implant
	closed  bool
}

func newSession(id int64, ch channel.Channel, plat platform.Platform, hostID string, log *logrus.Entry) *Session {
	return &Session{
		ID:       id,
		Channel:  ch,
		Platform: plat,
		HostID:   hostID,
		Log:      log,
	}
}

// AddFact records a Fact, replacing the stored one only when the module
// re-collects the same Source and Kind (facts aren't versioned, just
// refreshed).
func (s *Session) AddFact(f Fact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f.Collected = time.Now()
	for i, existing := range s.facts {
		if existing.Source == f.Source && existing.Kind == f.Kind {
			s.facts[i] = f
			return
		}
	}
	s.facts = append(s.facts, f)
}

// Facts returns a snapshot of cached Facts, optionally filtered by Kind
// ("" returns all).
func (s *Session) Facts(kind string) []Fact {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Fact
	for _, f := range s.facts {
		if kind == "" || f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

// AddTamper records a reversible modification.
func (s *Session) AddTamper(t Tamper) {
	s.mu.Lock()
	t.Applied = time.Now()
	s.tampers = append(s.tampers, t)
	s.mu.Unlock()
}

// Tampers returns the tampers applied so far, most recent last.
func (s *Session) Tampers() []Tamper {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Tamper, len(s.tampers))
	copy(out, s.tampers)
	return out
}

// RevertTampers runs Revert on every recorded Tamper in reverse order,
// collecting (not stopping on) individual failures.
func (s *Session) RevertTampers() []error {
	s.mu.Lock()
	tampers := make([]Tamper, len(s.tampers))
	copy(tampers, s.tampers)
	s.mu.Unlock()

	var errsOut []error
	for i := len(tampers) - 1; i >= 0; i-- {
		if tampers[i].Revert == nil {
			continue
		}
		if err := tampers[i].Revert(); err != nil {
			errsOut = append(errsOut, fmt.Errorf("revert %s: %w", tampers[i].Summary, err))
		}
	}
	return errsOut
}

// AddImplant records an installed persistence mechanism.
func (s *Session) AddImplant(i Implant) {
	s.mu.Lock()
	i.Installed = time.Now()
	s.implant = append(s.implant, i)
	s.mu.Unlock()
}

// Implants returns the implants installed so far.
func (s *Session) Implants() []Implant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Implant, len(s.implant))
	copy(out, s.implant)
	return out
}

// Close closes the underlying Platform then Channel, marking the
// Session unusable. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var firstErr error
	if err := s.Platform.Close(); err != nil {
		firstErr = err
	}
	if err := s.Channel.Close(); err != nil && firstErr == nil {
		firstErr = &errs.TransportError{Op: "session-close", Err: err}
	}
	return firstErr
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

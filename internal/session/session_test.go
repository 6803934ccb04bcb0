package session

import (
	"errors"
	"testing"
	"time"

	"pwncat/internal/channel"
	"pwncat/internal/platform"
)

// fakePlatform and fakeChannel give Session.Close something real to call
// without needing a live Channel/Platform pair.
type fakePlatform struct {
	closeErr error
	closed   bool
}

func (f *fakePlatform) Kind() platform.Kind { return platform.Linux }
func (f *fakePlatform) Run(argv []string, env map[string]string, timeout time.Duration) ([]byte, int, error) {
	return nil, 0, nil
}
func (f *fakePlatform) Popen(argv []string, env map[string]string) (*platform.ProcessHandle, error) {
	return nil, nil
}
func (f *fakePlatform) Open(path string, mode platform.FileMode, length int64) (*platform.RemoteFile, error) {
	return nil, nil
}
func (f *fakePlatform) Which(name string) (string, error)  { return "", nil }
func (f *fakePlatform) Users() ([]platform.User, error)    { return nil, nil }
func (f *fakePlatform) Groups() ([]platform.Group, error)  { return nil, nil }
func (f *fakePlatform) CurrentUser() (platform.User, error) { return platform.User{}, nil }
func (f *fakePlatform) CWD() (string, error)                { return "", nil }
func (f *fakePlatform) HostID() (string, error)              { return "fake", nil }
func (f *fakePlatform) HasPTY() bool                         { return true }
func (f *fakePlatform) Close() error                         { f.closed = true; return f.closeErr }

// fakeChannel is a minimal channel.Channel good enough to exercise
// Session.Close; the read/write methods are never called by these tests.
type fakeChannel struct{ closed bool }

func (c *fakeChannel) Send(b []byte) (int, error) { return len(b), nil }
func (c *fakeChannel) Recv(max int) ([]byte, error) { return nil, nil }
func (c *fakeChannel) Peek(max int) ([]byte, error) { return nil, nil }
func (c *fakeChannel) RecvUntil(delim []byte, timeout time.Duration) ([]byte, error) {
	return nil, nil
}
func (c *fakeChannel) Drain() error                   { return nil }
func (c *fakeChannel) SetNonBlocking(nonBlocking bool) {}
func (c *fakeChannel) SetDeadline(t time.Time) error   { return nil }
func (c *fakeChannel) Close() error                    { c.closed = true; return nil }
func (c *fakeChannel) Host() string                    { return "10.0.0.1" }
func (c *fakeChannel) Port() int                       { return 4444 }
func (c *fakeChannel) Connected() bool                 { return !c.closed }
func (c *fakeChannel) Protocol() channel.Protocol      { return channel.ProtoConnect }

func newTestSession() *Session {
	return &Session{ID: 1, Platform: &fakePlatform{}, Channel: &fakeChannel{}, HostID: "fake"}
}

func TestAddFactReplacesSameSourceAndKind(t *testing.T) {
	sess := newTestSession()

	sess.AddFact(Fact{Source: "enumerate.system", Kind: "system.identity", Data: map[string]string{"v": "1"}})
	sess.AddFact(Fact{Source: "enumerate.system", Kind: "system.identity", Data: map[string]string{"v": "2"}})

	facts := sess.Facts("system.identity")
	if len(facts) != 1 {
		t.Fatalf("Facts() = %d, want exactly 1 (refreshed, not appended)", len(facts))
	}
	if facts[0].Data["v"] != "2" {
		t.Errorf("Facts()[0].Data = %+v, want the refreshed value", facts[0].Data)
	}
}

func TestFactsFiltersByKind(t *testing.T) {
	sess := newTestSession()
	sess.AddFact(Fact{Source: "a", Kind: "k1"})
	sess.AddFact(Fact{Source: "b", Kind: "k2"})

	if got := len(sess.Facts("k1")); got != 1 {
		t.Errorf("Facts(k1) = %d, want 1", got)
	}
	if got := len(sess.Facts("")); got != 2 {
		t.Errorf(`Facts("") = %d, want 2 (all)`, got)
	}
}

func TestRevertTampersRunsInReverseOrderAndCollectsErrors(t *testing.T) {
	sess := newTestSession()

	var order []string
	sess.AddTamper(Tamper{Summary: "first", Revert: func() error {
		order = append(order, "first")
		return nil
	}})
	sess.AddTamper(Tamper{Summary: "second", Revert: func() error {
		order = append(order, "second")
		return errors.New("boom")
	}})

	errs := sess.RevertTampers()
	if len(errs) != 1 {
		t.Fatalf("RevertTampers() errors = %v, want exactly 1", errs)
	}
	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Fatalf("revert order = %v, want [second first]", order)
	}
}

func TestAddImplantRecordsInstallation(t *testing.T) {
	sess := newTestSession()
	sess.AddImplant(Implant{Module: "implant.reconnect", Description: "authorized_keys entry"})

	implants := sess.Implants()
	if len(implants) != 1 {
		t.Fatalf("Implants() = %d, want 1", len(implants))
	}
	if implants[0].Installed.IsZero() {
		t.Errorf("Installed should be stamped by AddImplant")
	}
}

func TestCloseIsIdempotentAndClosesPlatformAndChannel(t *testing.T) {
	plat := &fakePlatform{}
	ch := &fakeChannel{}
	sess := &Session{ID: 1, Platform: plat, Channel: ch, HostID: "fake"}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !plat.closed {
		t.Errorf("Close should close the Platform")
	}
	if !ch.closed {
		t.Errorf("Close should close the Channel")
	}
	if !sess.Closed() {
		t.Errorf("Closed() should report true after Close")
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
}

package module

import (
	"testing"
	"time"

	"pwncat/internal/platform"
	"pwncat/internal/session"
)

// fakePlatform implements platform.Platform with canned responses, just
// enough surface for Registry.Run to dispatch a module against it.
type fakePlatform struct {
	kind platform.Kind
}

func (f fakePlatform) Kind() platform.Kind { return f.kind }
func (f fakePlatform) Run(argv []string, env map[string]string, timeout time.Duration) ([]byte, int, error) {
	return []byte("ok"), 0, nil
}
func (f fakePlatform) Popen(argv []string, env map[string]string) (*platform.ProcessHandle, error) {
	return nil, nil
}
func (f fakePlatform) Open(path string, mode platform.FileMode, length int64) (*platform.RemoteFile, error) {
	return nil, nil
}
func (f fakePlatform) Which(name string) (string, error)      { return "/usr/bin/" + name, nil }
func (f fakePlatform) Users() ([]platform.User, error)        { return nil, nil }
func (f fakePlatform) Groups() ([]platform.Group, error)      { return nil, nil }
func (f fakePlatform) CurrentUser() (platform.User, error)    { return platform.User{Name: "op"}, nil }
func (f fakePlatform) CWD() (string, error)                   { return "/home/op", nil }
func (f fakePlatform) HostID() (string, error)                { return "fakehost", nil }
func (f fakePlatform) HasPTY() bool                           { return true }
func (f fakePlatform) Close() error                           { return nil }

// echoModule streams one status then one result, for exercising Run's
// event-draining contract.
type echoModule struct{ name string }

func (m echoModule) Name() string                 { return m.name }
func (m echoModule) Platforms() []platform.Kind    { return []platform.Kind{platform.Linux} }
func (m echoModule) Arguments() []ArgSpec {
	return []ArgSpec{{Name: "msg", Kind: KindString, Default: "hi"}}
}
func (m echoModule) Run(sess *session.Session, args Args, events chan<- Event) error {
	events <- Event{Status: &Status{Message: "starting"}}
	events <- Event{Result: &Result{TitleText: args.String("msg"), Cat: "test"}}
	return nil
}

func newFakeSession(kind platform.Kind) *session.Session {
	return &session.Session{
		ID:       1,
		Platform: fakePlatform{kind: kind},
		HostID:   "fakehost",
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	r.Register(echoModule{name: "enumerate.fake"})

	m, err := r.Lookup("enumerate.fake")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if m.Name() != "enumerate.fake" {
		t.Errorf("Name() = %q", m.Name())
	}

	if _, err := r.Lookup("does.not.exist"); err == nil {
		t.Errorf("Lookup(does.not.exist) should error")
	}
}

func TestSearchGlob(t *testing.T) {
	r := NewRegistry()
	r.Register(echoModule{name: "enumerate.system"})
	r.Register(echoModule{name: "enumerate.users"})
	r.Register(echoModule{name: "escalate.auto"})

	matches := r.Search("enumerate.*")
	if len(matches) != 2 {
		t.Fatalf("Search(enumerate.*) = %d matches, want 2", len(matches))
	}
}

func TestCoerceAppliesDefaultsAndValidates(t *testing.T) {
	specs := []ArgSpec{
		{Name: "target_user", Kind: KindString, Default: "root"},
		{Name: "retries", Kind: KindInt, Required: true},
		{Name: "verbose", Kind: KindBool, Default: "false"},
		{Name: "mode", Kind: KindEnum, Default: "a", Choices: []string{"a", "b"}},
	}

	args, err := Coerce(specs, map[string]string{"retries": "3"})
	if err != nil {
		t.Fatalf("Coerce: %v", err)
	}
	if args.String("target_user") != "root" {
		t.Errorf("target_user = %v, want default root", args["target_user"])
	}
	if args.Int("retries") != 3 {
		t.Errorf("retries = %v, want 3", args["retries"])
	}
	if args.Bool("verbose") != false {
		t.Errorf("verbose = %v, want false", args["verbose"])
	}

	if _, err := Coerce(specs, map[string]string{}); err == nil {
		t.Errorf("Coerce without required retries should error")
	}

	if _, err := Coerce(specs, map[string]string{"retries": "3", "mode": "z"}); err == nil {
		t.Errorf("Coerce with an invalid enum choice should error")
	}
}

func TestRunDrainsStatusesAndCollectsResults(t *testing.T) {
	r := NewRegistry()
	r.Register(echoModule{name: "enumerate.fake"})
	sess := newFakeSession(platform.Linux)

	var statuses []string
	results, err := r.Run(sess, "enumerate.fake", map[string]string{"msg": "hello"}, func(s string) {
		statuses = append(statuses, s)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 1 || results[0].Title() != "hello" {
		t.Fatalf("Run results = %+v, want one result titled hello", results)
	}
	if len(statuses) != 1 || statuses[0] != "starting" {
		t.Fatalf("Run statuses = %v, want [starting]", statuses)
	}
}

func TestRunRejectsUnsupportedPlatform(t *testing.T) {
	r := NewRegistry()
	r.Register(echoModule{name: "enumerate.fake"}) // only supports Linux
	sess := newFakeSession(platform.Windows)

	if _, err := r.Run(sess, "enumerate.fake", nil, nil); err == nil {
		t.Fatalf("Run against an unsupported platform should error")
	}
}

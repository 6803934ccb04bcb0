// Package builtin implements the ADD-1 illustrative modules of
// SPEC_FULL.md §4.6: enumerate.system, enumerate.users, escalate.auto,
// and implant.reconnect. These are not a port of any particular
// pwncat/Metasploit module catalog — they exist to exercise the
// registry, Fact cache, Tamper/Implant bookkeeping, and gtfo synthesizer
// end-to-end.
package builtin

import (
	"fmt"
	"strings"

	"pwncat/internal/module"
	"pwncat/internal/platform"
	"pwncat/internal/session"
)

// Register adds every builtin module to r.
func Register(r *module.Registry) {
	r.Register(enumerateSystem{})
	r.Register(enumerateUsers{})
	r.Register(escalateAuto{})
	r.Register(implantReconnect{})
}

type enumerateSystem struct{}

func (enumerateSystem) Name() string                    { return "enumerate.system" }
func (enumerateSystem) Platforms() []platform.Kind       { return []platform.Kind{platform.Linux, platform.Windows} }
func (enumerateSystem) Arguments() []module.ArgSpec      { return nil }

func (enumerateSystem) Run(sess *session.Session, args module.Args, events chan<- module.Event) error {
	events <- module.Event{Status: &module.Status{Message: "collecting hostname and kernel info"}}

	hostID, err := sess.Platform.HostID()
	if err != nil {
		return err
	}
	cwd, err := sess.Platform.CWD()
	if err != nil {
		return err
	}

	data := map[string]string{"host_id": hostID, "cwd": cwd, "platform": string(sess.Platform.Kind())}
	sess.AddFact(session.Fact{Source: "enumerate.system", Kind: "system.identity", Data: data})

	events <- module.Event{Result: &module.Result{
		TitleText:       fmt.Sprintf("host_id=%s platform=%s", hostID, sess.Platform.Kind()),
		DescriptionText: fmt.Sprintf("current working directory: %s", cwd),
		Cat:             "enumerate",
		Data:            map[string]any{"host_id": hostID, "cwd": cwd},
	}}
	return nil
}

type enumerateUsers struct{}

func (enumerateUsers) Name() string               { return "enumerate.users" }
func (enumerateUsers) Platforms() []platform.Kind { return []platform.Kind{platform.Linux, platform.Windows} }
func (enumerateUsers) Arguments() []module.ArgSpec {
	return []module.ArgSpec{
		{Name: "shells_only", Kind: module.KindBool, Default: "false"},
	}
}

func (enumerateUsers) Run(sess *session.Session, args module.Args, events chan<- module.Event) error {
	events <- module.Event{Status: &module.Status{Message: "reading /etc/passwd"}}
	users, err := sess.Platform.Users()
	if err != nil {
		return err
	}
	shellsOnly := args.Bool("shells_only")

	for _, u := range users {
		if shellsOnly && (strings.HasSuffix(u.Shell, "nologin") || strings.HasSuffix(u.Shell, "false")) {
			continue
		}
		sess.AddFact(session.Fact{
			Source: "enumerate.users",
			Kind:   "system.user",
			Data:   map[string]string{"name": u.Name, "uid": u.UID, "shell": u.Shell, "home": u.HomeDir},
		})
		events <- module.Event{Result: &module.Result{
			TitleText:       fmt.Sprintf("%s (uid=%s)", u.Name, u.UID),
			DescriptionText: fmt.Sprintf("shell=%s home=%s", u.Shell, u.HomeDir),
			Cat:             "enumerate",
			Data:            map[string]any{"name": u.Name, "uid": u.UID},
		}}
	}
	return nil
}

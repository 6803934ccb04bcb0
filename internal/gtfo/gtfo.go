// Package gtfo is the payload synthesizer of spec.md §4.7: given a
// capability requirement (read/write/shell) and a target stream
// encoding, it produces a shell one-liner that realizes that capability
// through whatever binary is available — the same role GTFOBins plays
// for pwncat's `open()`/`popen()` fallback chain when no direct tool
// (cat, dd, sftp) covers the case, or when the acting user needs to
// reach another user's privilege via sudo.
//
// This is an interface-only component per SPEC_FULL.md §4.7: it ships
// the handful of methods needed to demonstrate the synthesizer contract
// (cat, dd, sh -c), not a full GTFOBins database port.
package gtfo

import (
	"fmt"
	"strings"
)

// Stream identifies how a Method moves bytes across the existing framed
// Channel (spec.md §4.7).
type Stream int

const (
	StreamRaw Stream = iota
	StreamPrint
	StreamHex
	StreamBase64
)

// Capability is a bitset of what a Method can do.
type Capability int

const (
	CapRead Capability = 1 << iota
	CapWrite
	CapShell
)

func (c Capability) Has(want Capability) bool { return c&want == want }

// Method describes one way to realize a capability through a specific
// binary.
type Method struct {
	Binary string
	Caps   Capability
	Stream Stream

	// build receives params (e.g. {"path": "/etc/shadow"}) and returns
	// the command line to run, the bytes to write to its stdin (may be
	// nil), and the command that cleanly terminates it.
	build func(params map[string]string) (payload, stdin, exitCmd []byte)
}

// Build realizes this method against params.
func (m Method) Build(params map[string]string) (payload, stdin, exitCmd []byte) {
	return m.build(params)
}

// catMethod reads a file by cat'ing it — the simplest possible READ
// method, used when no sftp/base64-dd fast path applies.
var catMethod = Method{
	Binary: "cat",
	Caps:   CapRead,
	Stream: StreamRaw,
	build: func(p map[string]string) ([]byte, []byte, []byte) {
		return []byte(fmt.Sprintf("cat %s\n", shQuote(p["path"]))), nil, nil
	},
}

// teeDDMethod writes a file via `dd`, reading the payload from stdin —
// used for WRITE when sftp isn't available and the target has no
// writable temp location `cp` could use instead.
var teeDDMethod = Method{
	Binary: "dd",
	Caps:   CapWrite,
	Stream: StreamRaw,
	build: func(p map[string]string) ([]byte, []byte, []byte) {
		cmd := fmt.Sprintf("dd of=%s bs=1M\n", shQuote(p["path"]))
		return []byte(cmd), []byte(p["data"]), nil
	},
}

// shShellMethod realizes SHELL by handing control to `sh -c`, optionally
// under sudo when spec is non-empty (iter_sudo path).
var shShellMethod = Method{
	Binary: "sh",
	Caps:   CapShell,
	Stream: StreamRaw,
	build: func(p map[string]string) ([]byte, []byte, []byte) {
		cmd := p["cmd"]
		if cmd == "" {
			cmd = "exec sh -i"
		}
		if sudoUser := p["sudo_user"]; sudoUser != "" {
			cmd = fmt.Sprintf("sudo -n -u %s -- sh -c %s", shQuote(sudoUser), shQuote(cmd))
		}
		return []byte(cmd + "\n"), nil, []byte("exit\n")
	},
}

var allMethods = []Method{catMethod, teeDDMethod, shShellMethod}

// IterMethods returns every registered Method offering every bit set in
// caps, preferring the given stream encoding when more than one method
// ties.
func IterMethods(caps Capability, stream Stream) []Method {
	var out, others []Method
	for _, m := range allMethods {
		if m.Caps&caps != caps {
			continue
		}
		if m.Stream == stream {
			out = append(out, m)
		} else {
			others = append(others, m)
		}
	}
	return append(out, others...)
}

// IterBinary narrows IterMethods to the single method (if any) realized
// by binary, for callers that already know `which <binary>` succeeded.
func IterBinary(binary string, caps Capability, stream Stream) (Method, bool) {
	for _, m := range IterMethods(caps, stream) {
		if m.Binary == binary {
			return m, true
		}
	}
	return Method{}, false
}

// IterSudo returns shShellMethod pre-bound to escalate to targetUser
// (a target username), for use by escalate.auto once a passwordless sudo
// rule has been confirmed for the current user.
func IterSudo(targetUser string, caps Capability) (Method, bool) {
	if !caps.Has(CapShell) {
		return Method{}, false
	}
	m := shShellMethod
	base := m.build
	m.build = func(p map[string]string) ([]byte, []byte, []byte) {
		params := map[string]string{"cmd": p["cmd"], "sudo_user": targetUser}
		return base(params)
	}
	return m, true
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

package linux

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/sirupsen/logrus"

	"pwncat/internal/channel"
	"pwncat/internal/errs"
)

// probeStart/probeEnd bracket the one-off side-channel commands Probe
// uses to discover the shell before framed execution (and its own
// markers) exist yet.
const (
	probeStart = "PWNCAT-PROBE-START"
	probeEnd   = "PWNCAT-PROBE-END"
)

// Probe sends a no-op, discovers the remote shell binary, refuses to
// continue against a shell that exits on any stdin, normalizes the
// prompt, and attempts the PTY-upgrade ladder — spec.md §4.3 in full.
// The returned Driver is ready for Run/Popen/Open.
func Probe(ch channel.Channel, log *logrus.Entry) (*Driver, error) {
	d := New(ch, log)

	// Send a no-op newline so a possibly-buffered prompt flushes before
	// we start scanning (spec.md §4.3 "Probe").
	if _, err := ch.Send([]byte("\n")); err != nil {
		return nil, &errs.TransportError{Op: "probe", Err: err}
	}
	ch.Drain()

	shellPath, err := d.discoverShell()
	if err != nil {
		return nil, err
	}
	base := baseName(shellPath)
	if refusedShells[base] {
		return nil, &errs.PlatformError{
			Op:  "probe",
			Err: fmt.Errorf("remote shell %q exits on any stdin, refusing to drive it", shellPath),
		}
	}
	d.CurrentUserName, d.CurrentUserID = d.discoverUser()
	d.ShellPath = shellPath

	if err := d.normalizePrompt(); err != nil {
		return nil, err
	}

	d.PTYMethodUsed = d.upgradePTY()
	d.HasPTYFlag = d.PTYMethodUsed != PTYNone
	if !d.HasPTYFlag {
		log.Warn("PTY upgrade failed by every known method, continuing without a PTY")
	}

	return d, nil
}

// discoverShell asks the shell for its own binary through a side-channel
// command wrapped in start/end markers: the target of /proc/$$/exe,
// falling back to $0 where that link cannot be read (spec.md §4.3). The
// shell's PS1 is not read and no prompt dialect is parsed here.
func (d *Driver) discoverShell() (string, error) {
	out, err := d.sideChannel("readlink /proc/$$/exe 2>/dev/null || echo $0")
	if err != nil {
		return "", err
	}
	shell := strings.TrimSpace(out)
	if shell == "" {
		return "", &errs.PlatformError{Op: "probe", Err: fmt.Errorf("could not discover remote shell")}
	}
	return shell, nil
}

func (d *Driver) discoverUser() (name, uid string) {
	out, err := d.sideChannel("id -un 2>/dev/null; echo :; id -u 2>/dev/null")
	if err != nil {
		return "", ""
	}
	parts := strings.SplitN(strings.TrimSpace(out), ":", 2)
	if len(parts) == 2 {
		return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	}
	return "", ""
}

// sideChannel runs a single command wrapped in plain (non-hex-marker)
// start/end tags, used only during Probe before the real framing
// markers are chosen. It deliberately tolerates noise (motd banners,
// login messages) by scanning for the tags rather than assuming the
// first line is the answer.
func (d *Driver) sideChannel(cmd string) (string, error) {
	wrapped := fmt.Sprintf("echo %s; %s; echo %s\n", probeStart, cmd, probeEnd)
	if _, err := d.ch.Send([]byte(wrapped)); err != nil {
		return "", &errs.TransportError{Op: "probe", Err: err}
	}
	raw, err := d.ch.RecvUntil([]byte(probeEnd), 10*time.Second)
	if err != nil {
		return "", &errs.ProtocolError{Op: "probe", Err: err}
	}
	clean := stripansi.Strip(string(raw))
	startIdx := strings.Index(clean, probeStart)
	endIdx := strings.LastIndex(clean, probeEnd)
	if startIdx < 0 || endIdx < 0 || endIdx < startIdx {
		return "", &errs.ProtocolError{Op: "probe", Err: fmt.Errorf("markers not found in probe output")}
	}
	body := clean[startIdx+len(probeStart) : endIdx]
	return strings.TrimSpace(body), nil
}

// normalizePrompt exports HISTFILE=/dev/null etc, copies TERM from the
// local terminal, and sets a prompt carrying a random 64-hex marker
// (spec.md §4.3 "Prompt normalization", §6 "Prompt marker format"). The
// marker is printed as plain text between empty \[\] pairs, so it is
// visible on a rendering terminal. It is also this Driver's
// PromptMarker, used purely as a human-visible session fingerprint —
// framed execution (framed.go) generates a fresh marker per command and
// never scans for this one.
func (d *Driver) normalizePrompt() error {
	marker := make([]byte, 32)
	if _, err := rand.Read(marker); err != nil {
		return fmt.Errorf("generate prompt marker: %w", err)
	}
	d.PromptMarker = []byte(hex.EncodeToString(marker))

	term := os.Getenv("TERM")
	if term == "" {
		term = "xterm-256color"
	}

	cmds := []string{
		"export HISTFILE=/dev/null",
		"export HISTSIZE=0",
		"export HISTCONTROL=ignorespace",
		fmt.Sprintf("export TERM=%s", shQuote(term)),
		// \[...\] markers are bash/zsh non-printing hints; dash/sh
		// ignore them outright (spec.md §4.3 "Edge case — dash").
		// Nothing scans the prompt for this marker.
		fmt.Sprintf(`export PS1="\\[\\]%s\\[\\]$ "`, string(d.PromptMarker)),
	}
	for _, c := range cmds {
		if _, err := d.ch.Send([]byte(c + "\n")); err != nil {
			return &errs.TransportError{Op: "normalize-prompt", Err: err}
		}
	}
	d.ch.Drain()
	return nil
}

func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

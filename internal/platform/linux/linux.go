// Package linux implements the Linux Platform driver: shell probing,
// PTY upgrade, framed command execution, and the POSIX-like primitive
// set of spec.md §4.3.
//
// The framed-execution marker scan reuses the teacher's (greenlight-cli)
// bridge.go line-buffering shape — accumulate bytes, scan for a
// delimiter, return the prefix, keep the remainder — generalized from
// "\n" to a 64-hex-char marker. The PTY-upgrade method ladder and the
// raw-mode/winsize machinery mirror relay.go/pty_linux.go, except every
// "local syscall" there becomes a "command sent over the Channel" here,
// because the PTY being created lives on the remote host, not under
// this process.
package linux

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"

	"pwncat/internal/channel"
	"pwncat/internal/errs"
	"pwncat/internal/platform"
)

// PTYMethod enumerates the upgrade ladder of spec.md §4.3.
type PTYMethod string

const (
	PTYScriptUtilLinux PTYMethod = "SCRIPT_UTIL_LINUX"
	PTYScriptBSD       PTYMethod = "SCRIPT_BSD"
	PTYPython          PTYMethod = "PYTHON"
	PTYSocat           PTYMethod = "SOCAT"
	PTYNone            PTYMethod = "NONE"
)

// refusedShells are shells that exit on any stdin; probing must never
// risk closing the channel by writing to one of these (spec.md §4.3
// "Probe").
var refusedShells = map[string]bool{
	"nologin":   true,
	"false":     true,
	"sync":      true,
	"git-shell": true,
}

// Driver implements platform.Platform over a Channel carrying an
// interactive POSIX shell.
type Driver struct {
	ch  channel.Channel
	log *logrus.Entry

	// mu guards the bookkeeping fields below (rawMode/framedCount/
	// boundProcess); it is held only long enough to check-and-flip a
	// flag, never across a Channel I/O call.
	mu      sync.Mutex
	rawMode bool // true while a caller holds RAW pass-through

	// execMu serializes the actual Send→RecvUntil critical section of a
	// framed execution against every other framed execution on this
	// Driver (spec.md §5: "Concurrent framed commands on the same
	// Session are serialized", §8 "Framing isolation"). Unlike mu, it is
	// held for the whole duration of a Run's wire round-trip, so a
	// second concurrent Run blocks on it rather than racing the first
	// Run's Send/RecvUntil pair on the shared Channel.
	execMu sync.Mutex

	// framedCount and boundProcess track the other two members of the
	// three-way mutual exclusion of spec.md §5: RAW, any number of
	// queued-but-serialized Run calls, and a single bound Popen handle
	// can never overlap.
	framedCount  int
	boundProcess bool

	ShellPath       string
	BusyboxPath     string
	HasPTYFlag      bool
	PTYMethodUsed   PTYMethod
	PromptMarker    []byte
	CWDPath         string
	CurrentUserID   string
	CurrentUserName string

	// NormalizeStatus resolves the open question in spec.md §9: when
	// false (the default), Run reports the remote's raw $? value;
	// when true, status is collapsed to 0/1.
	NormalizeStatus bool

	whichCache map[string]string
	sftpCache  *sftp.Client
}

// New wraps an already-probed-and-upgraded channel. Callers should use
// Probe, below, which performs the probe/upgrade sequence and returns a
// ready Driver; New is exposed for tests that want to skip probing.
func New(ch channel.Channel, log *logrus.Entry) *Driver {
	return &Driver{
		ch:         ch,
		log:        log,
		whichCache: make(map[string]string),
	}
}

func (d *Driver) Kind() platform.Kind { return platform.Linux }

func (d *Driver) HasPTY() bool { return d.HasPTYFlag }

func (d *Driver) CWD() (string, error) {
	if d.CWDPath != "" {
		return d.CWDPath, nil
	}
	out, status, err := d.Run([]string{"pwd"}, nil, 5*time.Second)
	if err != nil {
		return "", err
	}
	if status != 0 {
		return "", &errs.PlatformError{Op: "cwd", Err: fmt.Errorf("pwd exited %d", status)}
	}
	d.CWDPath = trimNL(string(out))
	return d.CWDPath, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	sc := d.sftpCache
	d.sftpCache = nil
	d.mu.Unlock()
	if sc != nil {
		return sc.Close()
	}
	return nil
}

func trimNL(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// enterRaw and exitRaw implement the mutual-exclusion half of spec.md
// §5's Busy rule that lives on the Platform side: a framed command
// cannot start while a Session has put this driver into RAW pass-through.
func (d *Driver) enterRaw() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rawMode || d.framedCount > 0 || d.boundProcess {
		return &errs.BusyError{Op: "enter-raw"}
	}
	d.rawMode = true
	return nil
}

func (d *Driver) exitRaw() {
	d.mu.Lock()
	d.rawMode = false
	d.mu.Unlock()
}

// SetRaw and ClearRaw are called by the Session when switching the
// Manager's interactive loop in/out of RAW mode (spec.md §4.5).
func (d *Driver) SetRaw() error   { return d.enterRaw() }
func (d *Driver) ClearRaw()       { d.exitRaw() }
func (d *Driver) IsRaw() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rawMode
}

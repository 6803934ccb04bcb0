// Package platform defines the per-OS driver contract: a Platform
// probes a raw shell, upgrades it (PTY on Linux, a reflective stage-two
// C2 on Windows), and exposes a POSIX-like primitive set on top of the
// owning Session's Channel. Concrete drivers live in the linux and
// windows subpackages; this package holds the shared contract and
// value types so Session/Manager and the module registry can depend on
// one thing regardless of target OS.
package platform

import (
	"io"
	"time"
)

// Kind names which concrete driver a Platform value is.
type Kind string

const (
	Linux   Kind = "linux"
	Windows Kind = "windows"
)

// FileMode mirrors spec.md §3's Remote file mode enum.
type FileMode int

const (
	ModeRead FileMode = iota
	ModeWrite
	ModeReadWrite
)

// User and Group are the parsed results of /etc/passwd, /etc/group, or
// their Windows equivalents.
type User struct {
	Name    string
	UID     string
	GID     string
	Shell   string
	HomeDir string
}

type Group struct {
	Name string
	GID  string
}

// ProcessHandle is the POSIX-like process abstraction of spec.md §3. On
// Linux, Stdin/Stdout/Stderr are framed views over the shared Channel
// (the single "bound" process invariant applies); on Windows they are
// handles inside stage-two, and PID is the stage-two-assigned integer.
type ProcessHandle struct {
	PID         int
	Stdin       io.Writer
	Stdout      io.Reader
	Stderr      io.Reader
	ExitCommand []byte
	StartDelim  []byte
	EndDelim    []byte

	closer func() error
}

// NewProcessHandle constructs a ProcessHandle, used by platform drivers
// in other packages that can't set the unexported closer field
// directly.
func NewProcessHandle(pid int, stdin io.Writer, stdout, stderr io.Reader, startDelim, endDelim []byte, closer func() error) *ProcessHandle {
	return &ProcessHandle{
		PID:        pid,
		Stdin:      stdin,
		Stdout:     stdout,
		Stderr:     stderr,
		StartDelim: startDelim,
		EndDelim:   endDelim,
		closer:     closer,
	}
}

// Close releases the process handle, draining the end delimiter on
// Linux so the shared Channel is left clean for the next framed op.
func (p *ProcessHandle) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}

// RemoteFile is the open-file abstraction of spec.md §3.
type RemoteFile struct {
	Path      string
	Mode      FileMode
	Binary    bool
	Length    int64 // -1 if unknown
	Open      bool
	io.Reader // nil unless Mode is ModeRead/ModeReadWrite
	io.Writer // nil unless Mode is ModeWrite/ModeReadWrite

	closer func() error
}

// NewRemoteFile constructs a RemoteFile, used by platform drivers in
// other packages that can't set the unexported closer field directly
// (mirrors NewProcessHandle above). closer may be nil for a file whose
// underlying reader/writer needs no explicit flush or release beyond
// what the caller already holds (e.g. an in-memory reader over
// already-fetched bytes).
func NewRemoteFile(path string, mode FileMode, binary bool, length int64, r io.Reader, w io.Writer, closer func() error) *RemoteFile {
	return &RemoteFile{
		Path:   path,
		Mode:   mode,
		Binary: binary,
		Length: length,
		Open:   true,
		Reader: r,
		Writer: w,
		closer: closer,
	}
}

func (f *RemoteFile) Close() error {
	if !f.Open {
		return nil
	}
	f.Open = false
	if f.closer == nil {
		return nil
	}
	return f.closer()
}

// Platform is the contract every per-OS driver satisfies. A Platform is
// constructed already probed and upgraded (see linux.Probe / windows.Bootstrap);
// by the time a Session holds one, HasPTY/StageTwoLoaded (as applicable)
// already reflect reality.
type Platform interface {
	Kind() Kind

	// Run wraps argv in the platform's framed-execution mechanism and
	// blocks until the command completes or timeout elapses.
	Run(argv []string, env map[string]string, timeout time.Duration) (stdout []byte, status int, err error)

	// Popen starts argv and returns a handle streaming its output as it
	// runs. On Linux at most one bound handle may have unread output at
	// a time (spec.md §3 invariant); Popen returns a BusyError otherwise.
	Popen(argv []string, env map[string]string) (*ProcessHandle, error)

	// Open returns a RemoteFile for path. If length >= 0 and a raw
	// stream writer is available, that is preferred; otherwise base64
	// transport is used. Binary mode is implied by length >= 0.
	Open(path string, mode FileMode, length int64) (*RemoteFile, error)

	// Which resolves a binary name to a path, or errs.NotFoundError.
	Which(name string) (string, error)

	Users() ([]User, error)
	Groups() ([]Group, error)
	CurrentUser() (User, error)
	CWD() (string, error)

	// HostID returns the stable reconnect-routing hash described in
	// spec.md §3 (distro+kernel+MAC set on Linux, machine GUID on
	// Windows).
	HostID() (string, error)

	// HasPTY reports whether a PTY upgrade succeeded (always true on
	// Windows, since stage-two's ConPTY support is orthogonal to the
	// basic command channel).
	HasPTY() bool

	// Close releases any platform-owned state (the Linux driver closes
	// its cached sftp client; the Windows driver holds none to release)
	// without touching the Channel, which the owning Session closes
	// itself.
	Close() error
}

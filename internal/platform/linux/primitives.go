package linux

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pwncat/internal/errs"
	"pwncat/internal/platform"
)

// Which resolves name to a path via `command -v`, caching results for
// the life of the Driver the way the teacher's config.go caches
// ~/.greenlight/config reads (spec.md §4.3 "which").
func (d *Driver) Which(name string) (string, error) {
	if cached, ok := d.whichCache[name]; ok {
		if cached == "" {
			return "", &errs.NotFoundError{Kind: "binary", Name: name}
		}
		return cached, nil
	}
	out, status, err := d.Run([]string{"sh", "-c", fmt.Sprintf("command -v %s", shQuote(name))}, nil, 5*time.Second)
	if err != nil {
		return "", err
	}
	path := trimNL(string(out))
	if status != 0 || path == "" {
		d.whichCache[name] = ""
		return "", &errs.NotFoundError{Kind: "binary", Name: name}
	}
	d.whichCache[name] = path
	return path, nil
}

// Users parses /etc/passwd into the shared User model.
func (d *Driver) Users() ([]platform.User, error) {
	out, status, err := d.Run([]string{"cat", "/etc/passwd"}, nil, 5*time.Second)
	if err != nil {
		return nil, err
	}
	if status != 0 {
		return nil, &errs.PlatformError{Op: "users", Err: fmt.Errorf("cat /etc/passwd exited %d", status)}
	}
	var users []platform.User
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		f := strings.Split(line, ":")
		if len(f) < 7 {
			continue
		}
		users = append(users, platform.User{
			Name:    f[0],
			UID:     f[2],
			GID:     f[3],
			HomeDir: f[5],
			Shell:   f[6],
		})
	}
	return users, nil
}

// Groups parses /etc/group into the shared Group model.
func (d *Driver) Groups() ([]platform.Group, error) {
	out, status, err := d.Run([]string{"cat", "/etc/group"}, nil, 5*time.Second)
	if err != nil {
		return nil, err
	}
	if status != 0 {
		return nil, &errs.PlatformError{Op: "groups", Err: fmt.Errorf("cat /etc/group exited %d", status)}
	}
	var groups []platform.Group
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		f := strings.Split(line, ":")
		if len(f) < 3 {
			continue
		}
		groups = append(groups, platform.Group{Name: f[0], GID: f[2]})
	}
	return groups, nil
}

// CurrentUser returns the probed identity, re-resolving against Users
// if the home dir/shell weren't captured during Probe.
func (d *Driver) CurrentUser() (platform.User, error) {
	if d.CurrentUserName == "" {
		out, status, err := d.Run([]string{"id", "-un"}, nil, 5*time.Second)
		if err != nil {
			return platform.User{}, err
		}
		if status != 0 {
			return platform.User{}, &errs.PlatformError{Op: "current-user", Err: fmt.Errorf("id -un exited %d", status)}
		}
		d.CurrentUserName = trimNL(string(out))
	}
	users, err := d.Users()
	if err != nil {
		return platform.User{Name: d.CurrentUserName, UID: d.CurrentUserID}, nil
	}
	for _, u := range users {
		if u.Name == d.CurrentUserName {
			return u, nil
		}
	}
	return platform.User{Name: d.CurrentUserName, UID: d.CurrentUserID}, nil
}

// HostID computes the stable reconnect-routing hash of spec.md §3:
// distro + kernel release + the set of MAC addresses listed under
// /sys/class/net (the loopback interface's all-zero address included).
func (d *Driver) HostID() (string, error) {
	out, status, err := d.Run([]string{"sh", "-c",
		`(cat /etc/os-release 2>/dev/null | grep ^ID=; uname -r; cat /sys/class/net/*/address 2>/dev/null | sort -u)`,
	}, nil, 5*time.Second)
	if err != nil {
		return "", err
	}
	if status != 0 {
		return "", &errs.PlatformError{Op: "host-id", Err: fmt.Errorf("host-id probe exited %d", status)}
	}
	return hostIDHash(string(out)), nil
}

func hostIDHash(material string) string {
	// fnv-1a, 64-bit: stable, dependency-free, and sufficient — this
	// value is a routing key, not a security boundary.
	var h uint64 = 14695981039346656037
	for i := 0; i < len(material); i++ {
		h ^= uint64(material[i])
		h *= 1099511628211
	}
	return strconv.FormatUint(h, 16)
}

// Open implements platform.Platform.Open. When the owning Channel is
// SSH-native, the sftp fast path (sftp.go) is used whatever length is;
// otherwise base64 transport framed through Run is used, per spec.md
// §4.3 "Open — fallback chain".
func (d *Driver) Open(path string, mode platform.FileMode, length int64) (*platform.RemoteFile, error) {
	if sf, ok := d.openSFTP(path, mode); ok {
		return sf, nil
	}
	return d.openBase64(path, mode, length)
}

// openBase64 streams the whole file through a single framed Run call,
// base64-encoded, which is correct but not streaming — acceptable for
// the fallback path (spec.md §9 accepts this tradeoff explicitly for
// channels without sftp available).
func (d *Driver) openBase64(path string, mode platform.FileMode, length int64) (*platform.RemoteFile, error) {
	switch mode {
	case platform.ModeRead:
		out, status, err := d.Run([]string{"base64", "-w0", path}, nil, 60*time.Second)
		if err != nil {
			return nil, err
		}
		if status != 0 {
			return nil, &errs.NotFoundError{Kind: "file", Name: path}
		}
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(out)))
		if err != nil {
			return nil, &errs.ProtocolError{Op: "open", Err: err}
		}
		return platform.NewRemoteFile(path, mode, true, int64(len(decoded)),
			strings.NewReader(string(decoded)), nil, nil), nil
	case platform.ModeWrite, platform.ModeReadWrite:
		w := &base64Writer{d: d, path: path}
		return platform.NewRemoteFile(path, mode, true, -1, nil, w, w.Close), nil
	default:
		return nil, fmt.Errorf("open: unsupported mode %v", mode)
	}
}

// base64Writer buffers the whole payload and flushes it as one
// framed command on Close. Nothing reaches the remote file before
// Close, so a write that is abandoned without calling Close commits
// nothing.
type base64Writer struct {
	d    *Driver
	path string
	buf  []byte
}

func (w *base64Writer) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *base64Writer) Close() error {
	encoded := base64.StdEncoding.EncodeToString(w.buf)
	cmd := fmt.Sprintf("echo %s | base64 -d > %s", shQuote(encoded), shQuote(w.path))
	_, status, err := w.d.Run([]string{"sh", "-c", cmd}, nil, 60*time.Second)
	if err != nil {
		return err
	}
	if status != 0 {
		return &errs.PlatformError{Op: "open-write", Err: fmt.Errorf("write to %s exited %d", w.path, status)}
	}
	return nil
}

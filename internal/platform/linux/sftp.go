package linux

import (
	"io"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"pwncat/internal/channel"
	"pwncat/internal/platform"
)

// openSFTP implements the fast path of spec.md §4.3 "Open — fallback
// chain": when the owning Channel was established over SSH, an
// *sftp.Client is opened against the same authenticated *ssh.Client
// (purpleidea-mgmt/remote.go's Sftp() method, adapted from "always open
// a fresh client per call" to "reuse the Driver's lazily-created one")
// instead of paying for base64 round-trips through the framed shell.
// Returns ok=false whenever the Channel isn't SSH-sourced or the sftp
// subsystem isn't available, letting Open fall through to openBase64.
func (d *Driver) openSFTP(path string, mode platform.FileMode) (*platform.RemoteFile, bool) {
	client, ok := channel.AsSSH(d.ch)
	if !ok {
		return nil, false
	}

	sc, err := d.sftpClient(client)
	if err != nil {
		return nil, false
	}

	switch mode {
	case platform.ModeRead:
		f, err := sc.Open(path)
		if err != nil {
			return nil, false
		}
		info, _ := f.Stat()
		length := int64(-1)
		if info != nil {
			length = info.Size()
		}
		return platform.NewRemoteFile(path, mode, true, length, f, nil, f.Close), true
	case platform.ModeWrite, platform.ModeReadWrite:
		f, err := sc.Create(path)
		if err != nil {
			return nil, false
		}
		var r io.Reader
		if mode == platform.ModeReadWrite {
			r = f
		}
		return platform.NewRemoteFile(path, mode, true, -1, r, f, f.Close), true
	default:
		return nil, false
	}
}

// sftpClient lazily creates and caches a *sftp.Client per Driver,
// reusing the authenticated *ssh.Client the owning Channel already
// dialed. Closed by Driver.Close.
func (d *Driver) sftpClient(client *ssh.Client) (*sftp.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sftpCache != nil {
		return d.sftpCache, nil
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, err
	}
	d.sftpCache = sc
	return sc, nil
}

package linux

import (
	"fmt"
	"strings"
)

// upgradePTY walks the method ladder of spec.md §4.3 ("PTY upgrade"),
// stopping at the first one that produces a working interactive PTY:
// script (util-linux flavor, supports -qc), script (BSD flavor, -q only
// without -c), Python's pty module, then socat. Mirrors the
// fallback-chain shape of relay.go's openPTY, except each rung here is a
// remote command rather than a local ioctl.
func (d *Driver) upgradePTY() PTYMethod {
	if d.tryScriptUtilLinux() {
		return PTYScriptUtilLinux
	}
	if d.tryScriptBSD() {
		return PTYScriptBSD
	}
	if d.tryPython() {
		return PTYPython
	}
	if d.trySocat() {
		return PTYSocat
	}
	return PTYNone
}

// probeFor runs `command -v binary` through the framing-free side
// channel and reports whether it printed a path, without starting the
// binary — each rung is tested for availability before being committed
// to.
func (d *Driver) probeFor(binary string) bool {
	out, err := d.sideChannel(fmt.Sprintf("command -v %s 2>/dev/null", binary))
	return err == nil && strings.TrimSpace(out) != ""
}

func (d *Driver) tryScriptUtilLinux() bool {
	if !d.probeFor("script") {
		return false
	}
	// util-linux script supports -qc "cmd" file, landing directly in an
	// interactive shell with no separate "stty raw" round trip needed
	// beyond the one below.
	if _, err := d.ch.Send([]byte("script -qc /bin/bash /dev/null 2>/dev/null || script -qc /bin/sh /dev/null\n")); err != nil {
		return false
	}
	return d.syncTTY()
}

func (d *Driver) tryScriptBSD() bool {
	if !d.probeFor("script") {
		return false
	}
	// BSD script has no -c; it just spawns the user's $SHELL.
	if _, err := d.ch.Send([]byte("script -q /dev/null\n")); err != nil {
		return false
	}
	return d.syncTTY()
}

func (d *Driver) tryPython() bool {
	for _, py := range []string{"python3", "python"} {
		if !d.probeFor(py) {
			continue
		}
		cmd := fmt.Sprintf(`%s -c 'import pty; pty.spawn("/bin/bash" if __import__("os").path.exists("/bin/bash") else "/bin/sh")'`+"\n", py)
		if _, err := d.ch.Send([]byte(cmd)); err != nil {
			continue
		}
		if d.syncTTY() {
			return true
		}
	}
	return false
}

func (d *Driver) trySocat() bool {
	if !d.probeFor("socat") {
		return false
	}
	cmd := "socat exec:'bash -li',pty,stderr,setsid,sigint,sane stdio\n"
	if _, err := d.ch.Send([]byte(cmd)); err != nil {
		return false
	}
	return d.syncTTY()
}

// syncTTY sends `stty raw -echo isig` and expects the shell to still
// answer afterward, confirming an interactive tty is attached. The
// remote tty is left in raw mode with echo off, so framed execution
// sees neither echoed commands nor CRLF translation.
func (d *Driver) syncTTY() bool {
	if _, err := d.ch.Send([]byte("stty raw -echo isig 2>/dev/null\n")); err != nil {
		return false
	}
	out, err := d.sideChannel("echo ALIVE")
	if err != nil || !strings.Contains(out, "ALIVE") {
		return false
	}
	return true
}

// SyncWinsize sends `stty rows R cols C` to match the local controlling
// terminal, called by the Session layer on SIGWINCH (the remote-command
// analog of pty_linux.go's TIOCSWINSZ ioctl).
func (d *Driver) SyncWinsize(rows, cols int) error {
	cmd := fmt.Sprintf("stty rows %d cols %d 2>/dev/null\n", rows, cols)
	if _, err := d.ch.Send([]byte(cmd)); err != nil {
		return err
	}
	d.ch.Drain()
	return nil
}

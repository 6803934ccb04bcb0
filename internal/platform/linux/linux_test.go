package linux

import (
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"

	"pwncat/internal/channel"
	"pwncat/internal/logging"
)

// dialShellChannel spawns a real `sh` under a PTY (grounded on the
// teacher's own use of a PTY for its local relay, here redirected at a
// genuinely remote-shaped shell) and bridges it through a loopback TCP
// connection so the channel package's ordinary Dial/tcpChannel path —
// not a special test-only Channel implementation — is what Probe/Run
// actually exercise.
func dialShellChannel(t *testing.T) channel.Channel {
	t.Helper()

	cmd := exec.Command("sh", "-i")
	f, err := pty.Start(cmd)
	if err != nil {
		t.Skipf("pty.Start(sh): %v (no PTY available in this environment)", err)
	}
	t.Cleanup(func() {
		f.Close()
		cmd.Process.Kill()
		cmd.Wait()
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	ch, err := channel.Dial("127.0.0.1", addr.Port)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { ch.Close() })

	server := <-accepted
	t.Cleanup(func() { server.Close() })

	go io.Copy(server, f)
	go io.Copy(f, server)

	return ch
}

func testLogger() *logrus.Entry {
	return logrus.NewEntry(logging.NewDiscard())
}

func TestProbeDiscoversShellAndUpgradesPTY(t *testing.T) {
	ch := dialShellChannel(t)
	d, err := Probe(ch, testLogger())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if d.ShellPath == "" {
		t.Errorf("ShellPath not discovered")
	}
	if d.Kind() != "linux" {
		t.Errorf("Kind() = %v, want linux", d.Kind())
	}
}

func TestRunExecutesFramedCommand(t *testing.T) {
	ch := dialShellChannel(t)
	d, err := Probe(ch, testLogger())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}

	out, status, err := d.Run([]string{"echo", "hello-framed"}, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != 0 {
		t.Fatalf("status = %d, want 0", status)
	}
	if got := string(out); got != "hello-framed\n" {
		t.Fatalf("Run output = %q, want %q", got, "hello-framed\n")
	}
}

func TestRunReportsNonZeroExitStatus(t *testing.T) {
	ch := dialShellChannel(t)
	d, err := Probe(ch, testLogger())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}

	_, status, err := d.Run([]string{"sh", "-c", "exit 7"}, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != 7 {
		t.Fatalf("status = %d, want 7", status)
	}
}

func TestRunIsMutuallyExclusiveWithRawMode(t *testing.T) {
	ch := dialShellChannel(t)
	d, err := Probe(ch, testLogger())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}

	if err := d.SetRaw(); err != nil {
		t.Fatalf("SetRaw: %v", err)
	}
	defer d.ClearRaw()

	if _, _, err := d.Run([]string{"true"}, nil, time.Second); err == nil {
		t.Fatalf("Run while RAW mode is active should return BusyError")
	}
}

// TestConcurrentRunCallsDoNotInterleave exercises spec.md §8's literal
// scenario 5: ten concurrent run() calls on one session must each
// return exactly their own output, matched to the correct caller, not
// a mix of another call's framing.
func TestConcurrentRunCallsDoNotInterleave(t *testing.T) {
	ch := dialShellChannel(t)
	d, err := Probe(ch, testLogger())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}

	const n = 10
	results := make([]string, n)
	errsOut := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, status, err := d.Run([]string{"echo", strconv.Itoa(i)}, nil, 5*time.Second)
			if err != nil {
				errsOut[i] = err
				return
			}
			if status != 0 {
				errsOut[i] = fmt.Errorf("status = %d, want 0", status)
				return
			}
			results[i] = string(out)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errsOut[i] != nil {
			t.Fatalf("Run(%d): %v", i, errsOut[i])
		}
		want := strconv.Itoa(i) + "\n"
		if results[i] != want {
			t.Fatalf("Run(%d) = %q, want %q", i, results[i], want)
		}
	}
}

func TestWhichResolvesAndCaches(t *testing.T) {
	ch := dialShellChannel(t)
	d, err := Probe(ch, testLogger())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}

	path, err := d.Which("echo")
	if err != nil {
		t.Fatalf("Which(echo): %v", err)
	}
	if path == "" {
		t.Fatalf("Which(echo) returned empty path")
	}

	if _, err := d.Which("definitely-not-a-real-binary-xyz"); err == nil {
		t.Fatalf("Which on a nonexistent binary should error")
	}
}

func TestUsersParsesPasswd(t *testing.T) {
	ch := dialShellChannel(t)
	d, err := Probe(ch, testLogger())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}

	users, err := d.Users()
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	found := false
	for _, u := range users {
		if u.Name == "root" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Users() = %+v, want a root entry", users)
	}
}

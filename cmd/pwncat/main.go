// Command pwncat is the CLI entrypoint described by spec.md §6: it
// establishes a single Channel (connect/bind/ssl-connect/ssl-bind/ssh),
// promotes it into a Session, and then either hands the local terminal
// to the remote shell (RAW mode) or drives a minimal COMMAND-mode loop
// over the module registry. The full interactive command parser/REPL
// is out of scope (spec.md §1); this loop is a minimal illustrative
// stand-in for it.
//
// Grounded on the teacher's (greenlight-cli) main.go: a single root
// command, a log file opened before anything touches the terminal, and
// an explicit 0/1/2 exit-code convention, generalized here from
// "relay to a hardcoded websocket URL" to "dial one of five channel
// protocols chosen by inference or flag."
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"pwncat/internal/channel"
	"pwncat/internal/config"
	"pwncat/internal/logging"
	"pwncat/internal/module"
	"pwncat/internal/module/builtin"
	"pwncat/internal/session"
	"pwncat/internal/store"
)

// Exit codes per spec.md §6: 0 success, 1 runtime/connection failure,
// 2 usage error.
const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2
)

var (
	flagListen         bool
	flagSSL            bool
	flagSSLCert        string
	flagSSLKey         string
	flagIdentity       string
	flagPlatform       string
	flagPort           int
	flagList           bool
	flagConfig         string
	flagDownloadPlugin bool
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pwncat:", err)
		os.Exit(exitUsage)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pwncat [flags] [protocol://][user[:pass]@][host][:port][?k=v] [port]",
		Short: "post-exploitation channel and session driver",
		Args:  cobra.MaximumNArgs(2),
		RunE:  run,
		SilenceUsage: true,
	}
	f := cmd.Flags()
	f.BoolVarP(&flagListen, "listen", "l", false, "bind instead of connect")
	f.BoolVar(&flagSSL, "ssl", false, "wrap the channel in TLS")
	f.StringVar(&flagSSLCert, "ssl-cert", "", "TLS certificate path (ssl-bind)")
	f.StringVar(&flagSSLKey, "ssl-key", "", "TLS key path (ssl-bind, defaults to --ssl-cert)")
	f.StringVarP(&flagIdentity, "identity", "i", "", "SSH private key path")
	f.StringVarP(&flagPlatform, "platform", "m", "", "target platform: linux or windows (default: relay_defaults.platform from the config file, else linux)")
	f.IntVarP(&flagPort, "port", "p", 0, "port (overrides any port parsed from the positional target)")
	f.BoolVar(&flagList, "list", false, "list persisted targets and exit")
	f.StringVarP(&flagConfig, "config", "c", "", "config file path (default: "+config.DefaultPath()+")")
	f.BoolVar(&flagDownloadPlugin, "download-plugins", false, "list the plugin files present in plugin_path and exit (nothing is downloaded)")
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	cfgPath := flagConfig
	if cfgPath == "" {
		cfgPath = config.DefaultPath()
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return exitErr(exitFail, err)
	}
	flagIdentity = config.Resolve(flagIdentity, cfg.IdentityPath)

	st := store.Open(store.DefaultPath())

	if flagList {
		return runList(st)
	}
	if flagDownloadPlugin {
		return runDownloadPlugins(cfg)
	}

	if len(args) == 0 {
		return exitErr(exitUsage, fmt.Errorf("no target given (see --help)"))
	}

	secondPort := ""
	if len(args) == 2 {
		secondPort = args[1]
	}
	forceSSL := flagSSL || flagSSLCert != "" || flagSSLKey != ""
	tgt, err := parseTarget(args[0], secondPort, flagListen, forceSSL, flagPort)
	if err != nil {
		return exitErr(exitUsage, err)
	}

	log, err := logging.New("")
	if err != nil {
		return exitErr(exitFail, err)
	}

	platformHint := config.Resolve(flagPlatform, cfg.RelayDefaults.Platform, "linux")

	ch, err := dial(tgt)
	if err != nil {
		return exitErr(exitFail, err)
	}

	mgr := session.NewManager(log, st)
	if platformHint == "windows" {
		boot, err := loadWindowsBootstrap(cfg)
		if err != nil {
			ch.Close()
			return exitErr(exitFail, err)
		}
		mgr.SetWindowsBootstrap(boot)
	}

	sess, err := mgr.Init(ch, platformHint)
	if err != nil {
		return exitErr(exitFail, err)
	}
	fmt.Fprintf(os.Stdout, "[+] session %d established (%s, host_id=%s)\n", sess.ID, sess.Platform.Kind(), sess.HostID)

	reg := module.NewRegistry()
	builtin.Register(reg)

	return commandLoop(mgr, reg)
}

// dial establishes a Channel for tgt, covering all five protocol
// variants of spec.md §4.1.
func dial(t target) (channel.Channel, error) {
	switch t.Protocol {
	case "connect":
		return channel.Dial(t.Host, t.Port)
	case "ssl-connect":
		return channel.DialSSL(t.Host, t.Port, true)
	case "ssh":
		return channel.DialSSH(t.Host, t.Port, t.User, t.Password, flagIdentity)
	case "bind", "ssl-bind":
		return acceptOnce(t)
	default:
		return nil, fmt.Errorf("unsupported protocol %q", t.Protocol)
	}
}

// acceptOnce starts a single-shot Listener (count_limit=1) and blocks
// until the first channel arrives, for the common "one-shot pwncat -l"
// invocation. This one-shot form is the only listener the CLI starts;
// the config file's listeners list is parsed but not started here.
func acceptOnce(t target) (channel.Channel, error) {
	spec := channel.Spec{
		Protocol:   channel.Protocol(t.Protocol),
		BindHost:   t.Host,
		BindPort:   t.Port,
		CountLimit: 1,
	}
	if t.Protocol == "ssl-bind" {
		if flagSSLCert == "" {
			return nil, fmt.Errorf("ssl-bind requires --ssl-cert")
		}
		tlsConf, err := channel.LoadServerTLSConfig(flagSSLCert, flagSSLKey)
		if err != nil {
			return nil, err
		}
		spec.TLSConfig = tlsConf
	}
	l, err := channel.Start(spec)
	if err != nil {
		return nil, err
	}
	defer l.Stop()

	<-l.NotifyCh()
	ch, err := l.TakePending(0)
	if err != nil {
		return nil, err
	}
	l.MarkEstablished()
	return ch, nil
}

func loadWindowsBootstrap(cfg config.Config) (*session.WindowsBootstrap, error) {
	pluginPath := cfg.PluginPath
	if pluginPath == "" {
		return nil, fmt.Errorf("windows platform requires plugin_path in config (stage-one/stage-two payloads)")
	}
	stageOne, err := os.ReadFile(pluginPath + "/stage-one.exe")
	if err != nil {
		return nil, fmt.Errorf("read stage one: %w", err)
	}
	stageTwo, err := os.ReadFile(pluginPath + "/stage-two.exe")
	if err != nil {
		return nil, fmt.Errorf("read stage two: %w", err)
	}
	return &session.WindowsBootstrap{
		StageOnePath: "C:\\Windows\\Temp\\pwncat-stage-one.exe",
		StageOne:     stageOne,
		StageTwo:     stageTwo,
	}, nil
}

func runList(st *store.Store) error {
	targets, err := st.List()
	if err != nil {
		return exitErr(exitFail, err)
	}
	if len(targets) == 0 {
		fmt.Println("no persisted targets")
		return nil
	}
	for _, t := range targets {
		fmt.Printf("%-20s %-8s %s:%d  last seen %s\n", t.HostID, t.Platform, t.LastAddress, t.LastPort, t.LastSeen.Format("2006-01-02 15:04:05"))
	}
	return nil
}

// runDownloadPlugins scans plugin_path for configured plugin sources;
// actually fetching a plugin database/GTFOBins content is out of scope
// (spec.md §1), so this only reports what is already present on disk.
func runDownloadPlugins(cfg config.Config) error {
	if cfg.PluginPath == "" {
		return exitErr(exitFail, fmt.Errorf("no plugin_path configured"))
	}
	entries, err := os.ReadDir(cfg.PluginPath)
	if err != nil {
		return exitErr(exitFail, fmt.Errorf("read plugin_path %s: %w", cfg.PluginPath, err))
	}
	fmt.Printf("%d plugin(s) present in %s\n", len(entries), cfg.PluginPath)
	for _, e := range entries {
		fmt.Println(" -", e.Name())
	}
	return nil
}

// commandLoop is the minimal COMMAND-mode stand-in for the out-of-scope
// REPL: "run <module> [key=value ...]", "list", "sessions", "use <id>",
// "raw" (enter RAW/interactive mode until the transition key), "exit".
func commandLoop(mgr *session.Manager, reg *module.Registry) error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("(pwncat) type 'help' for commands")
	for {
		fmt.Print("(pwncat) ")
		if !scanner.Scan() {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "exit", "quit":
			return nil
		case "help":
			fmt.Println("commands: run <module> [k=v ...], list, sessions, use <id>, raw, exit")
		case "list":
			for _, m := range reg.All() {
				fmt.Printf("  %s  platforms=%v\n", m.Name(), m.Platforms())
			}
		case "sessions":
			for _, s := range mgr.List() {
				fmt.Printf("  %d  %s  %s\n", s.ID, s.Platform.Kind(), s.HostID)
			}
		case "use":
			if len(fields) != 2 {
				fmt.Println("usage: use <id>")
				continue
			}
			id, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				fmt.Println("invalid session id:", fields[1])
				continue
			}
			if err := mgr.SetCurrent(id); err != nil {
				fmt.Println("error:", err)
			}
		case "raw":
			if err := mgr.InteractiveLoop(); err != nil {
				fmt.Println("raw mode ended:", err)
			}
		case "run":
			if len(fields) < 2 {
				fmt.Println("usage: run <module> [key=value ...]")
				continue
			}
			runModule(mgr, reg, fields[1], fields[2:])
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}

func runModule(mgr *session.Manager, reg *module.Registry, name string, kvArgs []string) {
	sess, err := mgr.Current()
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	raw := make(map[string]string, len(kvArgs))
	for _, kv := range kvArgs {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			fmt.Println("malformed argument (want key=value):", kv)
			return
		}
		raw[parts[0]] = parts[1]
	}
	results, err := reg.Run(sess, name, raw, func(status string) {
		fmt.Println("  ...", status)
	})
	if err != nil {
		fmt.Println("error:", err)
	}
	for _, r := range results {
		fmt.Printf("[%s] %s\n    %s\n", r.Category(), r.Title(), r.Description())
	}
}

func exitErr(code int, err error) error {
	fmt.Fprintln(os.Stderr, "pwncat:", err)
	os.Exit(code)
	return nil
}

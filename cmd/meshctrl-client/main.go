// Command meshctrl-client is a command-line client for MeshCentral file
// management.
//
// Password can be provided via:
//   - -pass flag (least secure, visible in process list)
//   - MESHCTRL_PASSWORD environment variable (recommended)
//   - stdin prompt (if neither flag nor env var is set)
//
// A login key (-loginkey) replaces the password entirely.
//
// Usage:
//
//	meshctrl-client -url wss://mesh.example.com -user admin [-node <id>] [command [args]]
//
// Without a command an interactive shell is started.
//
// Examples:
//
//	export MESHCTRL_PASSWORD='secret'
//	meshctrl-client -url wss://mesh.example.com -user admin groups
//	meshctrl-client -config meshctrl.yaml -node abc123 ls /tmp
//	meshctrl-client -config meshctrl.yaml -node abc123 upload ./report.pdf /tmp/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/smnsjas/go-meshctrl/client"
	mlog "github.com/smnsjas/go-meshctrl/internal/log"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	fs := flag.NewFlagSet("meshctrl-client", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML or TOML config file")
	serverURL := fs.String("url", "", "Server URL (wss://host[:port][/path])")
	username := fs.String("user", "", "Username for authentication")
	password := fs.String("pass", "", "Password (use MESHCTRL_PASSWORD env var instead)")
	token := fs.String("token", "", "Second-factor login token")
	domain := fs.String("domain", "", "MeshCentral domain")
	loginKey := fs.String("loginkey", "", "Login key file or hex string")
	proxy := fs.String("proxy", "", "HTTP proxy (host:port or URL)")
	insecure := fs.Bool("insecure", false, "Skip TLS certificate verification")
	timeout := fs.Duration("timeout", 0, "Command timeout (default 60s)")
	autoReconnect := fs.Bool("auto-reconnect", false, "Reconnect the control channel when it drops")
	chunkSize := fs.Int("chunk-size", 0, "Upload chunk size in bytes")
	window := fs.Int("window", 0, "Max unacknowledged upload chunks (0 = unbounded)")
	node := fs.String("node", "", "Device id for file commands")
	unique := fs.Bool("unique", false, "Open a dedicated tunnel per command")
	logLevel := fs.String("loglevel", "", "Log level: debug, info, warn, error (empty = no logging)")
	logFile := fs.String("logfile", "", "Write logs to a rotated file instead of stderr")
	logJSON := fs.Bool("logjson", false, "Log as JSON")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: meshctrl-client [flags] [command [args]]\n\nFlags:\n")
		fs.PrintDefaults()
		fmt.Fprintf(fs.Output(), "\n%s", commandHelp)
	}
	if err := fs.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg := client.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = client.LoadConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	// Flags given on the command line override the file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "url":
			cfg.URL = *serverURL
		case "user":
			cfg.Username = *username
		case "token":
			cfg.Token = *token
		case "domain":
			cfg.Domain = *domain
		case "loginkey":
			cfg.LoginKey = *loginKey
		case "proxy":
			cfg.Proxy = *proxy
		case "insecure":
			cfg.InsecureSkipVerify = *insecure
		case "timeout":
			cfg.CommandTimeout = *timeout
		case "auto-reconnect":
			cfg.AutoReconnect = *autoReconnect
		case "chunk-size":
			cfg.ChunkSize = *chunkSize
		case "window":
			cfg.MaxInFlightChunks = *window
		}
	})

	if cfg.LoginKey == "" && cfg.Password == "" {
		cfg.Password = getPassword(*password)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fs.Usage()
		return 1
	}

	logger, closer, err := mlog.New(mlog.Options{Level: *logLevel, JSON: *logJSON, File: *logFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closer.Close()
	cfg.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	session, err := client.Dial(dialCtx, cfg)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to %s: %v\n", cfg.URL, err)
		return 1
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = session.Close(closeCtx)
	}()

	r := &runner{session: session, node: *node, unique: *unique, out: os.Stdout}
	if fs.NArg() == 0 {
		if err := repl(ctx, r, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	if err := r.run(ctx, fs.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, commandHelp)
			return 2
		}
		return 1
	}
	return 0
}

// getPassword returns the password from flag, env var, or stdin prompt.
func getPassword(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("MESHCTRL_PASSWORD"); env != "" {
		return env
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return ""
	}
	fmt.Fprint(os.Stderr, "Password: ")
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading password: %v\n", err)
		return ""
	}
	return strings.TrimSpace(string(pass))
}

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/chronologos/rollnet/internal/auth"
	"github.com/chronologos/rollnet/internal/config"
	"github.com/chronologos/rollnet/internal/input"
	"github.com/chronologos/rollnet/internal/logging"
	"github.com/chronologos/rollnet/internal/machine"
	"github.com/chronologos/rollnet/internal/metrics"
	"github.com/chronologos/rollnet/internal/protocol"
	"github.com/chronologos/rollnet/internal/rollback"
	"github.com/chronologos/rollnet/internal/session"
	"github.com/chronologos/rollnet/internal/spectator"
	"github.com/chronologos/rollnet/internal/version"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: rollnet host [flags]")
	fmt.Fprintln(os.Stderr, "       rollnet join -k <passkey-hex> -p <port> [flags] [host]")
	fmt.Fprintln(os.Stderr, "       rollnet spectate -k <passkey-hex> -p <port> [flags] [host]")
	fmt.Fprintln(os.Stderr, "       rollnet version")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "run 'rollnet <command> -h' for the flags of a command")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "--version":
		fmt.Println(version.String())
	case "host":
		exitOn(runHost(os.Args[2:]))
	case "join":
		exitOn(runPeer(os.Args[2:], protocol.RoleClient))
	case "spectate":
		exitOn(runPeer(os.Args[2:], protocol.RoleSpectator))
	default:
		usage()
		os.Exit(1)
	}
}

func exitOn(err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "session exited: %v\n", err)
		os.Exit(1)
	}
}

// commonFlags are accepted by every session command. A flag that is set
// overrides the value from the config file.
type commonFlags struct {
	fs         *flag.FlagSet
	configPath *string
	passkey    *string
	port       *int
	logLevel   *string
	frames     *uint
	inputMode  *string
	seed       *uint64
	metrics    *string
}

func newCommonFlags(name string) *commonFlags {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	return &commonFlags{
		fs:         fs,
		configPath: fs.String("c", "", "TOML config file"),
		passkey:    fs.String("k", "", "hex-encoded passkey (64 hex characters)"),
		port:       fs.Int("p", 0, "UDP port (host: listen, 0 = random; join: dial)"),
		logLevel:   fs.String("log-level", "", "debug, info, warn or error"),
		frames:     fs.Uint("frames", 0, "stop once this many frames are confirmed (0 = run until interrupted)"),
		inputMode:  fs.String("input", "", "keyboard or random (default: keyboard on a terminal)"),
		seed:       fs.Uint64("seed", 1, "seed for random input"),
		metrics:    fs.String("metrics", "", "serve Prometheus metrics on this address"),
	}
}

// load reads the config file and applies every flag that was set.
func (f *commonFlags) load(args []string) config.Config {
	f.fs.Parse(args)
	cfg, err := config.Load(*f.configPath)
	if err != nil {
		fatalf("%v", err)
	}
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "k":
			cfg.Passkey = *f.passkey
		case "p":
			cfg.Session.Port = *f.port
		case "log-level":
			cfg.LogLevel = *f.logLevel
		case "frames":
			cfg.Session.Frames = uint32(*f.frames)
		case "metrics":
			cfg.Metrics.Enabled = true
			cfg.Metrics.ListenAddr = *f.metrics
		}
	})
	return cfg
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func runHost(args []string) error {
	f := newCommonFlags("host")
	players := f.fs.Int("players", 0, "number of players (1-8)")
	wsAddr := f.fs.String("ws", "", "serve WebSocket spectators on this address")
	cfg := f.load(args)
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "players":
			cfg.Session.Players = *players
		case "ws":
			cfg.Spectator.WebSocketAddr = *wsAddr
		}
	})
	if err := cfg.Validate(false); err != nil {
		fatalf("%v", err)
	}

	var passkey []byte
	var err error
	if cfg.Passkey == "" {
		if passkey, err = auth.GeneratePasskey(); err != nil {
			fatalf("generate passkey: %v", err)
		}
	} else if passkey, err = auth.ParsePasskey(cfg.Passkey); err != nil {
		fatalf("%v", err)
	}

	log := newLogger(cfg)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scfg := sessionConfig(cfg, passkey, log)
	scfg.Players = cfg.Session.Players
	scfg.Metrics = serveMetrics(ctx, cfg, log)
	src, closeInput := openInput(f, cancel, log)
	defer closeInput()
	scfg.Input = src

	if cfg.Spectator.WebSocketAddr != "" {
		scfg.WebSocket = spectator.NewHandler(passkey, log)
		mux := http.NewServeMux()
		mux.Handle("/spectate", scfg.WebSocket)
		serve(ctx, cfg.Spectator.WebSocketAddr, mux, log)
	}

	h, err := session.NewHost(scfg)
	if err != nil {
		return err
	}

	// Print port and passkey once the listener is ready (for scripts and
	// the other players).
	go func() {
		<-h.Ready
		fmt.Printf("port %d\npasskey %s\n", h.Port, hex.EncodeToString(passkey))
	}()

	return h.Run(ctx)
}

func runPeer(args []string, role protocol.Role) error {
	f := newCommonFlags(role.String())
	cfg := f.load(args)
	if err := cfg.Validate(true); err != nil {
		fatalf("%v", err)
	}
	if cfg.Session.Port == 0 {
		fatalf("-p <port> is required")
	}
	passkey, err := auth.ParsePasskey(cfg.Passkey)
	if err != nil {
		fatalf("%v", err)
	}

	log := newLogger(cfg)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scfg := sessionConfig(cfg, passkey, log)
	scfg.Addr = "127.0.0.1"
	if f.fs.NArg() > 0 {
		scfg.Addr = f.fs.Arg(0)
	}
	scfg.Metrics = serveMetrics(ctx, cfg, log)
	if role == protocol.RoleClient {
		src, closeInput := openInput(f, cancel, log)
		defer closeInput()
		scfg.Input = src
	}

	p, err := session.NewPeer(scfg, role)
	if err != nil {
		return err
	}
	return p.Run(ctx)
}

func newLogger(cfg config.Config) *zap.Logger {
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fatalf("%v", err)
	}
	return log
}

func sessionConfig(cfg config.Config, passkey []byte, log *zap.Logger) session.Config {
	memory := cfg.Session.Memory
	return session.Config{
		Port:          cfg.Session.Port,
		Passkey:       passkey,
		NewCore:       func(players int) rollback.Core { return machine.New(players, memory) },
		Capacity:      cfg.Rollback.Capacity,
		StallFrames:   cfg.Rollback.StallFrames,
		CheckFrames:   cfg.Rollback.CheckFrames,
		HealthResyncs: cfg.Health.Resyncs,
		HealthWindow:  cfg.Health.Window,
		TickInterval:  cfg.TickInterval(),
		MaxSpectators: cfg.Spectator.Max,
		Frames:        cfg.Session.Frames,
		Logger:        log,
	}
}

// openInput returns the local input source and a function that releases
// it. The keyboard holds the terminal in raw mode, so Ctrl-C arrives as a
// key rather than a signal; its quit keys call quit.
func openInput(f *commonFlags, quit context.CancelFunc, log *zap.Logger) (input.Source, func()) {
	mode := *f.inputMode
	if mode == "" {
		mode = "random"
		if term.IsTerminal(int(os.Stdin.Fd())) {
			mode = "keyboard"
		}
	}
	switch mode {
	case "random":
		return input.Random(*f.seed, 8), func() {}
	case "keyboard":
		kb, err := input.OpenKeyboard(os.Stdin)
		if err != nil {
			fatalf("%v", err)
		}
		go func() {
			<-kb.Quit()
			quit()
		}()
		log.Info("reading keyboard: arrows or WASD move, space fires, ~. or Ctrl-C quits")
		return kb, func() { kb.Close() }
	}
	fatalf("unknown input mode %q", mode)
	return nil, nil
}

// serveMetrics starts the Prometheus endpoint when enabled.
func serveMetrics(ctx context.Context, cfg config.Config, log *zap.Logger) *metrics.Metrics {
	if !cfg.Metrics.Enabled {
		return nil
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	serve(ctx, cfg.Metrics.ListenAddr, mux, log)
	return m
}

// serve runs an HTTP server until ctx ends.
func serve(ctx context.Context, addr string, h http.Handler, log *zap.Logger) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Info("serving http", zap.String("addr", addr))
}

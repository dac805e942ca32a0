// Package main is the entry point for the ksid event runtime daemon.
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/ksi-run/ksid/internal/buildinfo"
	"github.com/ksi-run/ksid/internal/completion"
	"github.com/ksi-run/ksid/internal/config"
	"github.com/ksi-run/ksid/internal/httpkit"
	"github.com/ksi-run/ksid/internal/kevent"
	"github.com/ksi-run/ksid/internal/modelrouter"
	"github.com/ksi-run/ksid/internal/monitor"
	"github.com/ksi-run/ksid/internal/originator"
	"github.com/ksi-run/ksid/internal/pattern"
	"github.com/ksi-run/ksid/internal/runtime"
	"github.com/ksi-run/ksid/internal/scheduler"
	"github.com/ksi-run/ksid/internal/store"
	"github.com/ksi-run/ksid/internal/transformer"
	"github.com/ksi-run/ksid/internal/transport"
)

// Exit codes: 0 ok, 1 generic failure, 2 misconfiguration, 3 socket conflict.
const (
	exitOK             = 0
	exitGeneric        = 1
	exitMisconfig      = 2
	exitSocketConflict = 3
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := newBootstrapLogger()

	if flag.NArg() == 0 {
		printUsage()
		return
	}

	switch flag.Arg(0) {
	case "serve":
		runServe(logger, *configPath)
	case "discover":
		runClientCommand(logger, *configPath, "system:discover", nil, printDiscover)
	case "stats":
		runClientCommand(logger, *configPath, "monitor:get_events", map[string]any{"limit": 50}, printStats)
	case "reload-routes":
		runClientCommand(logger, *configPath, "system:reload_routes", nil, printGeneric)
	case "version":
		fmt.Println(buildinfo.Summary())
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		os.Exit(exitGeneric)
	}
}

func newBootstrapLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func printUsage() {
	fmt.Println("ksid - KSI event runtime daemon")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve          Start the daemon")
	fmt.Println("  discover       Inspect a running daemon's handler/rule inventory")
	fmt.Println("  stats          Summarize recent event traffic")
	fmt.Println("  reload-routes  Reload persistent/system routing rules from disk")
	fmt.Println("  version        Show build info")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

// runServe loads config, wires every runtime component, and blocks
// until SIGINT/SIGTERM.
func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting ksid", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(exitMisconfig)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(exitMisconfig)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(exitMisconfig)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}
	logger.Info("config loaded", "path", cfgPath, "socket", cfg.Transport.SocketPath, "data_dir", cfg.DataDir)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", "path", cfg.DataDir, "error", err)
		os.Exit(exitMisconfig)
	}

	st, err := store.Open(cfg.DataDir + "/ksid.db")
	if err != nil {
		logger.Error("failed to open state store", "error", err)
		os.Exit(exitGeneric)
	}
	defer st.Close()
	logger.Info("state store opened", "path", cfg.DataDir+"/ksid.db")

	sched := scheduler.New(logger)
	sched.Start()
	defer sched.Stop()

	idx := pattern.New()
	engine := transformer.New()
	bus := monitor.New()

	if err := loadInitialRules(engine, st, cfg, sched, logger); err != nil {
		logger.Error("failed to load routing rules", "error", err)
		os.Exit(exitMisconfig)
	}

	// origins needs to emit error:originator_overflow back through the
	// router, but the router needs origins to construct. router is
	// captured by the closure and assigned right after.
	var router *runtime.Router
	origins := originator.New(originator.Config{
		GracePeriod:            time.Duration(cfg.Originator.GracePeriodSec) * time.Second,
		OverflowReportInterval: time.Duration(cfg.Originator.OverflowReportIntervalSec) * time.Second,
	}, func(e kevent.Event) {
		if router != nil {
			router.EmitDerived(e, runtime.PriorityNormal)
		}
	})

	router = runtime.New(runtime.Config{
		HighLaneCapacity:    cfg.Router.HighLaneCapacity,
		NormalLaneCapacity:  cfg.Router.NormalLaneCapacity,
		LowLaneCapacity:     cfg.Router.LowLaneCapacity,
		BackpressureTimeout: time.Duration(cfg.Router.BackpressureTimeoutMs) * time.Millisecond,
		HandlerTimeout:      time.Duration(cfg.Router.HandlerTimeoutMs) * time.Millisecond,
		MaxDepth:            cfg.Router.MaxDepth,
		ShutdownGrace:       time.Duration(cfg.Router.ShutdownGraceMs) * time.Millisecond,
		LogFlushEvents:      cfg.Monitor.LogFlushEvents,
		LogFlushInterval:    time.Duration(cfg.Monitor.LogFlushIntervalMs) * time.Millisecond,
	}, idx, engine, origins, bus, st, logger)
	router.Start()

	modelRouter := buildModelRouter(cfg, logger)
	caller := buildCaller(cfg)
	compManager := completion.New(completion.Config{
		CallTimeout:             time.Duration(cfg.Completion.CallTimeoutSec) * time.Second,
		MaxRetries:              cfg.Completion.MaxRetries,
		RetryBaseDelay:          time.Duration(cfg.Completion.RetryBaseDelayMs) * time.Millisecond,
		CircuitFailureThreshold: cfg.Completion.CircuitFailureThreshold,
		CircuitWindow:           time.Duration(cfg.Completion.CircuitWindowSec) * time.Second,
		CircuitCooldown:         time.Duration(cfg.Completion.CircuitCooldownSec) * time.Second,
	}, caller, modelRouter, st, completionEmitter(router), logger)

	builtins := runtime.NewBuiltins(router, engine, st, sched, compManager, origins)
	builtins.SetRoutesDirs(cfg.Routes.PersistentDir, cfg.Routes.SystemDir)
	builtins.Install()

	var wsServer *http.Server
	if cfg.Monitor.WSAddr != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.Monitor.WSPath, monitor.StreamHandler(bus, logger))
		wsServer = &http.Server{Addr: cfg.Monitor.WSAddr, Handler: mux}
		go func() {
			logger.Info("monitor websocket stream listening", "addr", cfg.Monitor.WSAddr, "path", cfg.Monitor.WSPath)
			if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("monitor websocket server failed", "error", err)
			}
		}()
	}

	srv := transport.New(transport.Config{
		SocketPath:   cfg.Transport.SocketPath,
		MaxFrameSize: cfg.Transport.MaxFrameBytes,
	}, router, origins, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		srv.Close()
		if wsServer != nil {
			_ = wsServer.Shutdown(context.Background())
		}
		router.Shutdown()
	}()

	logger.Info("transport listening", "socket", cfg.Transport.SocketPath)
	if err := srv.Serve(); err != nil && ctx.Err() == nil {
		logger.Error("transport server failed", "error", err)
		if isAddrInUse(err) {
			os.Exit(exitSocketConflict)
		}
		os.Exit(exitGeneric)
	}

	logger.Info("ksid stopped")
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) || errors.Is(err, os.ErrExist)
}

func loadInitialRules(engine *transformer.Engine, st *store.Store, cfg *config.Config, sched *scheduler.Scheduler, logger *slog.Logger) error {
	for dir, class := range map[string]store.PersistenceClass{
		cfg.Routes.SystemDir:     store.PersistenceSystem,
		cfg.Routes.PersistentDir: store.PersistencePersistent,
	} {
		recs, err := store.LoadRuleFiles(dir, class)
		if err != nil {
			return fmt.Errorf("load %s rules from %s: %w", class, dir, err)
		}
		for _, rec := range recs {
			if err := engine.Register(rec); err != nil {
				return fmt.Errorf("register rule %s: %w", rec.RuleID, err)
			}
		}
		logger.Info("routing rules loaded", "class", class, "dir", dir, "count", len(recs))
	}

	ephemeral, err := st.ListEphemeralRules()
	if err != nil {
		return fmt.Errorf("list ephemeral rules: %w", err)
	}
	restored := 0
	for _, rec := range ephemeral {
		if err := engine.Register(rec); err != nil {
			logger.Warn("skipping unrestorable ephemeral rule", "rule_id", rec.RuleID, "error", err)
			continue
		}
		if rec.TTLSeconds > 0 {
			deadline := time.Now().Add(time.Duration(rec.TTLSeconds) * time.Second)
			sched.ScheduleOnce("rule:"+rec.RuleID, deadline, func(id string) func() {
				return func() {
					engine.Unregister(id)
					_ = st.DeleteEphemeralRule(id)
				}
			}(rec.RuleID))
		}
		restored++
	}
	logger.Info("ephemeral rules restored", "count", restored)
	return nil
}

func buildModelRouter(cfg *config.Config, logger *slog.Logger) *modelrouter.Router {
	providers := make([]modelrouter.Provider, 0, len(cfg.Providers.Available))
	for _, p := range cfg.Providers.Available {
		providers = append(providers, modelrouter.Provider{
			Name:          p.Name,
			Model:         p.Model,
			SupportsTools: p.SupportsTools,
			ContextWindow: p.ContextWindow,
			Speed:         p.Speed,
			Quality:       p.Quality,
			CostTier:      p.CostTier,
			MinComplexity: modelrouter.ParseComplexity(p.MinComplexity),
		})
	}
	return modelrouter.New(logger, modelrouter.Config{
		Providers:   providers,
		DefaultName: cfg.Providers.Default,
	})
}

func buildCaller(cfg *config.Config) completion.Caller {
	endpoints := make(map[string]string, len(cfg.Providers.Available))
	for _, p := range cfg.Providers.Available {
		if p.Endpoint != "" {
			endpoints[p.Name] = p.Endpoint
		}
	}
	return completion.NewHTTPCaller(endpoints,
		httpkit.WithUserAgent(buildinfo.UserAgent()),
		httpkit.WithRetry(0, 0), // completion.Manager owns its own retry loop
	)
}

// completionEmitter turns a settled completion.ResultEvent into a
// completion:result (or error:*) event on the router, scoped to the
// agent that requested it. Requests carry no parent context today
// (the completion queue is reached only via completion:async/inject,
// which don't thread one through), so results start a fresh chain
// tagged with the agent id.
func completionEmitter(router *runtime.Router) completion.EmitFunc {
	return func(res completion.ResultEvent) {
		name := "completion:result"
		data := map[string]any{"request_id": res.RequestID, "agent_id": res.AgentID, "success": res.Success}
		if res.Success {
			data["data"] = res.Data
		} else {
			name = res.ErrorKind
			data["error"] = res.ErrorMsg
		}
		router.EmitAsync(name, data, nil, "completion", runtime.PriorityHigh)
	}
}

// --- client commands (discover/stats/reload-routes) ---

type clientFrame struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

type clientResponse struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

func runClientCommand(logger *slog.Logger, configPath, event string, data map[string]any, print func(clientResponse)) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(exitMisconfig)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(exitMisconfig)
	}

	conn, err := net.DialTimeout("unix", cfg.Transport.SocketPath, 5*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to %s: %v\n", cfg.Transport.SocketPath, err)
		os.Exit(exitGeneric)
	}
	defer conn.Close()

	body, err := json.Marshal(clientFrame{Event: event, Data: data})
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode request: %v\n", err)
		os.Exit(exitGeneric)
	}
	if err := writeClientFrame(conn, body); err != nil {
		fmt.Fprintf(os.Stderr, "send request: %v\n", err)
		os.Exit(exitGeneric)
	}

	reader := bufio.NewReader(conn)
	respBody, err := readClientFrame(reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read response: %v\n", err)
		os.Exit(exitGeneric)
	}
	var resp clientResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
		os.Exit(exitGeneric)
	}
	print(resp)
}

func writeClientFrame(w interface{ Write([]byte) (int, error) }, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func readClientFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := readFullInto(r, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, size)
	if _, err := readFullInto(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func readFullInto(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func isTTY() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}

func printDiscover(resp clientResponse) {
	if !isTTY() {
		printGeneric(resp)
		return
	}
	fmt.Printf("rules:            %v\n", resp.Data["rule_count"])
	fmt.Printf("queues:           %v\n", resp.Data["queue_count"])
	fmt.Printf("completion depth: %v\n", resp.Data["completion_depth"])
}

func printStats(resp clientResponse) {
	events, _ := resp.Data["events"].([]any)
	if !isTTY() {
		printGeneric(resp)
		return
	}
	fmt.Printf("%d recent events\n", len(events))
	for _, ev := range events {
		if m, ok := ev.(map[string]any); ok {
			fmt.Printf("  %-30s %v\n", m["name"], m["ts"])
		}
	}
}

func printGeneric(resp clientResponse) {
	out, _ := json.MarshalIndent(resp, "", "  ")
	fmt.Println(string(out))
}

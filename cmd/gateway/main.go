// Package main is the entry point for the session-streaming gateway
// service (spec.md §1). Wiring style follows the teacher's
// cmd/orchestrator/main.go: numbered setup steps, fail-fast on startup
// errors via log.Fatal, graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/streamgate/agentgw/internal/api"
	"github.com/streamgate/agentgw/internal/approval"
	"github.com/streamgate/agentgw/internal/artifact"
	"github.com/streamgate/agentgw/internal/common/config"
	"github.com/streamgate/agentgw/internal/common/httpmw"
	"github.com/streamgate/agentgw/internal/common/logger"
	"github.com/streamgate/agentgw/internal/common/tracing"
	"github.com/streamgate/agentgw/internal/eventbus"
	"github.com/streamgate/agentgw/internal/gateway"
	"github.com/streamgate/agentgw/internal/preferences"
	"github.com/streamgate/agentgw/internal/runtime"
	"github.com/streamgate/agentgw/internal/session"
	"github.com/streamgate/agentgw/internal/sessionindex"
	"github.com/streamgate/agentgw/internal/transcript"
)

func main() {
	// 1. Load configuration.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger.
	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)
	log.Info("starting agentgw gateway")

	// 3. Root context, cancelled on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Tracing (no-op unless OTEL_EXPORTER_OTLP_ENDPOINT is set).
	shutdownTracing, err := tracing.Configure(ctx, "agentgw")
	if err != nil {
		log.Fatal("failed to configure tracing", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// 5. Event bus: NATS if configured, else an in-process bus.
	var bus eventbus.Bus
	if cfg.NATS.URL != "" {
		bus, err = eventbus.NewNATSBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		log.Info("connected to NATS event bus")
	} else {
		bus = eventbus.NewMemoryBus(log)
		log.Info("using in-process event bus")
	}
	defer bus.Close()

	// 6. State directories.
	stateRoot := cfg.StateRoot
	if stateRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatal("failed to resolve state root", zap.Error(err))
		}
		stateRoot = filepath.Join(home, ".agentgw")
	}
	if err := os.MkdirAll(stateRoot, 0o755); err != nil {
		log.Fatal("failed to create state root", zap.Error(err))
	}

	// 7. Domain components (spec.md §4.A-C, §4.G).
	transcriptStore := transcript.New(stateRoot, log)
	ledger := artifact.New(log)
	broker := approval.New(log)
	prefs, err := preferences.New(stateRoot)
	if err != nil {
		log.Fatal("failed to load preferences", zap.Error(err))
	}

	// 8. Session index (supplemented component, rebuilt from disk if empty).
	idx, err := sessionindex.Open(filepath.Join(stateRoot, "sessions.db"))
	if err != nil {
		log.Fatal("failed to open session index", zap.Error(err))
	}
	defer func() { _ = idx.Close() }()
	if rows, err := idx.History(sessionindex.Query{Limit: 1}); err == nil && len(rows) == 0 {
		if err := sessionindex.Rebuild(idx, transcriptStore); err != nil {
			log.Warn("session index rebuild failed", zap.Error(err))
		}
	}
	if _, err := sessionindex.Subscribe(bus, idx); err != nil {
		log.Fatal("failed to subscribe session index to event bus", zap.Error(err))
	}

	// 9. Runtime collaborator (spec.md §6.5): out of scope, injected by
	// the deployment. runtimeCollaborator() returns an error-returning
	// stand-in so this binary stays buildable and runnable standalone.
	rt := runtimeCollaborator()

	// 10. Session manager + gateway hub wired together; the hub needs the
	// manager as its FrameSink target and vice versa, so the manager is
	// constructed with the hub passed in after the hub exists.
	localToken, err := loadOrCreateLocalToken(filepath.Join(stateRoot, cfg.Auth.TokenFile))
	if err != nil {
		log.Fatal("failed to load local auth token", zap.Error(err))
	}

	manager := session.New(rt, transcriptStore, ledger, broker, bus, nil, log)
	hub := gateway.NewHub(manager, broker, func(token string) bool { return token == localToken },
		cfg.Streaming.OutboundQueueDepth, cfg.Streaming.HardCapMultiplier, log)
	manager.SetSink(hub)

	// 11. REST + WebSocket router.
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "gateway"))
	router.Use(httpmw.OtelTracing("gateway"))
	router.GET("/ws", func(c *gin.Context) { hub.ServeHTTP(c.Writer, c.Request) })
	api.New(manager, transcriptStore, ledger, prefs, idx, localToken, log).RegisterRoutes(router)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadIdleTimeout(),
		WriteTimeout: 0, // streaming connections are long-lived
	}

	go func() {
		log.Info("listening", zap.String("addr", cfg.Server.Addr))
		var err error
		if cfg.Server.TLSCertFile != "" {
			err = server.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatal("server exited unexpectedly", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown error", zap.Error(err))
	}
}

func loadOrCreateLocalToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return string(data), nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}
	token, err := newLocalToken()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return "", err
	}
	return token, nil
}

func newLocalToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate local token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// noopRuntime is the compile-time stand-in for the agent runtime
// collaborator (spec.md §6.5), which is an external black box this
// module never implements. A real deployment supplies its own
// runtime.Runtime (built against the runtime's actual transport) in
// place of this value; every call here fails loudly rather than
// pretending to do work.
type noopRuntime struct{}

func runtimeCollaborator() runtime.Runtime {
	return noopRuntime{}
}

func (noopRuntime) Prepare(ctx context.Context, bundle string, behaviors []string, providerOverride *string) (*runtime.MountPlan, error) {
	return nil, fmt.Errorf("no runtime collaborator configured: cannot resolve bundle %q", bundle)
}

func (noopRuntime) CreateSession(ctx context.Context, plan *runtime.MountPlan, sink runtime.EventSink, display runtime.DisplaySink, approvalSink runtime.ApprovalSink, cwd string, seeds []runtime.TranscriptSeed) (runtime.SessionHandle, error) {
	return nil, fmt.Errorf("no runtime collaborator configured")
}

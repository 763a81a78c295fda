// lzy-hostd is the privileged host process.
//
// It serves the capability surface over a unix socket:
// - GET /ipc: correlated call channel (websocket)
// - /scheme/<scheme>/...: intercepted scheme requests
// - GET /health
//
// Prometheus metrics are served on LZY_METRICS_ADDR when set.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lzy19926/lzy-code-editor/internal/auth"
	"github.com/lzy19926/lzy-code-editor/internal/capability"
	"github.com/lzy19926/lzy-code-editor/internal/config"
	"github.com/lzy19926/lzy-code-editor/internal/events"
	"github.com/lzy19926/lzy-code-editor/internal/fileservice"
	"github.com/lzy19926/lzy-code-editor/internal/hostapi"
	"github.com/lzy19926/lzy-code-editor/internal/ipc"
	"github.com/lzy19926/lzy-code-editor/internal/lockutil"
	"github.com/lzy19926/lzy-code-editor/internal/logging"
	"github.com/lzy19926/lzy-code-editor/internal/metrics"
	"github.com/lzy19926/lzy-code-editor/internal/scheme"
	"github.com/lzy19926/lzy-code-editor/internal/terminal"
	"github.com/lzy19926/lzy-code-editor/internal/watcher"
	"github.com/lzy19926/lzy-code-editor/pkg/protocol"
)

const tokenTTL = 24 * time.Hour

func main() {
	cfg, err := config.LoadHost()
	if err != nil {
		// Can't use structured logging yet
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	socket := flag.String("socket", cfg.SocketPath, "Unix socket to listen on")
	workspace := flag.String("workspace", cfg.Workspace, "Folder opened without prompting")
	logLevel := flag.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Println(hostapi.Version)
		return
	}
	cfg.SocketPath = *socket
	cfg.LogLevel = *logLevel
	if *workspace != "" {
		cfg.Workspace = *workspace
		cfg.Picker = "fixed"
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "logging init error: %v\n", err)
		os.Exit(2)
	}
	defer logging.Sync()

	if err := run(cfg); err != nil {
		logging.Error("host stopped", zap.Error(err))
		logging.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Host) error {
	logging.Info("lzy-hostd starting...",
		zap.String("version", hostapi.Version),
		zap.String("socket", cfg.SocketPath),
		zap.String("scheme", cfg.Scheme),
		zap.String("metrics", cfg.MetricsAddr))

	if err := os.MkdirAll(cfg.RuntimeDir, 0700); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}
	lock, err := lockutil.Acquire(cfg.LockPath())
	if err != nil {
		if errors.Is(err, lockutil.ErrLocked) {
			return fmt.Errorf("another host is running (%s)", cfg.LockPath())
		}
		return err
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Capabilities
	var picker fileservice.Picker = fileservice.PromptPicker{Start: cfg.Workspace}
	if cfg.Picker == "fixed" {
		picker = fileservice.FixedPicker{Dir: cfg.Workspace}
	}
	files := fileservice.New(fileservice.Options{
		AllowedRoots: cfg.AllowedRoots,
		Picker:       picker,
		Ignore:       cfg.TreeIgnore,
		MaxDepth:     cfg.TreeMaxDepth,
	})
	terminals := terminal.NewManager(cfg.Shell, cfg.Workspace)

	registry := capability.NewRegistry()
	api := &hostapi.API{Files: files, Terminals: terminals}
	if err := api.Register(registry); err != nil {
		return fmt.Errorf("register capabilities: %w", err)
	}
	registry.Seal()
	logging.Info("capabilities registered", zap.Strings("ops", registry.Names()))

	broadcaster := events.NewBroadcaster()

	// File watching publishes fileChanged to every connection.
	var w *watcher.Watcher
	if cfg.Watch {
		w, err = watcher.New(watcher.Options{
			Ignore: cfg.TreeIgnore,
			Suppress: func(p string) bool {
				return files.WroteRecently(p) || fileservice.IsTempFile(p)
			},
			OnEvent: func(ev protocol.FileChangedEvent) {
				if err := broadcaster.PublishJSON(protocol.ChannelFileChanged, ev); err != nil {
					logging.Warn("publish file change", zap.Error(err))
				}
			},
		})
		if err != nil {
			return fmt.Errorf("create watcher: %w", err)
		}
		files.OnPick = func(dir string) {
			if err := w.Add(dir); err != nil {
				logging.Warn("watch picked folder", zap.String("dir", dir), zap.Error(err))
			}
		}
		if cfg.Workspace != "" {
			if err := w.Add(cfg.Workspace); err != nil {
				logging.Warn("watch workspace", zap.String("dir", cfg.Workspace), zap.Error(err))
			}
		}
	}

	// Intercepted scheme: declared before the host is ready, registered after.
	registrar := scheme.NewRegistrar()
	if err := registrar.DeclarePrivileged(cfg.Scheme, scheme.Privileges{
		Standard:        true,
		Secure:          true,
		BypassCSP:       true,
		SupportFetchAPI: true,
	}); err != nil {
		return fmt.Errorf("declare scheme: %w", err)
	}

	// Session token
	var authHandler *auth.Auth
	if cfg.Auth {
		authHandler, err = auth.New(ulid.Make().String())
		if err != nil {
			return err
		}
		if err := authHandler.WriteTokenFile(cfg.TokenPath(), tokenTTL); err != nil {
			return fmt.Errorf("write session token: %w", err)
		}
		defer os.Remove(cfg.TokenPath())
		logging.Info("session token written", zap.String("path", cfg.TokenPath()))
	} else {
		logging.Warn("session token authentication disabled")
	}
	protect := func(h http.Handler) http.Handler {
		if authHandler == nil {
			return h
		}
		return authHandler.Middleware(h)
	}

	ipcServer := ipc.NewServer(registry, broadcaster)

	mux := newMux(ipcServer, registrar, protect)

	ln, err := listenUnix(cfg.SocketPath)
	if err != nil {
		return err
	}
	defer os.Remove(cfg.SocketPath)

	httpServer := &http.Server{
		Handler:           logging.Middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	registrar.MarkReady()
	if !registrar.Install(scheme.NewAPIRouter(cfg.Scheme, registry, cfg.DefaultContentPath)) {
		logging.Warn("intercepted scheme unavailable", zap.String("scheme", cfg.Scheme))
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info("host listening", zap.String("socket", cfg.SocketPath))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return metricsServer.Close()
		})
	}

	if w != nil {
		g.Go(func() error {
			return w.Run(ctx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logging.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		ipcServer.Close()
		if err := terminals.CloseAll(shutdownCtx); err != nil {
			logging.Warn("close terminals", zap.Error(err))
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Info("host stopped")
	return nil
}

// newMux routes the host socket. protect wraps the endpoints that need a
// session token.
func newMux(ipcServer, registrar http.Handler, protect func(http.Handler) http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /ipc", protect(ipcServer))
	mux.Handle(scheme.PathPrefix, protect(registrar))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	return mux
}

// listenUnix listens on path, replacing a stale socket left by a crashed
// host. The caller must hold the instance lock.
func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

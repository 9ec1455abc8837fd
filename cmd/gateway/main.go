// Command gateway is the entry point for the lm-gateway process.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/lm-gateway/lm-gateway/internal/config"
	"github.com/lm-gateway/lm-gateway/internal/server"
	"github.com/lm-gateway/lm-gateway/internal/state"
)

const defaultConfigPath = "/etc/lm-gateway/config.toml"

func main() {
	configPath := os.Getenv("LMG_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	if healthcheckRequested() {
		os.Exit(runHealthcheck(configPath))
	}

	logger := newLogger()
	defer logger.Sync()

	snap, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	st := state.New(snap, configPath)
	srv := server.New(st, logger)

	watchConfig(st, configPath, logger)

	clientServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", snap.Gateway.ClientPort),
		Handler: srv.ClientHandler(),
	}
	adminServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", snap.Gateway.AdminPort),
		Handler: srv.AdminHandler(),
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("client server listening", zap.String("addr", clientServer.Addr))
		errCh <- clientServer.ListenAndServe()
	}()
	go func() {
		logger.Info("admin server listening", zap.String("addr", adminServer.Addr))
		errCh <- adminServer.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = clientServer.Shutdown(shutdownCtx)
	_ = adminServer.Shutdown(shutdownCtx)
}

func newLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	if lvl := os.Getenv("LMG_LOG_LEVEL"); lvl != "" {
		if parsed, err := zap.ParseAtomicLevel(lvl); err == nil {
			cfg.Level = parsed
		}
	}
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}

// watchConfig layers an fsnotify watcher on top of the explicit
// /admin/reload endpoint: editing the config file on disk reloads it too,
// without requiring an operator to hit the admin API.
func watchConfig(st *state.State, configPath string, logger *zap.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("config watcher disabled", zap.Error(err))
		return
	}

	dir := filepath.Dir(configPath)
	if err := watcher.Add(dir); err != nil {
		logger.Warn("config watcher disabled", zap.Error(err))
		watcher.Close()
		return
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(configPath) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				snap, err := config.Load(configPath)
				if err != nil {
					logger.Warn("config reload from watcher failed", zap.Error(err))
					continue
				}
				st.ReplaceConfig(snap)
				logger.Info("config reloaded from file watcher")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", zap.Error(err))
			}
		}
	}()
}

func healthcheckRequested() bool {
	for _, arg := range os.Args[1:] {
		if arg == "--healthcheck" {
			return true
		}
	}
	return false
}

// runHealthcheck performs an HTTP GET against the local /healthz endpoint
// and returns the process exit code: 0 on 200, 1 otherwise.
func runHealthcheck(configPath string) int {
	snap, err := config.Load(configPath)
	if err != nil {
		return 1
	}
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", snap.Gateway.ClientPort))
	if err != nil {
		return 1
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode == http.StatusOK {
		return 0
	}
	return 1
}

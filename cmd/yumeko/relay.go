package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/yumeko-ai/yumeko/internal/relay"
	"github.com/yumeko-ai/yumeko/internal/storage"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the public relay server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRelay()
	},
}

func runRelay() error {
	fmt.Fprintf(os.Stderr, "yumeko relay version %s\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	initLogging(cfg)

	token, err := cfg.Token()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening task storage: %w", err)
	}
	defer store.Close()

	dispatcher := relay.NewDispatcher(parseDurationOr(cfg.Relay.TaskTimeout, 120*time.Second), store)
	hub := relay.NewHub(token, dispatcher)
	handler := relay.NewAppHandler(relay.AppDeps{
		Dispatcher: dispatcher,
		Hub:        hub,
		Token:      token,
		Tasks:      store,
		Stream:     cfg.Stream.Enabled,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Relay.Host, cfg.Relay.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Relay.MaxClients > 0 {
		ln = netutil.LimitListener(ln, cfg.Relay.MaxClients)
	}

	srv := &http.Server{
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "yumeko relay listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// parseDurationOr parses a config duration string, falling back to def
// on empty or malformed input.
func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		printWarning("invalid duration %q, using %s", s, def)
		return def
	}
	return d
}

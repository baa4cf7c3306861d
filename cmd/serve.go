package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mercatus/mercsync/internal/config"
	"github.com/mercatus/mercsync/internal/engine"
	"github.com/mercatus/mercsync/internal/erpclient"
	"github.com/mercatus/mercsync/internal/gateway"
	"github.com/mercatus/mercsync/internal/netwatch"
	"github.com/mercatus/mercsync/internal/notify"
	"github.com/mercatus/mercsync/internal/store"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync agent (engine, gateway, notifier)",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	dir := getBaseDir()
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}

	st, err := openStore(dir)
	if err != nil {
		return err
	}
	defer st.Close()

	client := erpclient.New(cfg.ServerURL, config.Token(dir))

	watcher := netwatch.New(cfg.Netwatch.Interval, cfg.Netwatch.FlapThreshold, client.Health)
	hub := notify.NewHub()
	defer hub.Close()

	eng := engine.New(st, client, engine.Config{
		Interval:   cfg.Sync.Interval,
		MaxRetries: cfg.Sync.MaxRetries,
	}, hub, watcher.Online)
	watcher.OnOnline = eng.Wake

	cache, err := gateway.OpenCache(dir, cfg.Cache.Version)
	if err != nil {
		return err
	}
	defer cache.Close()

	gw, err := gateway.New(gateway.Config{
		ListenAddr: cfg.ListenAddr,
		Upstream:   cfg.ServerURL,
		APIMarker:  cfg.Cache.APIMarker,
		Precache:   cfg.Cache.Precache,
	}, cache)
	if err != nil {
		return err
	}
	gw.HandleLocal("/_mercsync/ws", http.HandlerFunc(hub.ServeWS))
	gw.HandleLocal("/_mercsync/status", statusHandler(st, eng, watcher))

	// Server-pushed updates wake the engine and fan out locally.
	stream := notify.NewStream(cfg.ServerURL, cfg.Stream.Path, config.Token(dir), func(ev notify.Event) {
		hub.Publish(ev)
		if ev.Type == notify.TypeDataUpdated {
			eng.Wake()
		}
	})
	stream.MinBackoff = cfg.Stream.MinBackoff
	stream.MaxBackoff = cfg.Stream.MaxBackoff

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gw.Start(); err != nil {
		return err
	}

	go watcher.Run(ctx)
	go stream.Run(ctx)
	go eng.Run(ctx)

	// First cycle right away rather than waiting an interval.
	eng.Wake()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return gw.Shutdown(shutdownCtx)
}

// openStore opens the SQLite store, degrading to a memory-only store when
// local storage is unavailable so the agent still relays data. A missing
// store (never initialized) is still a hard error.
func openStore(dir string) (store.Store, error) {
	st, err := store.Open(dir)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, store.ErrStorageUnavailable) {
		return nil, err
	}
	slog.Warn("local store unavailable, continuing memory-only", "err", err)
	return store.NewMemory(), nil
}

// statusHandler reports agent state for local clients (the UI's offline
// indicator and pending-changes badge).
func statusHandler(st store.Store, eng *engine.Engine, watcher *netwatch.Watcher) http.Handler {
	type status struct {
		State    string `json:"state"`
		Online   bool   `json:"online"`
		Pending  int64  `json:"pending"`
		LastSync string `json:"last_sync"`
		Error    string `json:"error"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pending, err := st.CountPending()
		if err != nil {
			slog.Warn("status: count pending", "err", err)
		}
		s := status{
			State:   string(eng.State()),
			Online:  watcher.Online(),
			Pending: pending,
		}
		if t := eng.LastSync(); !t.IsZero() {
			s.LastSync = t.Format(time.RFC3339)
		}
		if e := eng.LastError(); e != nil {
			s.Error = e.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s); err != nil {
			slog.Warn("status: encode", "err", err)
		}
	})
}

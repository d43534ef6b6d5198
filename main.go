// Package main runs the dispenser visit watcher: it compares each scope's
// visit schedule against the last stored snapshot and notifies the users
// watching that scope by email, push, desktop or Telegram.
package main

import (
	"context"
	"dispenser-watch/config"
	"dispenser-watch/history"
	"dispenser-watch/poll"
	"dispenser-watch/prefs"
	"dispenser-watch/server"
	"dispenser-watch/source"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	rcron "github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "dispenser-watch",
		Short:        "Watch dispenser visit schedules and notify technicians of changes",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(checkCmd())
	root.AddCommand(flushCmd())
	root.AddCommand(failuresCmd())
	root.AddCommand(migrateCmd())
	return root
}

// withApp loads configuration, wires the pipeline and runs fn with a context
// cancelled on SIGINT or SIGTERM.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to start", "error", err)
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

// --------------------------------------------------------------------------
// serve
// --------------------------------------------------------------------------

func serveCmd() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server, scheduled checks and digest flushes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if port == "" {
					port = a.cfg.Port
				}
				return serve(ctx, a, port)
			})
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "listen port (default $PORT or 8080)")
	return cmd
}

func serve(ctx context.Context, a *app, port string) error {
	srv := server.New(&server.Config{
		Poller:          a.monitor,
		Digests:         a.digests,
		Snapshots:       a.store,
		Logger:          a.logger,
		IsNotFound:      isUnknownScope,
		ManualPerMinute: a.cfg.ManualRatePerMin,
		AllowOrigins:    a.cfg.CORSAllowOrigins,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ServeHTTP(ctx, port) })
	g.Go(func() error { return a.digests.Start(ctx, a.cfg.DigestTick, time.Now) })
	if a.cfg.CheckSchedule != "" {
		g.Go(func() error { return a.runChecks(ctx, a.cfg.CheckSchedule) })
	} else {
		a.logger.Info("Scheduled checks disabled, use POST /pollz")
	}
	return g.Wait()
}

// runChecks runs CheckAll on spec until ctx is cancelled. Overlapping ticks
// are skipped rather than queued.
func (a *app) runChecks(ctx context.Context, spec string) error {
	c := rcron.New(
		rcron.WithLocation(a.cfg.Timezone),
		rcron.WithChain(rcron.SkipIfStillRunning(rcron.DiscardLogger)),
	)
	if _, err := c.AddFunc(spec, func() {
		start := time.Now()
		if err := a.monitor.CheckAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("Scheduled check failed", "error", err)
		}
		swept := a.dedup.Sweep(time.Now())
		a.logger.Info("Scheduled check completed",
			"duration_ms", time.Since(start).Milliseconds(),
			"dedup_swept", swept,
			"dedup_size", a.dedup.Len())
	}); err != nil {
		return fmt.Errorf("register check schedule %q: %w", spec, err)
	}
	c.Start()
	a.logger.Info("Check scheduler started", "spec", spec)

	<-ctx.Done()
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
		a.logger.Warn("Check scheduler stop timed out waiting for running check")
	}
	return nil
}

// --------------------------------------------------------------------------
// check
// --------------------------------------------------------------------------

func checkCmd() *cobra.Command {
	var (
		file   string
		manual bool
	)
	cmd := &cobra.Command{
		Use:   "check [scope]",
		Short: "Run one check cycle for a scope, or for every scope when none is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if len(args) == 0 {
					if file != "" {
						return errors.New("--file needs a scope argument")
					}
					return a.monitor.CheckAll(ctx)
				}
				res, err := runCheck(ctx, a, args[0], file, manual)
				if err != nil {
					return err
				}
				if n := len(a.digests.Users()); n > 0 {
					a.logger.Info("Digest entries pending, serve delivers them", "users", n)
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the snapshot from a JSON file instead of the source")
	cmd.Flags().BoolVar(&manual, "manual", true, "treat the check as user-initiated (bypasses cooldowns)")
	return cmd
}

func runCheck(ctx context.Context, a *app, scope, file string, manual bool) (*poll.Result, error) {
	if !source.ValidScope(scope) {
		return nil, fmt.Errorf("invalid scope %q", scope)
	}
	if file == "" {
		return a.monitor.Check(ctx, scope, manual)
	}
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	snap, err := source.Decode(f, scope, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return a.monitor.Process(ctx, snap, manual)
}

// --------------------------------------------------------------------------
// flush
// --------------------------------------------------------------------------

// flushCmd asks a running server to flush digests; the pending entries live
// in that process.
func flushCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "flush [user]",
		Short: "Flush pending digests on a running server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSuffix(addr, "/") + "/digest/flush"
			if len(args) == 1 {
				target += "/" + url.PathEscape(args[0])
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, http.NoBody)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("flush request: %w", err)
			}
			defer func() {
				_ = resp.Body.Close()
			}()
			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return fmt.Errorf("read flush response: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("flush failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
			_, err = cmd.OutOrStdout().Write(body)
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "server base URL")
	return cmd
}

// --------------------------------------------------------------------------
// failures
// --------------------------------------------------------------------------

func failuresCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "failures",
		Short: "List failed deliveries recorded in the history file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = os.Getenv("HISTORY_FILE")
			}
			if file == "" {
				return errors.New("no history file: set HISTORY_FILE or pass --file")
			}
			return listFailures(cmd.OutOrStdout(), file)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "history file (default $HISTORY_FILE)")
	return cmd
}

func listFailures(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	evs, err := history.Read(f)
	if err != nil {
		return err
	}
	for _, ev := range history.Failed(evs) {
		d := ev.Delivery
		if d == nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s\t%s\t%s\t%d attempts\t%s\n",
			ev.At.Format(time.RFC3339), d.UserID, d.Channel, d.Attempts, d.Error); err != nil {
			return err
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// migrate
// --------------------------------------------------------------------------

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the preferences and history tables in DATABASE_URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn := os.Getenv("DATABASE_URL")
			if dsn == "" {
				return errors.New("DATABASE_URL must be set")
			}
			pool, err := openPool(cmd.Context(), dsn)
			if err != nil {
				return err
			}
			defer pool.Close()
			for _, stmt := range []string{prefs.Schema, history.Schema} {
				if _, err := pool.Exec(cmd.Context(), stmt); err != nil {
					return fmt.Errorf("apply schema: %w", err)
				}
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return err
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

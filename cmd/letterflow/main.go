package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reasonstostay/letterflow/internal/config"
	"github.com/reasonstostay/letterflow/internal/httpapi"
	"github.com/reasonstostay/letterflow/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	out        io.Writer
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{out: out}
	root := &cobra.Command{
		Use:           "letterflow",
		Short:         "letterflow - letter moderation service",
		SilenceUsage:  true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("LETTERFLOW_CONFIG"), "path to a YAML config file")
	root.AddCommand(
		newServeCmd(opts),
		newProcessCmd(opts),
		newPumpCmd(opts),
		newImportCmd(opts),
		newTokenCmd(opts),
	)
	return root
}

// load reads config and builds the logger every command starts from.
func (o *rootOptions) load() (*config.Config, *zap.Logger, error) {
	bootstrap, err := telemetry.NewLogger("info", false)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(o.configPath, bootstrap)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := telemetry.NewLogger(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func (o *rootOptions) withApp(ctx context.Context, fn func(a *app) error) error {
	cfg, logger, err := o.load()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func (o *rootOptions) printJSON(v any) error {
	enc := json.NewEncoder(o.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, job workers and the self-healing pump",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd.Context(), func(a *app) error {
				return serve(cmd.Context(), a)
			})
		},
	}
}

func serve(ctx context.Context, a *app) error {
	handler, err := a.server()
	if err != nil {
		return err
	}
	if strings.TrimSpace(a.cfg.Server.JWTSecret) == "" {
		a.logger.Warn("no jwt secret configured, admin tokens use the development secret")
	}
	if a.cfg.Moderation.WatchRules {
		if err := a.rules.Watch(ctx); err != nil {
			a.logger.Warn("rules watcher unavailable", zap.Error(err))
		}
	}
	a.queue.Start(ctx)
	if a.cfg.Pump.Enabled {
		if err := a.pump.Start(ctx); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("letterflow listening", zap.String("addr", a.cfg.Server.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	a.logger.Info("letterflow shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newProcessCmd(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "process <letter-id>...",
		Short: "Moderate letters immediately",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, raw := range args {
				id, err := strconv.ParseInt(raw, 10, 64)
				if err != nil || id <= 0 {
					return fmt.Errorf("invalid letter id %q", raw)
				}
				ids = append(ids, id)
			}
			return opts.withApp(cmd.Context(), func(a *app) error {
				for _, id := range ids {
					result, err := a.engine.ProcessLetter(cmd.Context(), id, force)
					if err != nil {
						return fmt.Errorf("process letter %d: %w", id, err)
					}
					if err := opts.printJSON(result); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "reprocess letters that already left the unprocessed stage")
	return cmd
}

func newPumpCmd(opts *rootOptions) *cobra.Command {
	var drain bool
	cmd := &cobra.Command{
		Use:   "pump",
		Short: "Run one self-healing pump pass",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd.Context(), func(a *app) error {
				result, err := a.pump.PumpOnce(cmd.Context())
				if err != nil {
					return err
				}
				if drain {
					if _, err := a.drain(cmd.Context()); err != nil {
						return err
					}
				}
				return opts.printJSON(result)
			})
		},
	}
	cmd.Flags().BoolVar(&drain, "drain", false, "run queued jobs inline until none are due")
	return cmd
}

func newImportCmd(opts *rootOptions) *cobra.Command {
	var drain bool
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import letters from a CSV, JSON or NDJSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app) error {
				result, err := a.importer.StartImport(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if drain {
					ran, err := a.drain(cmd.Context())
					if err != nil {
						return err
					}
					a.logger.Info("import drained", zap.String("job_id", result.JobID), zap.Int("jobs", ran))
				}
				return opts.printJSON(result)
			})
		},
	}
	cmd.Flags().BoolVar(&drain, "drain", false, "process the import batches and moderation jobs inline")
	return cmd
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.Server.JWTSecret) == "" {
				return errors.New("server.jwt_secret (or LETTERFLOW_JWT_SECRET) is required to sign tokens")
			}
			token, err := httpapi.SignToken(cfg.Server.JWTSecret, subject, scopes, ttl, time.Now().UTC())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(opts.out, token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "token subject")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{httpapi.ScopeAdminRead, httpapi.ScopeAdminWrite, httpapi.ScopeImport}, "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// labcald - the calendar connection and sync daemon
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/quantumlife/labcal/internal/api"
	"github.com/quantumlife/labcal/internal/app"
	"github.com/quantumlife/labcal/internal/config"
	"github.com/quantumlife/labcal/internal/jobs"
	"github.com/quantumlife/labcal/internal/logging"
	"github.com/quantumlife/labcal/internal/metrics"
	"github.com/quantumlife/labcal/internal/scheduler"
	"github.com/quantumlife/labcal/internal/tracing"
)

var (
	configPath string

	version = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "labcald",
		Short:        "labcal daemon - external calendar connection and sync",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ./labcal.yaml, $LABCAL_CONFIG)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("labcald", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// bootstrap loads configuration and installs logging and tracing.
func bootstrap(ctx context.Context) (*config.Config, tracing.ShutdownFunc, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logging.Setup(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format, os.Stderr)
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	shutdown, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("setup tracing: %w", err)
	}
	return cfg, shutdown, nil
}

func serveCmd() *cobra.Command {
	var withoutScheduler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, shutdownTracing, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer shutdownTracing(context.Background())

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			metrics.Register(reg)

			var sched *scheduler.Scheduler
			if !withoutScheduler {
				sched, err = scheduler.NewScheduler(scheduler.DefaultConfig())
				if err != nil {
					return err
				}
				for _, task := range a.Tasks() {
					if err := sched.Register(task); err != nil {
						return fmt.Errorf("register task %s: %w", task.ID, err)
					}
				}
				if err := sched.Start(); err != nil {
					return err
				}
			}

			// A disabled endpoint serves an empty registry.
			var gatherer prometheus.Gatherer = reg
			if !cfg.Metrics.Enabled {
				gatherer = prometheus.NewRegistry()
			}

			server := api.New(api.Config{
				Host:             cfg.Server.Host,
				Port:             cfg.Server.Port,
				AllowedOrigins:   cfg.Server.AllowedOrigins,
				ShutdownTimeout:  cfg.Server.ShutdownTimeout,
				JWTSecret:        cfg.Auth.JWTSecret,
				Issuer:           cfg.Auth.Issuer,
				WebhookRateLimit: cfg.Webhook.RateLimit,
				WebhookBurst:     cfg.Webhook.Burst,
				MetricsPath:      cfg.Metrics.Path,
				Gatherer:         gatherer,
				DB:               a.DB,
				OAuth:            a.OAuth,
				Events:           a.Events,
				Dispatcher:       a.Dispatcher,
				Webhooks:         a.Webhooks,
				Migration:        a.Migration,
				Ledger:           a.Ledger,
				Notifications:    a.Notifications,
			})

			errCh := make(chan error, 1)
			go func() { errCh <- server.Start() }()

			select {
			case <-ctx.Done():
				logging.Info("shutting down")
			case err = <-errCh:
			}

			if serr := server.Stop(context.Background()); serr != nil && err == nil {
				err = serr
			}
			if sched != nil {
				if serr := sched.Stop(); serr != nil {
					logging.WithError(serr).Warn("scheduler stop failed")
				}
			}
			a.Coordinator.Wait()
			return err
		},
	}
	cmd.Flags().BoolVar(&withoutScheduler, "no-scheduler", false, "do not run periodic tasks (another replica runs them)")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process queued sync tasks (queue.backend=asynq)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, shutdownTracing, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer shutdownTracing(context.Background())

			if cfg.Queue.Backend != "asynq" {
				return errors.New("worker needs queue.backend=asynq; the local backend syncs inside serve")
			}

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			w := jobs.NewWorker(a.RedisConnOpt(), cfg.Queue.QueueName, cfg.Queue.Concurrency, a.Coordinator)
			if err := w.Start(); err != nil {
				return fmt.Errorf("start worker: %w", err)
			}
			logging.Info("worker consuming queue %s", cfg.Queue.QueueName)

			<-ctx.Done()
			w.Shutdown()
			a.Coordinator.Wait()
			return nil
		},
	}
}

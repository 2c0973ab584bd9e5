// labcal - administrative CLI for calendar connections and credential migration
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/quantumlife/labcal/internal/api"
	"github.com/quantumlife/labcal/internal/app"
	"github.com/quantumlife/labcal/internal/config"
	"github.com/quantumlife/labcal/internal/core"
	"github.com/quantumlife/labcal/internal/logging"
	"github.com/quantumlife/labcal/internal/migration"
)

var (
	configPath string
	actorID    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "labcal",
		Short: "labcal admin CLI",
		Long: `labcal manages external calendar connections.

Credential migration runs in three phases: migrate copies legacy
credentials into the secret store, verify checks every copy, and
cleanup deletes the legacy records once verify passes.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ./labcal.yaml, $LABCAL_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&actorID, "actor", "", "administrator recorded in the audit ledger (default: current OS user)")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(connectionsCmd())
	rootCmd.AddCommand(linkCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(renewChannelsCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withApp loads configuration, builds the app and runs fn with a context
// cancelled on interrupt.
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	return withConfiguredApp(nil, fn)
}

// withConfiguredApp is withApp with a hook to adjust the loaded configuration.
func withConfiguredApp(adjust func(*config.Config), fn func(ctx context.Context, a *app.App) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Setup(logging.ParseLevel(cfg.Log.Level), "console", os.Stderr)
	if adjust != nil {
		adjust(cfg)
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// operator is the actor for administrative commands. Access to the
// configuration and its secrets already implies administrator rights.
func operator() core.Actor {
	id := actorID
	if id == "" {
		if u, err := user.Current(); err == nil {
			id = u.Username
		}
	}
	if id == "" {
		id = "cli"
	}
	return core.Actor{ID: "cli:" + id, Admin: true}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func requireMigration(a *app.App) (*migration.Tool, error) {
	if a.Migration == nil {
		return nil, errors.New("no legacy store configured (legacy.backend is none)")
	}
	return a.Migration, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Copy legacy credentials into the secret store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				tool, err := requireMigration(a)
				if err != nil {
					return err
				}
				sum, err := tool.Migrate(ctx, operator())
				if err != nil {
					return err
				}
				fmt.Printf("Migrated %d, skipped %d, failed %d of %d\n", sum.Migrated, sum.Skipped, sum.Failed, sum.Total)
				for _, e := range sum.Errors {
					fmt.Println("  failed:", e)
				}
				if sum.Failed > 0 {
					return fmt.Errorf("%d connections failed to migrate", sum.Failed)
				}
				return nil
			})
		},
	}
}

func verifyCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that every legacy credential is in the secret store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				tool, err := requireMigration(a)
				if err != nil {
					return err
				}
				rep, err := tool.Verify(ctx, operator())
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(rep)
				}
				fmt.Printf("%d of %d migrated, %d missing, %d unverifiable\n", rep.Migrated, rep.Total, rep.Missing, rep.Errors)
				for _, d := range rep.Connections {
					if !d.Migrated {
						fmt.Printf("  %s: not migrated %s\n", d.ConnectionID, d.Error)
					}
				}
				if !rep.AllMigrated {
					return core.ErrMigrationIncomplete
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full report as JSON")
	return cmd
}

func cleanupCmd() *cobra.Command {
	var confirm string
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete legacy credentials after a successful verify",
		Long: fmt.Sprintf(`Deletes every legacy credential record. This cannot be undone.

Cleanup re-runs verify first and refuses unless every record is in
the secret store. Pass --confirm %s or type it at the prompt.`, migration.ConfirmationPhrase),
		RunE: func(cmd *cobra.Command, args []string) error {
			phrase := confirm
			if phrase == "" {
				if !term.IsTerminal(int(os.Stdin.Fd())) {
					return fmt.Errorf("--confirm is required when stdin is not a terminal: %w", core.ErrConfirmationRequired)
				}
				fmt.Printf("Type %s to delete all legacy credentials: ", migration.ConfirmationPhrase)
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil {
					return fmt.Errorf("read confirmation: %w", err)
				}
				phrase = strings.TrimSpace(line)
			}

			return withApp(func(ctx context.Context, a *app.App) error {
				tool, err := requireMigration(a)
				if err != nil {
					return err
				}
				rep, err := tool.Cleanup(ctx, operator(), phrase)
				if err != nil {
					if rep != nil && rep.Verify != nil && !rep.Verify.AllMigrated {
						fmt.Printf("Refused: %d of %d legacy records are not migrated\n", rep.Verify.Missing+rep.Verify.Errors, rep.Verify.Total)
					}
					return err
				}
				fmt.Printf("Deleted %d legacy credential records\n", rep.Deleted)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&confirm, "confirm", "", "confirmation phrase")
	return cmd
}

func connectionsCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "List calendar connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				var (
					conns []*core.Connection
					err   error
				)
				if userID != "" {
					conns, err = a.Connections.ListByUser(ctx, userID)
				} else {
					conns, err = a.Connections.ListAll(ctx)
				}
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tUSER\tACCOUNT\tSTATUS\tLAST SYNC\tERROR")
				for _, c := range conns {
					last := "never"
					if c.LastSyncAt != nil {
						last = c.LastSyncAt.Local().Format(time.RFC3339)
					}
					status := string(c.Status)
					if c.Degraded {
						status += " (degraded)"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", c.ID, c.UserID, c.AccountEmail, status, last, c.LastError)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "only this user's connections")
	return cmd
}

func syncCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "sync [connection-id]",
		Short: "Run a sync pass now",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("give a connection id or --all")
			}
			return withApp(func(ctx context.Context, a *app.App) error {
				if all {
					synced, failed, err := a.Coordinator.SyncAll(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("Synced %d connections, %d failed\n", synced, failed)
					return nil
				}
				if err := a.Coordinator.Run(ctx, args[0]); err != nil {
					return err
				}
				a.Coordinator.Wait()
				fmt.Println("Sync complete")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "sync every active connection")
	return cmd
}

func renewChannelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "renew-channels",
		Short: "Renew push channels close to expiry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				if a.Webhooks == nil {
					return errors.New("webhooks are disabled")
				}
				rep, err := a.Webhooks.RenewExpiring(ctx, time.Now())
				if err != nil {
					return err
				}
				return printJSON(rep)
			})
		},
	}
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit ledger",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Verify the ledger hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				n, err := a.Ledger.Count(ctx)
				if err != nil {
					return err
				}
				if err := a.Ledger.VerifyChain(ctx); err != nil {
					return err
				}
				fmt.Printf("Ledger chain intact (%d entries)\n", n)
				return nil
			})
		},
	})
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		userID string
		admin  bool
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			tok, err := api.IssueToken(cfg.Auth.JWTSecret, cfg.Auth.Issuer, core.Actor{ID: userID, Admin: admin}, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (token subject)")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant administrator rights")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

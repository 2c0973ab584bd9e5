package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/quantumlife/labcal/internal/app"
	"github.com/quantumlife/labcal/internal/config"
	"github.com/quantumlife/labcal/internal/core"
)

type callback struct {
	code, state string
}

// linkCmd links a calendar from the terminal using a loopback redirect, the
// flow Google prescribes for desktop OAuth clients. The client must allow
// http://127.0.0.1 redirects.
func linkCmd() *cobra.Command {
	var (
		userID  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Link a Google calendar for a user through the browser",
		RunE: func(cmd *cobra.Command, args []string) error {
			listener, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				return fmt.Errorf("listen for callback: %w", err)
			}
			redirect := fmt.Sprintf("http://%s/callback", listener.Addr())

			results := make(chan callback, 1)
			failures := make(chan error, 1)
			mux := http.NewServeMux()
			mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
				q := r.URL.Query()
				if e := q.Get("error"); e != "" {
					select {
					case failures <- fmt.Errorf("consent denied: %s", e):
					default:
					}
					http.Error(w, "Authorization failed: "+e, http.StatusBadRequest)
					return
				}
				select {
				case results <- callback{code: q.Get("code"), state: q.Get("state")}:
				default:
				}
				fmt.Fprintln(w, "Calendar linked. You can close this window.")
			})
			server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
					failures <- err
				}
			}()
			defer server.Shutdown(context.Background())

			return withConfiguredApp(func(cfg *config.Config) {
				cfg.Google.RedirectURL = redirect
			}, func(ctx context.Context, a *app.App) error {
				start, err := a.OAuth.StartAuth(ctx, userID)
				if err != nil {
					return err
				}

				fmt.Printf("Redirect URI: %s\n", redirect)
				if err := openBrowser(start.AuthorizationURL); err != nil {
					fmt.Println("Open this URL to grant access:")
				}
				fmt.Println(start.AuthorizationURL)
				fmt.Println("Waiting for authorization...")

				var cb callback
				select {
				case cb = <-results:
				case err := <-failures:
					return err
				case <-time.After(timeout):
					return fmt.Errorf("no authorization within %s: %w", timeout, core.ErrInvalidState)
				case <-ctx.Done():
					return ctx.Err()
				}

				conn, err := a.OAuth.CompleteAuth(ctx, userID, cb.code, cb.state)
				if err != nil {
					return err
				}
				a.Coordinator.Wait()
				fmt.Printf("Linked %s as connection %s\n", conn.AccountEmail, conn.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user who owns the connection")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for consent")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		if _, err := exec.LookPath("xdg-open"); err != nil {
			return err
		}
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform %s", runtime.GOOS)
	}
	return cmd.Start()
}

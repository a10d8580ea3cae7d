// Command rider-agent runs a delivery rider's session headlessly: it keeps
// orders, chat and the wallet in sync with the rider API, reports location
// while online and exposes everything on a loopback control API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/rider-agent/internal/api"
	"github.com/example/rider-agent/internal/config"
	"github.com/example/rider-agent/internal/logging"
)

const (
	Version   = "0.3.0"
	BuildTime = "dev"
	appName   = "rider-agent"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Headless delivery rider agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides LOG_LEVEL")

	load := func() (config.AgentConfig, error) {
		cfg, err := config.LoadAgentConfig()
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		return cfg, nil
	}

	cmd.AddCommand(runCmd(load), loginCmd(load), logoutCmd(load), statusCmd(load))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})
	return cmd
}

type loader func() (config.AgentConfig, error)

func runCmd(load loader) *cobra.Command {
	var online bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent and its control API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, online)
		},
	}
	cmd.Flags().BoolVar(&online, "online", false, "Go online in the configured region (RIDER_REGION_ID or profile) at start")
	return cmd
}

func loginCmd(load loader) *cobra.Command {
	var phone, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if password == "" {
				password = os.Getenv("RIDER_PASSWORD")
			}
			logger := logging.NewLogger(cfg.LogLevel)
			tokens, closeTokens, err := newTokenStore(cfg)
			if err != nil {
				return err
			}
			defer closeTokens()

			client := api.New(cfg.APIBaseURL, &http.Client{Timeout: cfg.HTTPTimeout}, tokens, logger)
			resp, err := client.Login(cmd.Context(), phone, password)
			if err != nil {
				return fmt.Errorf("login failed: %s", api.UserMessage(err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s %s (%s)\n", resp.User.FirstName, resp.User.LastName, resp.User.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "Rider phone number")
	cmd.Flags().StringVar(&password, "password", "", "Password (or RIDER_PASSWORD)")
	_ = cmd.MarkFlagRequired("phone")
	return cmd
}

func logoutCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the session and clear stored tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger := logging.NewLogger(cfg.LogLevel)
			tokens, closeTokens, err := newTokenStore(cfg)
			if err != nil {
				return err
			}
			defer closeTokens()

			client := api.New(cfg.APIBaseURL, &http.Client{Timeout: cfg.HTTPTimeout}, tokens, logger)
			if err := client.Logout(cmd.Context()); err != nil {
				// tokens are gone locally either way
				logger.Warn("server_logout_failed", "error", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

// statusCmd asks a running agent for its status over the control API.
func statusCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+cfg.ControlAddr+"/status", nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("agent not reachable on %s: %w", cfg.ControlAddr, err)
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			var pretty map[string]any
			if err := json.Unmarshal(body, &pretty); err != nil {
				return fmt.Errorf("unexpected status response: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(pretty)
		},
	}
}

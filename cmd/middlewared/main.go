package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/middlewared/pkg/auth"
	"github.com/cuemby/middlewared/pkg/client"
	"github.com/cuemby/middlewared/pkg/config"
	"github.com/cuemby/middlewared/pkg/log"
	"github.com/cuemby/middlewared/pkg/middleware"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// shutdownTimeout bounds a graceful shutdown.
const shutdownTimeout = 30 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "middlewared",
	Short: "middlewared - storage appliance management daemon",
	Long: `middlewared runs the management plane of a storage appliance: the
configuration database, the job manager, the RPC and event API and, on
two-controller systems, replication to the standby controller and the
kernel DLM cluster.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"middlewared version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "/etc/middlewared.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Write logs as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(hashPasswordCmd)
}

func initLogging(cmd *cobra.Command) {
	level, _ := cmd.Flags().GetString("log-level")
	jsonLogs, _ := cmd.Flags().GetBool("json-logs")
	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: jsonLogs,
		Output:     os.Stderr,
	})
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon",
	Long: `Run middlewared in the foreground until SIGINT or SIGTERM.

The API listens on listen.http; the gRPC health service used by the HA
peer listens on listen.grpc.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		traceFlag, _ := cmd.Flags().GetBool("trace")
		shutdownTracing, err := setupTracing(traceFlag || cfg.Tracing.Enabled, cfg.NodeID, cfg.Version, os.Stderr)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(ctx)
		}()

		m, err := middleware.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to create middleware: %w", err)
		}

		if err := m.Start(cmd.Context()); err != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = m.Shutdown(ctx)
			return fmt.Errorf("failed to start: %w", err)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		errCh := make(chan error, 1)
		go func() { errCh <- m.Wait() }()

		var runErr error
		select {
		case sig := <-sigCh:
			log.Logger.Info().Str("signal", sig.String()).Msg("Received signal")
		case runErr = <-errCh:
			if runErr != nil {
				log.Logger.Error().Err(runErr).Msg("Worker failed")
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := m.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown: %w", err)
		}
		return runErr
	},
}

func init() {
	runCmd.Flags().Bool("trace", false, "Write OpenTelemetry spans to stderr")
}

var callCmd = &cobra.Command{
	Use:   "call METHOD [PARAM...]",
	Short: "Call an API method",
	Long: `Call an API method over the websocket API and print the result as JSON.

Each PARAM is parsed as JSON; anything that is not valid JSON is passed as
a string. With --job the call waits for the job and prints its result.`,
	Example: `  middlewared call system.info
  middlewared call core.get_jobs '{"state": "RUNNING"}'
  middlewared call --job failover.send_database`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url, _ := cmd.Flags().GetString("url")
		username, _ := cmd.Flags().GetString("username")
		password, _ := cmd.Flags().GetString("password")
		token, _ := cmd.Flags().GetString("token")
		job, _ := cmd.Flags().GetBool("job")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		if url == "" {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			url = "ws://" + cfg.Listen.HTTP + "/websocket"
		}
		if password == "" {
			password = os.Getenv("MIDDLEWARED_PASSWORD")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		c, err := client.Dial(ctx, url)
		if err != nil {
			return err
		}
		defer c.Close()

		switch {
		case token != "":
			err = c.LoginWithToken(ctx, token)
		case password != "":
			err = c.Login(ctx, username, password)
		}
		if err != nil {
			return err
		}

		params := parseParams(args[1:])
		var result json.RawMessage
		if job {
			result, err = c.CallJob(ctx, args[0], params...)
		} else {
			result, err = c.Call(ctx, args[0], params...)
		}
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

func init() {
	callCmd.Flags().String("url", "", "Websocket URL (default: listen.http from the config)")
	callCmd.Flags().StringP("username", "u", "root", "Username")
	callCmd.Flags().StringP("password", "p", "", "Password (default: $MIDDLEWARED_PASSWORD)")
	callCmd.Flags().String("token", "", "API token instead of a password")
	callCmd.Flags().Bool("job", false, "Wait for the job started by the call")
	callCmd.Flags().Duration("timeout", time.Minute, "Overall timeout")
}

func parseParams(args []string) []any {
	params := make([]any, 0, len(args))
	for _, a := range args {
		var v any
		if err := json.Unmarshal([]byte(a), &v); err != nil {
			v = a
		}
		params = append(params, v)
	}
	return params
}

func printJSON(raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}
	out.WriteByte('\n')
	_, err := os.Stdout.Write(out.Bytes())
	return err
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("middlewared version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init PATH",
	Short: "Write a configuration file with the default settings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(args[0]); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", args[0])
		}
		if err := config.Default().Save(args[0]); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", args[0])
		return nil
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(cmd); err != nil {
			return err
		}
		fmt.Println("Configuration is valid")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configCheckCmd)

	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password PASSWORD",
	Short: "Print a bcrypt hash for a users[].password_hash entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if args[0] == "" {
			return errors.New("password must not be empty")
		}
		h, err := auth.HashPassword(args[0], 0)
		if err != nil {
			return err
		}
		fmt.Println(h)
		return nil
	},
}

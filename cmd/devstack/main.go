package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds minimal global/persistent flags for CLI commands
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags selects the admin server a client command talks to.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

// LogsFlags holds flags for the logs command
type LogsFlags struct {
	APIFlags
	Tail   int
	Follow bool
}

// StatusFlags holds flags for the status command
type StatusFlags struct {
	APIFlags
	JSON bool
}

// buildRoot creates the root command with every subcommand attached.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := command{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createUpCommand(c, globalFlags),
		createStatusCommand(c),
		createServiceActionCommand(c, "start", "Start a service"),
		createServiceActionCommand(c, "stop", "Stop a service"),
		createServiceActionCommand(c, "restart", "Restart a service"),
		createStackCommand(c),
		createLogsCommand(c),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "devstack",
		Short: "Run and supervise a local development stack",
		Long: `Devstack starts the services of a local development stack, keeps
them running, restarts them when watched files change, and serves an admin
API with status, controls and live logs.

Examples:
  devstack up devstack.toml          # Run the stack in the foreground
  devstack status                    # Show service status
  devstack restart backend           # Restart one service
  devstack logs client --follow      # Follow a service log`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	return root
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "admin server URL including base path (default "+defaultAPIURL+")")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 30*time.Second, "request timeout")
}

// createUpCommand creates the up subcommand
func createUpCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "up [config.toml]",
		Short: "Run the stack in the foreground",
		Long: `Start every configured service, serve the admin API, and watch files
until interrupted. Ctrl+C stops all services and prints a shutdown report.

Examples:
  devstack up                        # Uses --config
  devstack up devstack.toml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return c.Up(cmd.Context(), cmd.OutOrStdout(), path)
		},
	}
}

// createStatusCommand creates the status subcommand
func createStatusCommand(c command) *cobra.Command {
	flags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show service status",
		Long: `Show the status of every service of a running stack.

Examples:
  devstack status
  devstack status --json
  devstack status --api-url=http://127.0.0.1:9001`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print the raw JSON response")
	addAPIFlags(cmd, &flags.APIFlags)
	return cmd
}

// createServiceActionCommand creates the start, stop and restart subcommands
func createServiceActionCommand(c command, action, short string) *cobra.Command {
	flags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   action + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ServiceAction(cmd.Context(), cmd.OutOrStdout(), *flags, args[0], action)
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

// createStackCommand creates the stack subcommand
func createStackCommand(c command) *cobra.Command {
	flags := &APIFlags{}
	cmd := &cobra.Command{
		Use:       "stack <start|stop|restart>",
		Short:     "Start, stop or restart every service",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"start", "stop", "restart"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.StackAction(cmd.Context(), cmd.OutOrStdout(), *flags, args[0])
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

// createLogsCommand creates the logs subcommand
func createLogsCommand(c command) *cobra.Command {
	flags := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs <name>",
		Short: "Print a service log",
		Long: `Print the recent output of a service, optionally following new lines.

Examples:
  devstack logs backend
  devstack logs backend --tail 50
  devstack logs client --follow`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Logs(cmd.Context(), cmd.OutOrStdout(), *flags, args[0])
		},
	}
	cmd.Flags().IntVar(&flags.Tail, "tail", -1, "number of lines to print (default: server setting)")
	cmd.Flags().BoolVarP(&flags.Follow, "follow", "f", false, "keep streaming new lines")
	addAPIFlags(cmd, &flags.APIFlags)
	return cmd
}

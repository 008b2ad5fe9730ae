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

// GlobalFlags holds the persistent flags every client command uses to reach
// the daemon's control channel.
type GlobalFlags struct {
	Socket   string
	APIUrl   string
	BasePath string
	Timeout  time.Duration
	JSON     bool
}

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

// StatusFlags holds flags for the status command
type StatusFlags struct {
	Service string
}

// ServiceFlags holds flags for start/stop/restart commands
type ServiceFlags struct {
	Name string
}

// ConnectionFlags holds flags for stats and history commands
type ConnectionFlags struct {
	ConnectionID string
}

// EventsFlags holds flags for the events command
type EventsFlags struct {
	Service string
	Limit   int
	Follow  bool
}

// buildRoot creates the root command with all subcommands attached
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	serveFlags := &ServeFlags{}
	statusFlags := &StatusFlags{}
	serviceFlags := &ServiceFlags{}
	connectionFlags := &ConnectionFlags{}
	eventsFlags := &EventsFlags{}

	kodegendCommand := command{flags: globalFlags}

	root := createRootCommand(globalFlags)

	root.AddCommand(
		createServeCommand(serveFlags),
		createStatusCommand(kodegendCommand, statusFlags),
		createStartCommand(kodegendCommand, serviceFlags),
		createStopCommand(kodegendCommand, serviceFlags),
		createRestartCommand(kodegendCommand, serviceFlags),
		createStatsCommand(kodegendCommand, connectionFlags),
		createHistoryCommand(kodegendCommand, connectionFlags),
		createConnectionsCommand(kodegendCommand),
		createEventsCommand(kodegendCommand, eventsFlags),
	)

	return root
}

// createRootCommand creates the root command with the shared connection flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "kodegend",
		Short: "Supervisor daemon for kodegen backend servers",
		Long: `Kodegend supervises a fleet of kodegen backend servers: it starts them,
restarts them when they crash, and aggregates usage statistics and tool
history across the fleet over a local control socket.

Examples:
  kodegend serve --config=kodegend.toml       # Start the daemon
  kodegend status                             # Show every supervised service
  kodegend restart --name=files               # Restart one service
  kodegend stats --connection=conn-1          # Fleet-wide usage stats
  kodegend events --service=files --follow    # Tail lifecycle events`,
	}

	// Every client command talks to the same daemon, so the connection
	// flags live on the root.
	root.PersistentFlags().StringVar(&flags.Socket, "socket", "", "daemon control socket path (defaults to the runtime dir socket)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon base URL for TCP control (e.g. http://host:9300)")
	root.PersistentFlags().StringVar(&flags.BasePath, "base-path", "", "path prefix the daemon mounts its API under")
	root.PersistentFlags().DurationVar(&flags.Timeout, "timeout", 10*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&flags.JSON, "json", false, "print raw JSON responses")

	return root
}

// createServeCommand creates the serve subcommand
func createServeCommand(serveFlags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the kodegend daemon",
		Long: `Start the kodegend daemon. All services, the control channel and the
optional journal and export sinks are configured in the TOML file.

Examples:
  kodegend serve kodegend.toml              # Run in the foreground
  kodegend serve --config=kodegend.toml     # Same, via flag
  kodegend serve kodegend.toml --daemonize  # Detach into the background`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeCommand(serveFlags, args)
		},
	}

	cmd.Flags().StringVar(&serveFlags.ConfigPath, "config", "", "path to TOML config file")
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write daemon PID to this file (overrides pid_file in config)")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to this file when daemonized")

	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(c command, statusFlags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show supervised service status",
		Long: `Show the daemon status and the state of every supervised service, or a
single service with --service.

Examples:
  kodegend status
  kodegend status --service=files
  kodegend status --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(*statusFlags)
		},
	}

	cmd.Flags().StringVar(&statusFlags.Service, "service", "", "show only this service")

	return cmd
}

// createStartCommand creates the start subcommand
func createStartCommand(c command, serviceFlags *ServiceFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a stopped or failed service",
		Long: `Start a service that is currently stopped or failed. Starting resets the
service's restart budget.

Examples:
  kodegend start --name=files`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(*serviceFlags)
		},
	}

	cmd.Flags().StringVar(&serviceFlags.Name, "name", "", "service name (required)")
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}

	return cmd
}

// createStopCommand creates the stop subcommand
func createStopCommand(c command, serviceFlags *ServiceFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running service",
		Long: `Stop a service. A stopped service is not restarted until started again.

Examples:
  kodegend stop --name=files`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(*serviceFlags)
		},
	}

	cmd.Flags().StringVar(&serviceFlags.Name, "name", "", "service name (required)")
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}

	return cmd
}

// createRestartCommand creates the restart subcommand
func createRestartCommand(c command, serviceFlags *ServiceFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart a service",
		Long: `Stop a service and start it again with a fresh restart budget.

Examples:
  kodegend restart --name=files`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Restart(*serviceFlags)
		},
	}

	cmd.Flags().StringVar(&serviceFlags.Name, "name", "", "service name (required)")
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}

	return cmd
}

// createStatsCommand creates the stats subcommand
func createStatsCommand(c command, connectionFlags *ConnectionFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Aggregate usage statistics across the fleet",
		Long: `Query every running backend server for its usage statistics and print
the merged result. Servers that do not answer are reported as failed
slots; the rest of the fleet still counts.

Examples:
  kodegend stats --connection=conn-1
  kodegend stats --connection=conn-1 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stats(*connectionFlags)
		},
	}

	cmd.Flags().StringVar(&connectionFlags.ConnectionID, "connection", "", "connection ID (required)")
	if err := cmd.MarkFlagRequired("connection"); err != nil {
		panic(err)
	}

	return cmd
}

// createHistoryCommand creates the history subcommand
func createHistoryCommand(c command, connectionFlags *ConnectionFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Aggregate tool call history for a connection",
		Long: `Query the backend servers a connection has used for their recent tool
calls and print the merged result.

Examples:
  kodegend history --connection=conn-1
  kodegend history --connection=conn-1 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.History(*connectionFlags)
		},
	}

	cmd.Flags().StringVar(&connectionFlags.ConnectionID, "connection", "", "connection ID (required)")
	if err := cmd.MarkFlagRequired("connection"); err != nil {
		panic(err)
	}

	return cmd
}

// createConnectionsCommand creates the connections subcommand
func createConnectionsCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "connections",
		Short: "List tracked client connections",
		Long: `List the client connections the daemon currently tracks, with the
server categories each one has used.

Examples:
  kodegend connections
  kodegend connections --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Connections()
		},
	}
}

// createEventsCommand creates the events subcommand
func createEventsCommand(c command, eventsFlags *EventsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent service lifecycle events",
		Long: `Show recent lifecycle transitions from the daemon's journal, newest
first. With --follow, tail live transitions instead.

Examples:
  kodegend events
  kodegend events --service=files --limit=20
  kodegend events --follow`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Events(*eventsFlags)
		},
	}

	cmd.Flags().StringVar(&eventsFlags.Service, "service", "", "only events for this service")
	cmd.Flags().IntVar(&eventsFlags.Limit, "limit", 0, "maximum number of events (default 50)")
	cmd.Flags().BoolVar(&eventsFlags.Follow, "follow", false, "stream live transitions until interrupted")

	return cmd
}

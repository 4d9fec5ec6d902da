package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := buildRoot(&command{out: os.Stdout})
	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags are shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	JSON       bool
}

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

// LaunchFlags holds flags for start and restart.
type LaunchFlags struct {
	Wait time.Duration
}

// RelaySendFlags holds flags for relay send.
type RelaySendFlags struct {
	Timeout time.Duration
}

// WatchFlags holds flags for watch and relay listen.
type WatchFlags struct {
	Service string
	Event   string
}

func buildRoot(c *command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	c.flags = globalFlags

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(c, &ServeFlags{}),
		createValidateCommand(c),
		createListCommand(c),
		createStatusCommand(c),
		createStartCommand(c, &LaunchFlags{}),
		createStopCommand(c),
		createRestartCommand(c, &LaunchFlags{}),
		createUsageCommand(c),
		createWatchCommand(c, &WatchFlags{}),
		createRelayCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "sidecar",
		Short: "Local orchestrator for Python model workers",
		Long: `Sidecar provisions isolated runtimes for local model workers, supervises
their processes, probes their readiness and relays requests to the main
process. A running sidecar is controlled over its HTTP command surface.

Examples:
  sidecar serve sidecar.toml                 # run in the foreground
  sidecar list --config sidecar.toml         # list workers of a running sidecar
  sidecar start asr --wait 2m                # start a worker and wait for it
  sidecar relay send ping                    # round-trip through the relay
  sidecar watch --service asr                # follow status changes`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "command surface URL (default: derived from --config, else http://127.0.0.1:7788/api)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "per-request timeout")
	root.PersistentFlags().BoolVar(&flags.JSON, "json", false, "print raw JSON")
	return root
}

func createServeCommand(c *command, flags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the sidecar",
		Long: `Run the sidecar until interrupted. Without a config file the defaults
apply and no workers are registered.

Examples:
  sidecar serve sidecar.toml
  sidecar serve --config sidecar.toml --daemonize --pidfile sidecar.pid --logfile sidecar.out`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd.Context(), *flags, args)
		},
	}
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "write the sidecar PID to this file")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect daemon output to this file")
	return cmd
}

func createValidateCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [config.toml]",
		Short: "Check a config file and list its workers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Validate(args)
		},
	}
}

func createListCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List workers and their status",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(cmd.Context())
		},
	}
}

func createStatusCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "status <service>",
		Short: "Show one worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), args[0])
		},
	}
}

func createStartCommand(c *command, flags *LaunchFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <service>",
		Short: "Provision and start a worker",
		Long: `Start a worker. Provisioning and readiness probing happen in the
background; --wait blocks until the worker is running or failed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.Context(), args[0], flags.Wait)
		},
	}
	cmd.Flags().DurationVar(&flags.Wait, "wait", 0, "wait up to this long for running or error")
	return cmd
}

func createStopCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <service>",
		Short: "Stop a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), args[0])
		},
	}
}

func createRestartCommand(c *command, flags *LaunchFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart <service>",
		Short: "Stop and start a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Restart(cmd.Context(), args[0], flags.Wait)
		},
	}
	cmd.Flags().DurationVar(&flags.Wait, "wait", 0, "wait up to this long for running or error")
	return cmd
}

func createUsageCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "usage <service>",
		Short: "Show sampled resource usage of a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Usage(cmd.Context(), args[0])
		},
	}
}

func createWatchCommand(c *command, flags *WatchFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow worker status changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Watch(cmd.Context(), flags.Service)
		},
	}
	cmd.Flags().StringVar(&flags.Service, "service", "", "only this worker")
	return cmd
}

func createRelayCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Talk to the main process through the relay",
	}
	sendFlags := &RelaySendFlags{}
	send := &cobra.Command{
		Use:   "send <name> [json-args]",
		Short: "Send a named request and print the result",
		Long: `Send a named request through the relay. Arguments are a JSON value;
omit them to send null.

Examples:
  sidecar relay send ping
  sidecar relay send transcribe '{"path":"/tmp/a.wav"}' --timeout 5m`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := ""
			if len(args) == 2 {
				raw = args[1]
			}
			return c.RelaySend(cmd.Context(), args[0], raw, sendFlags.Timeout)
		},
	}
	send.Flags().DurationVar(&sendFlags.Timeout, "timeout", 0, "reply timeout (default: the relay's timeout for the name)")

	listenFlags := &WatchFlags{}
	listen := &cobra.Command{
		Use:   "listen",
		Short: "Print pushes from the main process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Listen(cmd.Context(), listenFlags.Event)
		},
	}
	listen.Flags().StringVar(&listenFlags.Event, "event", "*", "only pushes with this event name")

	cmd.AddCommand(send, listen)
	return cmd
}

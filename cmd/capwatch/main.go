package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := buildRoot(os.Stdout)
	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
}

// buildRoot creates the root command and its subcommands writing to out
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}

	c := command{global: globalFlags, out: out}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createRunCommand(c, &DaemonFlags{}),
		createWatchCommand(c),
		createServeCommand(c),
		createScanCommand(c),
		createListCommand(c, &QueryFlags{}),
		createShowCommand(c, &QueryFlags{}),
		createDownloadCommand(c, &QueryFlags{}, &DownloadFlags{}),
		createVersionCommand(c),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "capwatch",
		Short: "Watch a directory for packet captures and analyze each one once",
		Long: `Capwatch watches a directory for new packet capture files, runs an
external analyzer on each file exactly once, stores the outcome as a JSON
record and serves the records over a small HTTP API.

Examples:
  capwatch run --config=capwatch.toml        # watcher + API
  capwatch scan                              # analyze what is there, then exit
  capwatch list --api-url=http://host:8080   # query a running daemon
  capwatch show capture-001.pcap`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (TOML, YAML or JSON; optional)")
	return root
}

func createRunCommand(c command, flags *DaemonFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch for captures and serve the query API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.Daemonize {
				return daemonize(flags.PidFile, flags.LogFile)
			}
			return c.Daemon(cmd.Context(), modeRun)
		},
	}
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func createWatchCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch for captures without serving the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Daemon(cmd.Context(), modeWatch)
		},
	}
}

func createServeCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the query API over existing records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Daemon(cmd.Context(), modeServe)
		},
	}
}

func createScanCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Analyze every unprocessed capture in the watch directory, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Scan(cmd.Context())
		},
	}
}

func addQueryFlags(cmd *cobra.Command, flags *QueryFlags) {
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "daemon URL (e.g. http://host:8080); reads the local output directory when empty")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print JSON instead of a table")
}

func createListCommand(c command, flags *QueryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List analyses, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(cmd.Context(), *flags)
		},
	}
	addQueryFlags(cmd, flags)
	return cmd
}

func createShowCommand(c command, flags *QueryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one analysis including analyzer output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Show(cmd.Context(), *flags, args[0])
		},
	}
	addQueryFlags(cmd, flags)
	return cmd
}

func createDownloadCommand(c command, qflags *QueryFlags, flags *DownloadFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download <filename>",
		Short: "Download a capture from a running daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Download(cmd.Context(), *qflags, args[0], flags.Output)
		},
	}
	cmd.Flags().StringVar(&qflags.APIUrl, "api-url", "http://localhost:8080", "daemon URL")
	cmd.Flags().DurationVar(&qflags.APITimeout, "api-timeout", 5*time.Minute, "request timeout")
	cmd.Flags().StringVarP(&flags.Output, "output", "o", "", "output file (defaults to the capture name)")
	return cmd
}

func createVersionCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			c.printf("capwatch %s\n", version)
		},
	}
}

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

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// RenderFlags holds flags for the render command.
type RenderFlags struct {
	Cluster string
}

// StatusFlags holds flags for the status command.
type StatusFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
	JSON       bool
}

// ProbeFlags holds flags for the probe command.
type ProbeFlags struct {
	JSON bool
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags),
		createProbeCommand(globalFlags, &ProbeFlags{}),
		createRenderCommand(globalFlags, &RenderFlags{}),
		createStatusCommand(&StatusFlags{}),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "gwfailover",
		Short: "Sync Gateway failover orchestrator",
		Long: `gwfailover keeps a Sync Gateway connected to a healthy Couchbase cluster.
It probes the active cluster, and when it fails re-renders the gateway config
for the next healthy cluster in CLUSTERS order and restarts the gateway.

Examples:
  CLUSTERS=cb1:8091,cb2:8091 gwfailover run
  gwfailover run --config=/etc/gwfailover/gwfailover.toml
  gwfailover probe
  gwfailover render --cluster=cb2:8091
  gwfailover status --api-url=http://localhost:9105`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

// createRunCommand creates the run subcommand
func createRunCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the failover orchestrator",
		Long: `Start the gateway on the first configured cluster and fail over when its
health probe fails. SIGHUP re-renders the template for the current cluster
and restarts the gateway; SIGINT and SIGTERM stop the gateway and exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrchestrator(cmd.Context(), globalFlags.ConfigPath)
		},
	}
}

// createProbeCommand creates the probe subcommand
func createProbeCommand(globalFlags *GlobalFlags, flags *ProbeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Probe every configured cluster once",
		Long: `Check the status surface of every cluster in CLUSTERS order and print the
result. Exits non-zero when no cluster is healthy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd.Context(), cmd.OutOrStdout(), globalFlags.ConfigPath, *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print results as JSON")
	return cmd
}

// createRenderCommand creates the render subcommand
func createRenderCommand(globalFlags *GlobalFlags, flags *RenderFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render the gateway config for one cluster",
		Long: `Substitute a cluster into the template and publish the gateway config,
without touching a running gateway.

Examples:
  gwfailover render --cluster=cb2:8091`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRender(cmd.OutOrStdout(), globalFlags.ConfigPath, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Cluster, "cluster", "", "cluster entry from CLUSTERS (required)")
	if err := cmd.MarkFlagRequired("cluster"); err != nil {
		panic(err)
	}
	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running orchestrator",
		Long: `Query the status API of a running orchestrator.

Examples:
  gwfailover status --api-url=http://localhost:9105
  gwfailover status --api-url=https://gw1:9105/ops --insecure --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "http://localhost:9105", "status API base URL")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS verification")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print the raw status as JSON")
	return cmd
}

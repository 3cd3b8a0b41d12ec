package flags

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"bubbles/internal/config"
	"bubbles/pkg/defaults"
)

const (
	storageRootFlag      = "storage-root"
	networkSocketDirFlag = "network-socket-dir"
	toolsDirFlag         = "tools-dir"
	providerFlag         = "provider"
	cpusFlag             = "cpus"
	memoryFlag           = "memory"
	guestCIDFlag         = "guest-cid"
	agentPortFlag        = "agent-port"
	pollIntervalFlag     = "poll-interval"
	readyTimeoutFlag     = "ready-timeout"
	stopTimeoutFlag      = "stop-timeout"
	imageFlag            = "image"
	downloadCommandFlag  = "download-command"
	metricsEndpointFlag  = "metrics-endpoint"
)

// AddStorageFlagsToCommand will add the storage flags to the supplied command.
func AddStorageFlagsToCommand(cmd *cobra.Command, cfg *config.Config) {
	cmd.PersistentFlags().StringVar(&cfg.StorageRoot,
		storageRootFlag,
		defaults.StorageDir,
		"The directory holding the vms and images directories.")

	cmd.PersistentFlags().StringVar(&cfg.NetworkSocketDir,
		networkSocketDirFlag,
		defaults.NetworkSocketDir,
		"The directory the network backend sockets are created in.")

	cmd.PersistentFlags().StringVar(&cfg.Image,
		imageFlag,
		defaults.Image,
		"The image new vms are created from.")

	cmd.PersistentFlags().StringVar(&cfg.DownloadCommand,
		downloadCommandFlag,
		defaults.DownloadCommand,
		"The command fetching the image.")
}

// AddHypervisorFlagsToCommand will add the hypervisor and guest flags to the supplied command.
func AddHypervisorFlagsToCommand(cmd *cobra.Command, cfg *config.Config) {
	toolsDir := defaults.ToolsDir
	if home, err := os.UserHomeDir(); err == nil {
		toolsDir = filepath.Join(home, defaults.ToolsDir)
	}

	cmd.PersistentFlags().StringVar(&cfg.ToolsDir,
		toolsDirFlag,
		toolsDir,
		"The directory holding the socat, passt and crosvm binaries.")

	cmd.PersistentFlags().StringVar(&cfg.Provider,
		providerFlag,
		defaults.Provider,
		"The hypervisor provider to run vms with.")

	cmd.PersistentFlags().IntVar(&cfg.CPUs,
		cpusFlag,
		defaults.CPUs,
		"The default number of virtual cores of a vm.")

	cmd.PersistentFlags().StringVar(&cfg.Memory,
		memoryFlag,
		defaults.Memory,
		"The default guest memory of a vm.")

	cmd.PersistentFlags().Uint32Var(&cfg.GuestCID,
		guestCIDFlag,
		defaults.GuestCID,
		"The lowest virtual socket context id handed to new VMs, each VM gets its own.")

	cmd.PersistentFlags().Uint32Var(&cfg.AgentPort,
		agentPortFlag,
		defaults.AgentVSockPort,
		"The virtual socket port of the guest agent.")

	cmd.PersistentFlags().DurationVar(&cfg.PollInterval,
		pollIntervalFlag,
		defaults.PollInterval,
		"The delay between readiness checks.")

	cmd.PersistentFlags().DurationVar(&cfg.ReadyTimeout,
		readyTimeoutFlag,
		defaults.ReadyTimeout,
		"How long to wait for the guest agent, 0 waits forever.")

	cmd.PersistentFlags().DurationVar(&cfg.StopTimeout,
		stopTimeoutFlag,
		defaults.StopTimeout,
		"How long to wait for the guest to power off before asking the hypervisor to stop, 0 waits forever.")
}

// AddMetricsFlagsToCommand will add the metrics flags to the supplied command.
func AddMetricsFlagsToCommand(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().StringVar(&cfg.MetricsEndpoint,
		metricsEndpointFlag,
		"",
		"The endpoint to serve prometheus metrics on, empty disables it.")
}

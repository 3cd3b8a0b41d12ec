package config

import (
	"time"

	"bubbles/pkg/log"
)

// Config represents the bubbles configuration.
type Config struct {
	// Logging contains the logging related config.
	Logging log.Config
	// StorageRoot is the directory holding the vms and images directories.
	StorageRoot string
	// ToolsDir is the directory holding the socat, passt and crosvm binaries.
	ToolsDir string
	// NetworkSocketDir is where the network backend sockets are created.
	NetworkSocketDir string
	// Provider is the hypervisor provider to run VMs with.
	Provider string
	// CPUs is the default number of virtual cores of a VM.
	CPUs int
	// Memory is the default guest memory of a VM, for example 7000MiB.
	Memory string
	// GuestCID is the lowest virtual socket context id handed to new VMs.
	GuestCID uint32
	// AgentPort is the virtual socket port the guest agent listens on.
	AgentPort uint32
	// PollInterval is the delay between readiness checks.
	PollInterval time.Duration
	// ReadyTimeout bounds the wait for the guest agent. Zero waits forever.
	ReadyTimeout time.Duration
	// StopTimeout bounds the wait for a guest to power off after a stop
	// request before the hypervisor is asked to stop. Zero waits forever.
	StopTimeout time.Duration
	// Image is the image new VMs are created from.
	Image string
	// DownloadCommand fetches the default image.
	DownloadCommand string
	// MetricsEndpoint is the address to serve prometheus metrics on. Empty disables it.
	MetricsEndpoint string
}

package models

// ProcessRole tags an OS process owned by the orchestrator.
type ProcessRole string

const (
	RoleBridge            ProcessRole = "bridge"
	RoleNetworkBackend    ProcessRole = "network-backend"
	RoleHypervisor        ProcessRole = "hypervisor"
	RoleHypervisorControl ProcessRole = "hypervisor-control"
	RoleDownloader        ProcessRole = "downloader"
)

package defaults

import "time"

const (
	// StorageDir is the directory, relative to the working directory, holding vms and images.
	StorageDir = ".bubbles"

	// VMsDir is the name of the directory below the storage root holding one directory per VM.
	VMsDir = "vms"

	// ImagesDir is the name of the directory below the storage root holding one directory per image.
	ImagesDir = "images"

	// ToolsDir is the directory, relative to $HOME, holding the socat, passt and crosvm binaries.
	ToolsDir = "bubbles"

	// NetworkSocketDir is the directory the network backend sockets are created in.
	NetworkSocketDir = "/tmp"

	// Image is the name of the base image used to create VMs.
	Image = "debian-13"

	// ImageDisplayName is the human friendly name of the default image.
	ImageDisplayName = "Debian 13 Bubble Distribution"

	// DownloadCommand is the external tool fetching the default image.
	DownloadCommand = "scripts/download.bash"

	// Provider is the hypervisor provider used to run VMs.
	Provider = "crosvm"

	// CPUs is the number of virtual cores given to each VM.
	CPUs = 4

	// Memory is the amount of guest memory given to each VM.
	Memory = "7000MiB"

	// GuestCID is the lowest virtual socket context id handed to a guest,
	// lower ids are reserved for the host.
	GuestCID = 3

	// AgentVSockPort is the port the guest agent listens on inside the guest.
	AgentVSockPort = 11111

	// KernelRoot is the root device passed on the kernel command line.
	KernelRoot = "/dev/vda2"

	// PollInterval is the delay between readiness probe attempts.
	PollInterval = 500 * time.Millisecond

	// ReadyTimeout bounds the wait for guest readiness. Zero waits forever.
	ReadyTimeout = 0 * time.Second

	// StopTimeout bounds the wait for a guest to power off. Zero waits forever.
	StopTimeout = 0 * time.Second

	// DataDirPerm is the permissions to use for data folders.
	DataDirPerm = 0o755

	// DataFilePerm is the permissions to use for data files.
	DataFilePerm = 0o644

	// HardwareFile is the per VM hardware override file.
	HardwareFile = "bubble.toml"

	// LockFile is held by the process owning a running VM.
	LockFile = "bubble.lock"

	// RegistryLockFile serializes VM creation below the vms root.
	RegistryLockFile = ".create.lock"
)

const (
	DiskFile               = "disk.img"
	KernelFile             = "vmlinuz"
	InitrdFile             = "initrd.img"
	VSockFile              = "vsock"
	HypervisorSocketFile   = "crosvm_socket"
	NetworkSocketPrefix    = "passt_socket_"
	GuestTerminalDir       = "/home/user"
	GuestRuntimeDir        = "/run/user/1000"
	GuestTerminalEmulator  = "x-terminal-emulator"
	SocketForwarderBinName = "socat"
	NetworkBackendBinName  = "passt"
	HypervisorBinName      = "crosvm"
)

// AssetFiles are the files copied from an image into every new VM directory.
var AssetFiles = []string{DiskFile, KernelFile, InitrdFile}

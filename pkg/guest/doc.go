// Package guest implements the control protocol spoken between the host and
// the agent running inside a bubble.
//
// The protocol is plain HTTP/1.1. On the host it is reached through the
// per VM UNIX socket that the socket-forwarder relays to the agent's virtual
// socket port inside the guest. There are three operations:
//
//	GET  /ready           200 "OK"
//	POST /shutdown        201, the guest powers off
//	POST /spawn-terminal  201, the guest opens a terminal on its display
//
// None of them carries a payload beyond the status code and the host never
// waits for the guest to finish the action.
//
// The channel is not authenticated. Anyone able to connect to the host
// socket, which is governed by the permissions of the VM directory, can
// power off the guest or open a terminal in it.
package guest

const (
	ReadyPath         = "/ready"
	ShutdownPath      = "/shutdown"
	SpawnTerminalPath = "/spawn-terminal"

	readyBody = "OK"
)

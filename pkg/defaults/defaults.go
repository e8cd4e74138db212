package defaults

import "time"

const (
	// SocketPath is the default path of the arbiter's UNIX control socket.
	SocketPath = "/run/gpu-claim/control.sock"

	// SentinelFile is the default path whose presence puts the arbiter into
	// maintenance mode.
	SentinelFile = "/run/gpu-claim/maintenance"

	// StateRootDir is the default directory the daemon uses for runtime state.
	StateRootDir = "/run/gpu-claim"

	// GPULimitPerUser is the per-uid cap on simultaneously reserved cards.
	GPULimitPerUser = 8

	// TickInterval is the period of the admission loop's periodic update.
	TickInterval = 1 * time.Second

	// IdleTimeout is how long a card may sit with an empty process list
	// before it is reclaimed from its owner.
	IdleTimeout = 60 * time.Second

	// MaxClients is the connected-client count above which the arbiter
	// refuses new control connections (it closes a new connection only when
	// more than MaxClients are already connected).
	MaxClients = 100

	// MaxFrameSize is the size of the per-connection read buffer; a request
	// frame that fills it is treated as oversized and the client is
	// disconnected. Outgoing responses are not limited by it.
	MaxFrameSize = 512

	// DataDirPerm is the permissions to use for data folders.
	DataDirPerm = 0o755

	// SocketFilePerm is the permission mode for the control socket itself.
	// Authentication happens via kernel peer credentials, not filesystem
	// permissions, so the socket is left world read/writable.
	SocketFilePerm = 0o777
)

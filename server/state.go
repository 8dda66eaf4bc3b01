package server

// State is the engine's externally observable condition. The owning loop
// can poll it from another goroutine to drive a status display.
type State int32

const (
	// StateDisabled means the server is stopped; Step does nothing.
	StateDisabled State = iota
	// StateReady means the server is listening and no client is connected.
	StateReady
	// StateConnected means one control connection is active.
	StateConnected
	// StateFileTx means a download (RETR, LIST, NLST) is in progress.
	StateFileTx
	// StateFileRx means an upload (STOR) is in progress.
	StateFileRx
	// StateEndTransfer is the one-tick epilogue of a transfer, where the
	// final reply is sent and the data channel torn down.
	StateEndTransfer
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "Disabled"
	case StateReady:
		return "Ready"
	case StateConnected:
		return "Connected"
	case StateFileTx:
		return "ContinueFileTx"
	case StateFileRx:
		return "ContinueFileRx"
	case StateEndTransfer:
		return "EndTransfer"
	default:
		return "Unknown"
	}
}

// WireCode returns the compact status byte used by external status
// pollers. The mapping is stable and part of the public surface.
func (s State) WireCode() uint8 {
	switch s {
	case StateDisabled:
		return 0
	case StateReady:
		return 1
	case StateConnected:
		return 2
	case StateFileTx:
		return 3
	case StateFileRx:
		return 4
	case StateEndTransfer:
		return 5
	default:
		return 0xFF
	}
}

package eth

import "github.com/go-aistack/aistack/buf"

// DriverState is the link-level state reported by a Driver (spec.md §6:
// "get_state() → { link_up }").
type DriverState struct {
	LinkUp bool
}

// Driver is the hardware (or simulated) Ethernet driver contract of
// spec.md §6. The stack calls these methods; the driver in turn calls
// Iface.RecvFrame and Iface.StateChanged when it has a frame or a link
// transition to report. CRC handling is entirely the driver's concern —
// frames here are always whole, CRC-stripped Ethernet II frames.
type Driver interface {
	// MAC returns the driver's own hardware address.
	MAC() MacAddr
	// MTU returns the Ethernet payload MTU (spec.md §6 requires
	// ≥ 14+20+8, enough for a minimal fragment).
	MTU() int
	// SendFrame transmits a complete Ethernet II frame (header included).
	SendFrame(frame buf.Chain) error
	// State reports current link state.
	State() DriverState
}

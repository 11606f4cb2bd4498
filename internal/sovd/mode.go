package sovd

// SessionMode reports the current diagnostic session.
type SessionMode struct {
	Session   string `json:"session"`
	SessionID uint8  `json:"session_id"`
	// P2 and P2Star echo the server timing returned by the last session
	// control response, in milliseconds. Zero when unknown.
	P2     uint16 `json:"p2_ms,omitempty"`
	P2Star uint32 `json:"p2_star_ms,omitempty"`
}

// SecurityState enumerates the unlock state machine.
type SecurityState string

const (
	SecurityLocked        SecurityState = "locked"
	SecuritySeedAvailable SecurityState = "seed_available"
	SecurityUnlocked      SecurityState = "unlocked"
)

// SecurityMode reports the current security access state. Seed carries the
// pending seed as lowercase hex while a seed/key exchange is in flight.
type SecurityMode struct {
	State           SecurityState `json:"state"`
	Level           uint8         `json:"level,omitempty"`
	Seed            string        `json:"seed,omitempty"`
	AvailableLevels []uint8       `json:"available_levels,omitempty"`
}

// LinkMode reports the transport link state.
type LinkMode struct {
	CurrentBaudRate uint32 `json:"current_baud_rate"`
	PendingBaudRate uint32 `json:"pending_baud_rate,omitempty"`
	State           string `json:"state"`
}

// LinkControlResult reports the outcome of a link control request.
type LinkControlResult struct {
	Success  bool   `json:"success"`
	Action   string `json:"action"`
	BaudRate uint32 `json:"baud_rate,omitempty"`
	Message  string `json:"message,omitempty"`
}

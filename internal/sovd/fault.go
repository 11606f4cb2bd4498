package sovd

// Fault is an abstract diagnostic trouble entry. For UDS backends it wraps a
// 3-byte DTC plus its ISO 14229 status byte; the raw bit pattern is always
// exposed alongside the convenience booleans because OEMs disagree on the
// meaning of the historical bits.
type Fault struct {
	ID       string      `json:"id"`
	Code     string      `json:"code"`
	Message  string      `json:"message"`
	Severity string      `json:"severity"`
	Category string      `json:"category,omitempty"`
	Active   bool        `json:"active"`
	Status   FaultStatus `json:"status"`
	Href     string      `json:"href"`
}

// FaultStatus mirrors the ISO 14229 DTC status byte.
type FaultStatus struct {
	Raw                     string `json:"raw"`
	TestFailed              bool   `json:"test_failed"`
	TestFailedThisCycle     bool   `json:"test_failed_this_operation_cycle"`
	Pending                 bool   `json:"pending"`
	Confirmed               bool   `json:"confirmed"`
	TestNotCompletedClear   bool   `json:"test_not_completed_since_last_clear"`
	TestFailedSinceClear    bool   `json:"test_failed_since_last_clear"`
	TestNotCompletedCycle   bool   `json:"test_not_completed_this_operation_cycle"`
	WarningIndicator        bool   `json:"warning_indicator"`
}

// FaultDetail is a Fault plus its snapshot and extended data records.
type FaultDetail struct {
	Fault
	Snapshot string `json:"snapshot,omitempty"`
	Extended string `json:"extended,omitempty"`
}

// FaultFilter narrows a fault listing.
type FaultFilter struct {
	// StatusMask filters by ISO 14229 status bits; zero means all (0xFF).
	StatusMask uint8
	// Category filters by code category (powertrain/chassis/body/network).
	Category string
	// ActiveOnly keeps only faults with testFailed and confirmed set.
	ActiveOnly bool
}

// FaultsResult is a fault listing with the ECU's status availability mask.
type FaultsResult struct {
	Faults                 []Fault `json:"faults"`
	StatusAvailabilityMask uint8   `json:"status_availability_mask,omitempty"`
}

// ClearFaultsResult reports the outcome of a clear request.
type ClearFaultsResult struct {
	Success bool   `json:"success"`
	Cleared int    `json:"cleared"`
	Message string `json:"message,omitempty"`
}

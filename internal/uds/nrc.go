// Package uds implements the ISO 14229 service layer: request encoding,
// response validation, negative-response interpretation, and DTC parsing.
// It is transport-agnostic; all wire access goes through the transport
// contract and is serialised by a per-ECU request gate.
package uds

// Negative response codes per ISO 14229-1.
const (
	NRCGeneralReject                 = 0x10
	NRCServiceNotSupported           = 0x11
	NRCSubFunctionNotSupported       = 0x12
	NRCIncorrectMessageLength        = 0x13
	NRCResponseTooLong               = 0x14
	NRCBusyRepeatRequest             = 0x21
	NRCConditionsNotCorrect          = 0x22
	NRCRequestSequenceError          = 0x24
	NRCNoResponseFromSubnet          = 0x25
	NRCFailurePreventsExecution      = 0x26
	NRCRequestOutOfRange             = 0x31
	NRCSecurityAccessDenied          = 0x33
	NRCInvalidKey                    = 0x35
	NRCExceededNumberOfAttempts      = 0x36
	NRCRequiredTimeDelayNotExpired   = 0x37
	NRCUploadDownloadNotAccepted     = 0x70
	NRCTransferDataSuspended         = 0x71
	NRCGeneralProgrammingFailure     = 0x72
	NRCWrongBlockSequenceCounter     = 0x73
	NRCResponsePending               = 0x78
	NRCSubFunctionNotInActiveSession = 0x7E
	NRCServiceNotInActiveSession     = 0x7F
)

var nrcNames = map[byte]string{
	NRCGeneralReject:                 "generalReject",
	NRCServiceNotSupported:           "serviceNotSupported",
	NRCSubFunctionNotSupported:       "subFunctionNotSupported",
	NRCIncorrectMessageLength:        "incorrectMessageLengthOrInvalidFormat",
	NRCResponseTooLong:               "responseTooLong",
	NRCBusyRepeatRequest:             "busyRepeatRequest",
	NRCConditionsNotCorrect:          "conditionsNotCorrect",
	NRCRequestSequenceError:          "requestSequenceError",
	NRCNoResponseFromSubnet:          "noResponseFromSubnetComponent",
	NRCFailurePreventsExecution:      "failurePreventsExecutionOfRequestedAction",
	NRCRequestOutOfRange:             "requestOutOfRange",
	NRCSecurityAccessDenied:          "securityAccessDenied",
	NRCInvalidKey:                    "invalidKey",
	NRCExceededNumberOfAttempts:      "exceededNumberOfAttempts",
	NRCRequiredTimeDelayNotExpired:   "requiredTimeDelayNotExpired",
	NRCUploadDownloadNotAccepted:     "uploadDownloadNotAccepted",
	NRCTransferDataSuspended:         "transferDataSuspended",
	NRCGeneralProgrammingFailure:     "generalProgrammingFailure",
	NRCWrongBlockSequenceCounter:     "wrongBlockSequenceCounter",
	NRCResponsePending:               "requestCorrectlyReceivedResponsePending",
	NRCSubFunctionNotInActiveSession: "subFunctionNotSupportedInActiveSession",
	NRCServiceNotInActiveSession:     "serviceNotSupportedInActiveSession",
}

// NRCName returns the ISO name of a negative response code.
func NRCName(nrc byte) string {
	if name, ok := nrcNames[nrc]; ok {
		return name
	}
	return "unknown"
}

// SessionDropNRC reports whether the NRC implies the request needs a
// different diagnostic session. The exact set is OEM-ambiguous, so this is
// deliberately conservative: 0x22, 0x7E and 0x7F all invalidate the tracked
// session and push re-establishment onto the caller.
func SessionDropNRC(nrc byte) bool {
	switch nrc {
	case NRCConditionsNotCorrect, NRCSubFunctionNotInActiveSession, NRCServiceNotInActiveSession:
		return true
	}
	return false
}

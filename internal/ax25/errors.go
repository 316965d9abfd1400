package ax25

// ErrorCode is one of the stable alphabetic DL_ERROR codes from the AX.25
// v2.2 catalogue. Surfaced to applications via Application.OnError.
type ErrorCode byte

const (
	ErrBRemoteRefused    ErrorCode = 'B' // DM received while awaiting connection
	ErrCUnexpectedUA     ErrorCode = 'C' // UA received outside states 3/4/5
	ErrEUnexpectedDM     ErrorCode = 'E' // DM received in a connected state
	ErrGRetriesExhausted ErrorCode = 'G' // N2 retries exceeded without a response
	ErrIBadSequence      ErrorCode = 'I' // N(S) sequence error from peer
	ErrKUnexpectedFRMR   ErrorCode = 'K' // FRMR received
	ErrLInvalidControl   ErrorCode = 'L' // control field not recognised
	ErrSInvalidNR        ErrorCode = 'S' // N(R) outside the valid window
)

var errorMessages = map[ErrorCode]string{
	ErrBRemoteRefused:    "remote station refused connection (DM)",
	ErrCUnexpectedUA:     "unexpected UA received",
	ErrEUnexpectedDM:     "unexpected DM received",
	ErrGRetriesExhausted: "retry count (N2) exceeded",
	ErrIBadSequence:      "out of sequence information frame",
	ErrKUnexpectedFRMR:   "frame reject (FRMR) received",
	ErrLInvalidControl:   "invalid or unimplemented control field",
	ErrSInvalidNR:        "invalid N(R) received",
}

// Message renders the human-readable text for an error code, falling back
// to a generic description for an unrecognised one.
func (e ErrorCode) Message() string {
	if m, ok := errorMessages[e]; ok {
		return m
	}
	return "unspecified data-link error"
}

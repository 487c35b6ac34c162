package completion

import "fmt"

// ProtocolError reports a request the service rejected outright:
// malformed anchor, invalid role, schema mismatch. Never retried —
// resending the same payload cannot succeed.
type ProtocolError struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("completion API rejected request (%d): %s", e.Status, e.Message)
}

// TurnFailedError reports that transient failures exhausted the retry
// budget. The conversation state is untouched; the next inbound
// message resumes from the last finalized token.
type TurnFailedError struct {
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *TurnFailedError) Error() string {
	return fmt.Sprintf("turn failed after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap exposes the final transport error.
func (e *TurnFailedError) Unwrap() error {
	return e.Err
}

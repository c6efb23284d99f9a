package errors

import "fmt"

// ConfigurationError indicates a broker is misconfigured (bad naming scheme,
// unusable script, missing remote credentials). Fatal to that broker only.
type ConfigurationError struct {
	Err        error
	BrokerName string
	Msg        string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("broker %s configuration error: %s: %v", e.BrokerName, e.Msg, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// InvalidInputError indicates an empty or malformed idIn.
type InvalidInputError struct {
	Msg string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: %s", e.Msg)
}

// ScriptExecutionError indicates the lookup script raised an error or timed
// out. The crosswalk is never written when this is returned.
type ScriptExecutionError struct {
	Err        error
	BrokerName string
}

func (e *ScriptExecutionError) Error() string {
	return fmt.Sprintf("broker %s lookup script failed: %v", e.BrokerName, e.Err)
}

func (e *ScriptExecutionError) Unwrap() error { return e.Err }

// ScriptOutputError indicates the lookup script returned a non-string or
// empty value.
type ScriptOutputError struct {
	BrokerName string
	Msg        string
}

func (e *ScriptOutputError) Error() string {
	return fmt.Sprintf("broker %s lookup script output: %s", e.BrokerName, e.Msg)
}

// ConflictError indicates a different idOut already exists for the same
// (broker, idType, idIn) key. Raised by the store on a racing write and
// resolved internally by re-reading the winner; callers of Lookup never see it.
type ConflictError struct {
	BrokerName string
	IDType     string
	IDIn       string
	Existing   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("mapping conflict for broker %s (%s): entry already exists with a different value", e.BrokerName, e.IDType)
}

// AuthError indicates the remote STS rejected the broker's credentials.
// Fatal until the broker configuration is fixed.
type AuthError struct {
	Err        error
	BrokerName string
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("broker %s authentication failed (status %d): %v", e.BrokerName, e.StatusCode, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RemoteLookupError indicates the remote lookup API failed after retries.
type RemoteLookupError struct {
	Err        error
	BrokerName string
	StatusCode int
}

func (e *RemoteLookupError) Error() string {
	return fmt.Sprintf("broker %s remote lookup failed (status %d): %v", e.BrokerName, e.StatusCode, e.Err)
}

func (e *RemoteLookupError) Unwrap() error { return e.Err }

// TimeoutError indicates the caller's deadline expired before the lookup
// completed. The generation lock is released and nothing is written.
type TimeoutError struct {
	Err        error
	BrokerName string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("broker %s lookup timed out: %v", e.BrokerName, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// BrokerNotFoundError indicates the named broker does not exist.
type BrokerNotFoundError struct {
	BrokerName string
}

func (e *BrokerNotFoundError) Error() string {
	return fmt.Sprintf("no broker found with name %s", e.BrokerName)
}

// BrokerDisabledError indicates the named broker exists but is disabled.
type BrokerDisabledError struct {
	BrokerName string
}

func (e *BrokerDisabledError) Error() string {
	return fmt.Sprintf("broker %s is disabled", e.BrokerName)
}

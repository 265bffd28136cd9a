package upstream

import "fmt"

// ErrorKind classifies why an upstream operation failed, so the front end
// can map it to the right JSON-RPC error code without string matching.
type ErrorKind string

const (
	// ErrorKindNotConfigured means the named upstream has no registry entry.
	ErrorKindNotConfigured ErrorKind = "not_configured"
	// ErrorKindDisabled means the upstream exists but Enabled is false.
	ErrorKindDisabled ErrorKind = "disabled"
	// ErrorKindCredentialUnresolved means the upstream's credential could not be resolved.
	ErrorKindCredentialUnresolved ErrorKind = "credential_unresolved"
	// ErrorKindTransportBroken means the connection to the upstream could not be established.
	ErrorKindTransportBroken ErrorKind = "transport_broken"
	// ErrorKindUpstreamError means the upstream itself returned a JSON-RPC error.
	ErrorKindUpstreamError ErrorKind = "upstream_error"
	// ErrorKindTimeout means the operation exceeded its deadline.
	ErrorKindTimeout ErrorKind = "timeout"
)

// Error wraps a failure from an upstream operation with the server it
// came from and a classification for client-facing error mapping.
type Error struct {
	Kind   ErrorKind
	Server string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("upstream %s: %s", e.Server, e.Kind)
	}
	return fmt.Sprintf("upstream %s: %s: %v", e.Server, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an *Error for the given upstream and classification.
func NewError(server string, kind ErrorKind, err error) *Error {
	return &Error{Server: server, Kind: kind, Err: err}
}

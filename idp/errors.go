package idp

import "fmt"

// FailureKind classifies a failed code exchange.
type FailureKind int

const (
	// FailureUnexpected covers malformed responses, token endpoint errors
	// without an OAuth2 error code, and ID token verification failures.
	FailureUnexpected FailureKind = iota
	// FailureInvalidGrant means the provider rejected the request with an
	// OAuth2 error code, typically an invalid or expired code.
	FailureInvalidGrant
	// FailureTransport means the token endpoint could not be reached.
	FailureTransport
)

func (k FailureKind) String() string {
	switch k {
	case FailureInvalidGrant:
		return "invalid_grant"
	case FailureTransport:
		return "transport"
	default:
		return "unexpected"
	}
}

// ExchangeError is the failure returned by Client.Exchange.
type ExchangeError struct {
	Kind FailureKind
	// Code is the provider's OAuth2 error code for FailureInvalidGrant.
	Code        string
	Description string
	Err         error
}

func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("code exchange failed (%s): %s", e.Kind, e.Code)
	}
	return fmt.Sprintf("code exchange failed (%s): %v", e.Kind, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

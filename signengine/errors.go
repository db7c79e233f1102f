package signengine

import "github.com/pkg/errors"

// Kind identifies one of the abstract error categories the engine's
// public operations can fail with.
type Kind int

const (
	// ErrInvalidConfig signals a construction-time configuration problem:
	// an empty signer list, a duplicate signer name, or a missing
	// createdBy string.
	ErrInvalidConfig Kind = iota
	// ErrInvalidKey signals a signer's public key type/size is unsupported
	// for the requested minSdkVersion.
	ErrInvalidKey
	// ErrUnsupported signals a requested feature this engine does not
	// implement (preserve-other-signers).
	ErrUnsupported
	// ErrStateViolation signals an operation called after close, or
	// before its prerequisites are satisfied (inspection requests not
	// done, v1 not emitted before v2, commit before emission).
	ErrStateViolation
	// ErrSignatureRefusedDebuggable signals emission was blocked because
	// the output APK is debuggable and policy forbids signing it.
	ErrSignatureRefusedDebuggable
	// ErrFormat signals a referenced input (input manifest, output
	// AndroidManifest) could not be parsed.
	ErrFormat
	// ErrCrypto signals the v1 or v2 leaf builder failed (certificate
	// encoding, signature computation).
	ErrCrypto
)

func (k Kind) String() string {
	switch k {
	case ErrInvalidConfig:
		return "invalid-config"
	case ErrInvalidKey:
		return "invalid-key"
	case ErrUnsupported:
		return "unsupported"
	case ErrStateViolation:
		return "state-violation"
	case ErrSignatureRefusedDebuggable:
		return "signature-refused-debuggable"
	case ErrFormat:
		return "format"
	case ErrCrypto:
		return "crypto"
	default:
		return "unknown"
	}
}

// SignError is the concrete error type every exported signengine operation
// returns on failure. Callers that need to branch on the failure category
// type-assert for *SignError and inspect Kind.
type SignError struct {
	Kind  Kind
	cause error
}

func (e *SignError) Error() string {
	if e.cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.cause.Error()
}

func (e *SignError) Unwrap() error { return e.cause }

func newErr(kind Kind, format string, args ...interface{}) *SignError {
	return &SignError{Kind: kind, cause: errors.Errorf(format, args...)}
}

func wrapErr(kind Kind, cause error, msg string) *SignError {
	return &SignError{Kind: kind, cause: errors.Wrap(cause, msg)}
}

// Is reports whether err is a *SignError of the given kind, unwrapping as
// needed. Mirrors the errors.Is contract the pkg/errors-based pack uses.
func Is(err error, kind Kind) bool {
	var se *SignError
	if !errors.As(err, &se) {
		return false
	}
	return se.Kind == kind
}

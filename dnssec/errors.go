package dnssec

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// ValidationError represents a DNSSEC validation error with EDE information.
type ValidationError struct {
	Code    uint16
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// EDECode returns the extended DNS error code for this error.
func (e *ValidationError) EDECode() uint16 {
	return e.Code
}

// Is matches errors of the same code and base message, so errors created with
// WithContext still match their sentinel.
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	if !ok {
		return false
	}
	return e.Code == t.Code && (e.Message == t.Message || strings.HasPrefix(e.Message, t.Message+" - "))
}

// (*ValidationError).WithContext creates a new ValidationError with additional context.
func (e *ValidationError) WithContext(format string, args ...any) *ValidationError {
	return &ValidationError{
		Code:    e.Code,
		Message: e.Message + " - " + fmt.Sprintf(format, args...),
		Err:     e.Err,
	}
}

// Wrap returns a copy of e carrying err.
func (e *ValidationError) Wrap(err error) *ValidationError {
	return &ValidationError{Code: e.Code, Message: e.Message, Err: err}
}

// Validation errors with EDE codes.
var (
	ErrMalformed = &ValidationError{
		Code:    dns.ExtendedErrorCodeDNSBogus,
		Message: "Response could not be parsed",
	}
	ErrNoSignatures = &ValidationError{
		Code:    dns.ExtendedErrorCodeRRSIGsMissing,
		Message: "Response is missing required RRSIG records",
	}
	ErrNoDNSKEY = &ValidationError{
		Code:    dns.ExtendedErrorCodeDNSKEYMissing,
		Message: "No DNSKEY records found",
	}
	ErrMissingDNSKEY = &ValidationError{
		Code:    dns.ExtendedErrorCodeDNSKEYMissing,
		Message: "No DNSKEY found to validate RRSIG",
	}
	ErrInvalidSignaturePeriod = &ValidationError{
		Code:    dns.ExtendedErrorCodeSignatureExpired,
		Message: "RRSIG validity period check failed",
	}
	ErrBadSignature = &ValidationError{
		Code:    dns.ExtendedErrorCodeDNSBogus,
		Message: "RRSIG does not verify",
	}
	ErrUnsupportedKey = &ValidationError{
		Code:    dns.ExtendedErrorCodeUnsupportedDNSKEYAlgorithm,
		Message: "DNSKEY exponent is not supported",
	}
)

// NewNetworkError creates a network error with EDE information.
func NewNetworkError(err error) *ValidationError {
	return &ValidationError{
		Code:    dns.ExtendedErrorCodeNetworkError,
		Message: "network error",
		Err:     err,
	}
}

// DNSKEYMissingForZone returns ErrNoDNSKEY with zone context.
func DNSKEYMissingForZone(zone string) *ValidationError {
	return ErrNoDNSKEY.WithContext("zone %s", zone)
}

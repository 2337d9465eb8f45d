package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"syscall"
)

// Variant tags the origin of a TransportError.
type Variant int

const (
	// VariantSetup covers failures before a request left the process.
	VariantSetup Variant = iota
	// VariantHTTPStatus is a response with a non-success status code.
	VariantHTTPStatus
	// VariantNetwork is a request that never got a response.
	VariantNetwork
	// VariantValidation is a response body that failed schema validation.
	VariantValidation
	// VariantCancelled is a request abandoned on purpose.
	VariantCancelled
)

// String returns a lower-case name for the variant.
func (v Variant) String() string {
	switch v {
	case VariantSetup:
		return "setup"
	case VariantHTTPStatus:
		return "http_status"
	case VariantNetwork:
		return "network"
	case VariantValidation:
		return "validation"
	case VariantCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// NetCode identifies the network-level cause of a VariantNetwork error.
type NetCode string

// Network failure codes.
const (
	NetConnRefused     NetCode = "conn_refused"
	NetTimeout         NetCode = "timeout"
	NetAborted         NetCode = "conn_aborted"
	NetDNS             NetCode = "dns"
	NetUnreachable     NetCode = "net_unreachable"
	NetHostUnreachable NetCode = "host_unreachable"
	NetConnReset       NetCode = "conn_reset"
	NetBrokenPipe      NetCode = "broken_pipe"
	NetGeneric         NetCode = "network"
)

// Issue is a single schema validation failure.
type Issue struct {
	Path    string
	Message string
}

// String formats the issue as "path: message".
func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// TransportError is the tagged failure produced at the transport boundary.
type TransportError struct {
	Variant Variant

	// Op names the operation, e.g. "login" or "GET /Device".
	Op string

	// URL is the request URL with any credentials stripped.
	URL string

	// StatusCode is set for VariantHTTPStatus.
	StatusCode int

	// Code is set for VariantNetwork.
	Code NetCode

	// Body holds a short excerpt of a textual error response.
	Body string

	// Issues is set for VariantValidation.
	Issues []Issue

	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	var b strings.Builder
	b.WriteString("nxm: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch e.Variant {
	case VariantHTTPStatus:
		fmt.Fprintf(&b, "HTTP %d", e.StatusCode)
	case VariantNetwork:
		fmt.Fprintf(&b, "network error (%s)", e.Code)
	case VariantValidation:
		b.WriteString("invalid data")
		for _, is := range e.Issues {
			b.WriteString("; ")
			b.WriteString(is.String())
		}
	case VariantCancelled:
		b.WriteString("cancelled")
	default:
		b.WriteString("request setup failed")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// maxBodyExcerpt bounds the response excerpt kept on HTTP errors.
const maxBodyExcerpt = 256

// FromHTTPStatus builds a VariantHTTPStatus error.
func FromHTTPStatus(op, rawURL string, status int, body []byte) *TransportError {
	excerpt := strings.TrimSpace(string(body))
	if len(excerpt) > maxBodyExcerpt {
		excerpt = excerpt[:maxBodyExcerpt]
	}
	return &TransportError{
		Variant:    VariantHTTPStatus,
		Op:         op,
		URL:        redact(rawURL),
		StatusCode: status,
		Body:       excerpt,
	}
}

// FromValidation builds a VariantValidation error.
func FromValidation(op string, issues []Issue) *TransportError {
	return &TransportError{
		Variant: VariantValidation,
		Op:      op,
		Issues:  issues,
		Err:     ErrMalformed,
	}
}

// FromNetError converts an error returned by an HTTP client or dialer into a
// TransportError. Errors that are already TransportErrors pass through.
// Context cancellation becomes VariantCancelled; a context deadline is a
// timeout like any other.
func FromNetError(op, rawURL string, err error) *TransportError {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}

	e := &TransportError{Op: op, URL: redact(rawURL), Err: err}

	if errors.Is(err, context.Canceled) || errors.Is(err, syscall.ECANCELED) {
		e.Variant = VariantCancelled
		return e
	}

	code, ok := netCode(err)
	if !ok {
		e.Variant = VariantSetup
		return e
	}
	e.Variant = VariantNetwork
	e.Code = code
	return e
}

// netCode maps an error chain onto a NetCode. ok is false when the error
// does not look like a network failure at all.
func netCode(err error) (NetCode, bool) {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return NetConnRefused, true
	case errors.Is(err, syscall.ECONNRESET):
		return NetConnReset, true
	case errors.Is(err, syscall.EPIPE):
		return NetBrokenPipe, true
	case errors.Is(err, syscall.ECONNABORTED):
		return NetAborted, true
	case errors.Is(err, syscall.ENETUNREACH):
		return NetUnreachable, true
	case errors.Is(err, syscall.EHOSTUNREACH):
		return NetHostUnreachable, true
	case errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded):
		return NetTimeout, true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NetDNS, true
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return NetTimeout, true
		}
		return NetGeneric, true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return NetGeneric, true
	}
	return "", false
}

// redact strips userinfo and the query string from a URL.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}

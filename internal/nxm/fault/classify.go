package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the classification of a failure.
type Kind int

// Failure kinds.
const (
	KindUnknown Kind = iota
	KindConfiguration
	KindAuthentication
	KindNotFound
	KindRateLimited
	KindServerFault
	KindMalformed
	KindNetworkUnreachable
	KindConnectionReset
	KindCancelled
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindConfiguration:      "configuration",
	KindAuthentication:     "authentication",
	KindNotFound:           "not_found",
	KindRateLimited:        "rate_limited",
	KindServerFault:        "server_fault",
	KindMalformed:          "malformed",
	KindNetworkUnreachable: "network_unreachable",
	KindConnectionReset:    "connection_reset",
	KindCancelled:          "cancelled",
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Category groups kinds into the handling taxonomy used by the supervisor.
type Category int

// Handling categories.
const (
	CategoryUnknown Category = iota
	CategoryConfiguration
	CategoryAuthentication
	CategoryNetwork
	CategoryProtocol
	CategoryCancellation
)

// String returns the snake_case name of the category.
func (c Category) String() string {
	switch c {
	case CategoryConfiguration:
		return "configuration"
	case CategoryAuthentication:
		return "authentication"
	case CategoryNetwork:
		return "network"
	case CategoryProtocol:
		return "protocol"
	case CategoryCancellation:
		return "cancellation"
	default:
		return "unknown"
	}
}

// Category returns the handling category for the kind.
func (k Kind) Category() Category {
	switch k {
	case KindConfiguration:
		return CategoryConfiguration
	case KindAuthentication:
		return CategoryAuthentication
	case KindNetworkUnreachable, KindConnectionReset, KindServerFault:
		return CategoryNetwork
	case KindMalformed, KindNotFound, KindRateLimited:
		return CategoryProtocol
	case KindCancelled:
		return CategoryCancellation
	default:
		return CategoryUnknown
	}
}

// Classification is the result of Classify.
type Classification struct {
	Kind Kind

	// Reconnect reports whether tearing down and rebuilding the connection
	// is the right response.
	Reconnect bool

	// Message is a short operator-facing description.
	Message string
}

// Classify maps err onto a Kind and decides whether it warrants a reconnect.
// A nil error classifies as KindUnknown with an empty message.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	switch {
	case errors.Is(err, ErrConfiguration):
		return Classification{Kind: KindConfiguration, Message: "Invalid configuration: " + err.Error()}
	case errors.Is(err, ErrAuthentication), errors.Is(err, ErrNotAuthenticated):
		return Classification{Kind: KindAuthentication, Message: "Authentication failed: check credentials"}
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return Classification{Kind: KindCancelled, Message: "Request cancelled"}
	}

	var te *TransportError
	if !errors.As(err, &te) {
		if errors.Is(err, ErrMalformed) {
			return Classification{Kind: KindMalformed, Message: "Invalid data returned: " + err.Error()}
		}
		return Classification{Kind: KindUnknown, Message: "Unknown error: " + err.Error()}
	}

	switch te.Variant {
	case VariantHTTPStatus:
		return classifyStatus(te.StatusCode)
	case VariantNetwork:
		return classifyNetwork(te.Code)
	case VariantValidation:
		return Classification{Kind: KindMalformed, Message: "Invalid data returned: " + te.Error()}
	case VariantCancelled:
		return Classification{Kind: KindCancelled, Message: "Request cancelled"}
	default:
		return Classification{Kind: KindUnknown, Message: "Request setup error: " + te.Error()}
	}
}

func classifyStatus(status int) Classification {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden,
		status == http.StatusNetworkAuthenticationRequired:
		return Classification{
			Kind:    KindAuthentication,
			Message: fmt.Sprintf("Authentication error %d: check credentials", status),
		}
	case status == http.StatusNotFound:
		return Classification{
			Kind:    KindNotFound,
			Message: fmt.Sprintf("Not found %d: endpoint may have changed", status),
		}
	case status == http.StatusTooManyRequests:
		return Classification{
			Kind:    KindRateLimited,
			Message: fmt.Sprintf("Rate limited %d: too many requests", status),
		}
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return Classification{
			Kind:    KindServerFault,
			Message: fmt.Sprintf("Server unavailable %d: device not ready", status),
		}
	case status >= 500:
		return Classification{
			Kind:    KindServerFault,
			Message: fmt.Sprintf("Server error %d", status),
		}
	default:
		return Classification{
			Kind:    KindUnknown,
			Message: fmt.Sprintf("HTTP %d", status),
		}
	}
}

func classifyNetwork(code NetCode) Classification {
	c := Classification{Kind: KindNetworkUnreachable, Reconnect: true}
	switch code {
	case NetConnRefused:
		c.Message = "Connection refused: device may be offline or unreachable"
	case NetTimeout, NetAborted:
		c.Message = fmt.Sprintf("Request timed out: device not responding (%s)", code)
	case NetDNS:
		c.Message = "DNS resolution failed: cannot find device hostname"
	case NetUnreachable, NetHostUnreachable:
		c.Message = fmt.Sprintf("Network unreachable: check network connectivity (%s)", code)
	case NetConnReset:
		c.Kind = KindConnectionReset
		c.Message = "Connection reset: device closed connection unexpectedly"
	case NetBrokenPipe:
		c.Kind = KindConnectionReset
		c.Message = "Broken pipe: connection lost during transmission"
	default:
		c.Message = "Network error: check device connection"
	}
	return c
}

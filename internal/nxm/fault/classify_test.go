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
	"testing"
)

func dialErr(errno syscall.Errno) error {
	return &url.Error{
		Op:  "Get",
		URL: "https://10.0.0.5/Device",
		Err: &net.OpError{
			Op:  "dial",
			Net: "tcp",
			Err: &os.SyscallError{Syscall: "connect", Err: errno},
		},
	}
}

func TestClassify_HTTPStatus(t *testing.T) {
	tests := []struct {
		status    int
		kind      Kind
		reconnect bool
	}{
		{401, KindAuthentication, false},
		{403, KindAuthentication, false},
		{511, KindAuthentication, false},
		{404, KindNotFound, false},
		{429, KindRateLimited, false},
		{500, KindServerFault, false},
		{501, KindServerFault, false},
		{502, KindServerFault, false},
		{503, KindServerFault, false},
		{504, KindServerFault, false},
		{400, KindUnknown, false},
		{418, KindUnknown, false},
		{302, KindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			err := FromHTTPStatus("GET /Device", "https://host/Device", tt.status, nil)
			c := Classify(err)
			if c.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", c.Kind, tt.kind)
			}
			if c.Reconnect != tt.reconnect {
				t.Errorf("Reconnect = %v, want %v", c.Reconnect, tt.reconnect)
			}
			if c.Message == "" {
				t.Error("Message should not be empty")
			}
		})
	}
}

func TestClassify_Network(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code NetCode
		kind Kind
	}{
		{"refused", dialErr(syscall.ECONNREFUSED), NetConnRefused, KindNetworkUnreachable},
		{"reset", dialErr(syscall.ECONNRESET), NetConnReset, KindConnectionReset},
		{"broken pipe", dialErr(syscall.EPIPE), NetBrokenPipe, KindConnectionReset},
		{"aborted", dialErr(syscall.ECONNABORTED), NetAborted, KindNetworkUnreachable},
		{"net unreachable", dialErr(syscall.ENETUNREACH), NetUnreachable, KindNetworkUnreachable},
		{"host unreachable", dialErr(syscall.EHOSTUNREACH), NetHostUnreachable, KindNetworkUnreachable},
		{"timeout errno", dialErr(syscall.ETIMEDOUT), NetTimeout, KindNetworkUnreachable},
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), NetTimeout, KindNetworkUnreachable},
		{
			"dns",
			&net.OpError{Op: "dial", Net: "tcp", Err: &net.DNSError{Err: "no such host", Name: "nxm.invalid", IsNotFound: true}},
			NetDNS, KindNetworkUnreachable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := FromNetError("GET /Device", "https://user:pw@host/Device?x=1", tt.err)
			if te.Variant != VariantNetwork {
				t.Fatalf("Variant = %v, want network", te.Variant)
			}
			if te.Code != tt.code {
				t.Errorf("Code = %q, want %q", te.Code, tt.code)
			}
			if strings.Contains(te.URL, "pw") || strings.Contains(te.URL, "x=1") {
				t.Errorf("URL not redacted: %q", te.URL)
			}

			c := Classify(te)
			if c.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", c.Kind, tt.kind)
			}
			if !c.Reconnect {
				t.Error("network failures should be reconnect-worthy")
			}
			if c.Kind.Category() != CategoryNetwork {
				t.Errorf("Category = %v, want network", c.Kind.Category())
			}
		})
	}
}

func TestClassify_Cancellation(t *testing.T) {
	for _, err := range []error{
		FromNetError("GET /Device", "https://host/Device", context.Canceled),
		fmt.Errorf("job: %w", ErrCancelled),
		context.Canceled,
	} {
		c := Classify(err)
		if c.Kind != KindCancelled {
			t.Errorf("Classify(%v).Kind = %v, want cancelled", err, c.Kind)
		}
		if c.Reconnect {
			t.Errorf("Classify(%v) should not request a reconnect", err)
		}
	}
}

func TestClassify_Validation(t *testing.T) {
	err := FromValidation("merge", []Issue{
		{Path: "Device.AvioV2.Version", Message: "must match X.Y.Z"},
		{Path: "Device.AvMatrixRoutingV2.Routes.Output1.VideoSource", Message: "expected string"},
	})

	c := Classify(err)
	if c.Kind != KindMalformed {
		t.Fatalf("Kind = %v, want malformed", c.Kind)
	}
	if c.Reconnect {
		t.Error("malformed data should not trigger a reconnect")
	}
	if !errors.Is(err, ErrMalformed) {
		t.Error("validation error should wrap ErrMalformed")
	}
	if !strings.Contains(err.Error(), "Device.AvioV2.Version: must match X.Y.Z") {
		t.Errorf("Error() = %q, want formatted issue", err.Error())
	}
}

func TestClassify_Sentinels(t *testing.T) {
	tests := []struct {
		err  error
		kind Kind
		cat  Category
	}{
		{fmt.Errorf("%w: empty host", ErrConfiguration), KindConfiguration, CategoryConfiguration},
		{ErrAuthentication, KindAuthentication, CategoryAuthentication},
		{ErrNotAuthenticated, KindAuthentication, CategoryAuthentication},
		{errors.New("boom"), KindUnknown, CategoryUnknown},
	}

	for _, tt := range tests {
		c := Classify(tt.err)
		if c.Kind != tt.kind {
			t.Errorf("Classify(%v).Kind = %v, want %v", tt.err, c.Kind, tt.kind)
		}
		if c.Kind.Category() != tt.cat {
			t.Errorf("Classify(%v) category = %v, want %v", tt.err, c.Kind.Category(), tt.cat)
		}
		if c.Reconnect {
			t.Errorf("Classify(%v) should not request a reconnect", tt.err)
		}
	}
}

func TestClassify_Nil(t *testing.T) {
	if c := Classify(nil); c != (Classification{}) {
		t.Errorf("Classify(nil) = %+v, want zero value", c)
	}
}

func TestFromNetError_PassesThroughTransportErrors(t *testing.T) {
	orig := FromHTTPStatus("login", "https://host/userlogin.html", 401, []byte("denied"))
	wrapped := fmt.Errorf("login: %w", orig)

	if got := FromNetError("other", "https://host/", wrapped); got != orig {
		t.Errorf("FromNetError() = %v, want original TransportError", got)
	}
}

func TestFromNetError_NonNetworkIsSetup(t *testing.T) {
	te := FromNetError("GET /Device", "https://host/Device", errors.New("bad request build"))
	if te.Variant != VariantSetup {
		t.Errorf("Variant = %v, want setup", te.Variant)
	}
	if c := Classify(te); c.Kind != KindUnknown {
		t.Errorf("Kind = %v, want unknown", c.Kind)
	}
}

func TestFromHTTPStatus_TruncatesBody(t *testing.T) {
	body := strings.Repeat("x", 1000)
	te := FromHTTPStatus("GET /Device", "https://host/Device", 500, []byte(body))
	if len(te.Body) != maxBodyExcerpt {
		t.Errorf("len(Body) = %d, want %d", len(te.Body), maxBodyExcerpt)
	}
}

package kerb

import (
	"log/slog"
	"net/http"

	gokrb5client "github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/spnego"
)

// TicketSource yields the client used to sign requests, or nil if none is available.
type TicketSource interface {
	Gokrb5Client() *gokrb5client.Client
}

// Transport adds a SPNEGO Authorization header to requests when a ticket is
// available. Requests go out unauthenticated otherwise.
type Transport struct {
	Next   http.RoundTripper
	Source TicketSource
	// SPN overrides the service principal. Empty means HTTP/<request host>.
	SPN string
}

// Wrap returns a decorator suitable for fetch.Options.WrapTransport.
func Wrap(source TicketSource, spn string) func(http.RoundTripper) http.RoundTripper {
	return func(next http.RoundTripper) http.RoundTripper {
		return &Transport{Next: next, Source: source, SPN: spn}
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	next := t.Next
	if next == nil {
		next = http.DefaultTransport
	}
	if t.Source == nil || req.Header.Get("Authorization") != "" {
		return next.RoundTrip(req)
	}
	if refresher, ok := t.Source.(interface{ CheckAndRefresh() error }); ok {
		if err := refresher.CheckAndRefresh(); err != nil {
			slog.Warn("Kerberos ticket refresh failed", "error", err)
		}
	}
	cl := t.Source.Gokrb5Client()
	if cl == nil {
		return next.RoundTrip(req)
	}

	signed := req.Clone(req.Context())
	if err := spnego.SetSPNEGOHeader(cl, signed, t.SPN); err != nil {
		slog.Warn("Failed to set SPNEGO header, sending request unauthenticated", "host", req.URL.Host, "error", err)
		return next.RoundTrip(req)
	}
	slog.Debug("Attached SPNEGO token", "host", req.URL.Host)
	return next.RoundTrip(signed)
}

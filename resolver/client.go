package resolver

import (
	"crypto/tls"
	"net/http"
	"time"
)

// NewHTTPClient returns a client with a bounded per-request timeout.
// Certificate verification is skipped when verifyTLS is false; some
// deployments of the API run behind self-signed certificates.
func NewHTTPClient(timeout time.Duration, verifyTLS bool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: !verifyTLS} //nolint:gosec // operator opt-out
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}

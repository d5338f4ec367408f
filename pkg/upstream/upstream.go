package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/packrat-io/packrat/pkg/security"
	"github.com/packrat-io/packrat/pkg/types"
)

// Timeout is the deadline for any single upstream fetch; exceeding it
// surfaces to clients as 504.
const Timeout = 25 * time.Second

// StatusError reports a non-2xx upstream response
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d", e.URL, e.StatusCode)
}

// IsStatus reports whether err is a StatusError with the given code
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// Status extracts the upstream status code, or 0
func Status(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// NewClient creates the HTTP client used for all upstream traffic
func NewClient() *http.Client {
	return &http.Client{Timeout: Timeout}
}

// Authorize attaches the protocol-appropriate auth header for the
// repository's credential kind
func Authorize(req *http.Request, kind types.CredentialKind, creds *security.Credentials) {
	if creds == nil {
		return
	}
	switch kind {
	case types.CredentialKindHTTPBasic:
		if creds.Username != "" || creds.Password != "" {
			req.SetBasicAuth(creds.Username, creds.Password)
		}
	case types.CredentialKindGitToken:
		if creds.Token != "" {
			req.Header.Set("Authorization", "Bearer "+creds.Token)
		}
	}
}

// Fetch GETs url with optional credentials and returns the body reader.
// Non-2xx responses close the body and return a StatusError.
func Fetch(ctx context.Context, client *http.Client, url string, kind types.CredentialKind, creds *security.Credentials) (io.ReadCloser, *http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid upstream url %s: %w", url, err)
	}
	req.Header.Set("User-Agent", "packrat-mirror/1.0")
	Authorize(req, kind, creds)

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("upstream fetch %s failed: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, nil, &StatusError{StatusCode: resp.StatusCode, URL: url}
	}
	return resp.Body, resp, nil
}

// FetchBytes GETs url and buffers the whole body
func FetchBytes(ctx context.Context, client *http.Client, url string, kind types.CredentialKind, creds *security.Credentials) ([]byte, error) {
	body, _, err := Fetch(ctx, client, url, kind, creds)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream body: %w", err)
	}
	return data, nil
}

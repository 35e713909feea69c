package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/kiranshivaraju/genflow/pkg/models"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 8 << 10

const maxRedirects = 5

// ErrForbiddenAddress is returned when a user-supplied URL leads to a
// loopback, private or link-local address, or away from https.
var ErrForbiddenAddress = errors.New("destination not allowed")

// PublicClient returns a client for fetching user-supplied URLs. Every
// resolved address is checked when dialled, so a name cannot be pointed at
// an internal host after validation. Redirects must stay on https.
func PublicClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: dialPublicOnly,
	}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			ForceAttemptHTTP2:   true,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if req.URL.Scheme != "https" {
				return fmt.Errorf("%w: redirect to %s", ErrForbiddenAddress, req.URL.Scheme)
			}
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
}

func dialPublicOnly(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil || !models.PublicIP(ip) {
		return fmt.Errorf("%w: %s", ErrForbiddenAddress, host)
	}
	return nil
}

// apiError is the error envelope shared by OpenAI and the Google generative APIs.
type apiError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// DoJSON sends body as JSON and decodes a 2xx response into out. header is
// applied after the content type so adapters can add auth.
func DoJSON(ctx context.Context, client *http.Client, name, method, url string, header http.Header, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", name, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", name, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		return TransportError(ctx, name, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return StatusError(name, resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidResponse, name, err)
	}
	return nil
}

// Download fetches url into memory, capped at limit bytes.
func Download(ctx context.Context, client *http.Client, name, url string, header http.Header, limit int64) (*Asset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", name, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, TransportError(ctx, name, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, StatusError(name, resp.StatusCode, raw)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, TransportError(ctx, name, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s: asset exceeds %d bytes", ErrInvalidResponse, name, limit)
	}
	return &Asset{Data: data, ContentType: resp.Header.Get("Content-Type"), URL: url}, nil
}

// StatusError classifies a non-2xx response, keeping the provider's own
// message so it can be surfaced to the user.
func StatusError(name string, status int, body []byte) error {
	msg := http.StatusText(status)
	var envelope apiError
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		msg = envelope.Error.Message
	} else if s := strings.TrimSpace(string(body)); s != "" && len(s) < 200 {
		msg = s
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s: %s", ErrCredentialRejected, name, msg)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: %s: %s (status %d)", ErrProviderUnavailable, name, msg, status)
	default:
		return fmt.Errorf("%w: %s: %s (status %d)", ErrProviderFailure, name, msg, status)
	}
}

// TransportError maps a failed round trip to ErrProviderTimeout when the
// context deadline caused it.
func TransportError(ctx context.Context, name string, err error) error {
	if errors.Is(err, ErrForbiddenAddress) {
		return fmt.Errorf("%w: %s: %w", ErrProviderFailure, name, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrProviderTimeout, name)
	}
	return fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, name, err)
}

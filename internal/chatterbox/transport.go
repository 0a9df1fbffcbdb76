package chatterbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Identity is the device-info side channel.
type Identity struct {
	MAC     string `json:"mac"`
	Device  string `json:"device"`
	Version string `json:"version"`
}

// UniqueID returns the MAC address with separators removed.
func (id Identity) UniqueID() string {
	return strings.NewReplacer(":", "", "-", "").Replace(id.MAC)
}

// Transport performs the two physical operations the device supports.
type Transport interface {
	// DeviceInfo fetches the device identity.
	DeviceInfo(ctx context.Context) (Identity, error)
	// Call posts a JSON-RPC shaped request and returns the raw JSON response.
	// Shape validation is up to the caller.
	Call(ctx context.Context, req any) (json.RawMessage, error)
}

// maxResponseBytes bounds what we read from the device.
const maxResponseBytes = 1 << 20

// HTTPTransport talks to a chatterbox over plain HTTP.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport creates a transport for host ("chatterbox.local",
// "192.168.1.20:8080" or a full http:// URL). A zero timeout means 10s.
func NewHTTPTransport(host string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := host
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &HTTPTransport{
		baseURL: strings.TrimRight(base, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// DeviceInfo implements Transport.
func (t *HTTPTransport) DeviceInfo(ctx context.Context) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+infoPath, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("build info request: %w", err)
	}
	body, err := t.do(req)
	if err != nil {
		return Identity{}, err
	}

	var doc struct {
		Local *Identity `json:"local"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return Identity{}, fmt.Errorf("%w: decode device info: %v", ErrProtocol, err)
	}
	if doc.Local == nil {
		return Identity{}, fmt.Errorf("%w: device info has no \"local\" object", ErrProtocol)
	}
	return *doc.Local, nil
}

// Call implements Transport.
func (t *HTTPTransport) Call(ctx context.Context, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+rpcPath, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build rpc request: %w", err)
	}
	// The device's web UI posts form-encoded JSON text; it ignores the header.
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := t.do(req)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: response is not JSON", ErrProtocol)
	}
	return json.RawMessage(body), nil
}

func (t *HTTPTransport) do(req *http.Request) ([]byte, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrConnection, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrConnection, req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s %s: status %d", ErrConnection, req.Method, req.URL.Path, resp.StatusCode)
	}
	return body, nil
}

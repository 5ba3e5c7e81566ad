package target

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPOption configures an HTTP target.
type HTTPOption func(*HTTP)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTP) {
		t.client = c
	}
}

func WithTLSConfig(cfg *tls.Config) HTTPOption {
	return func(t *HTTP) {
		t.client.Transport = &http.Transport{TLSClientConfig: cfg}
	}
}

func WithExecTimeout(d time.Duration) HTTPOption {
	return func(t *HTTP) {
		t.execTimeout = d
	}
}

// NewHTTP returns a Target that drives a keeld agent over its JSON API.
func NewHTTP(endpoint string, opts ...HTTPOption) *HTTP {
	t := &HTTP{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// HTTP is a Target backed by a keeld agent on the managed host.
type HTTP struct {
	endpoint    string
	client      *http.Client
	execTimeout time.Duration
}

func (t *HTTP) Execute(ctx context.Context, command string) (*ExecResult, error) {
	req := ExecuteRequest{Command: command}
	if t.execTimeout > 0 {
		req.TimeoutSeconds = int(t.execTimeout.Seconds())
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode execute request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+ExecutePath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	var out ExecuteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode execute response: %w", err)
	}

	return &ExecResult{Stdout: out.Stdout, Stderr: out.Stderr, ExitCode: out.ExitCode}, nil
}

func (t *HTTP) FetchFile(ctx context.Context, path string) ([]byte, *FileInfo, error) {
	u := t.endpoint + FilesPath + "?path=" + url.QueryEscape(path)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, nil, err
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, responseError(resp)
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read file body: %w", err)
	}

	info := &FileInfo{
		Mode:  resp.Header.Get(HeaderMode),
		Owner: resp.Header.Get(HeaderOwner),
		Group: resp.Header.Get(HeaderGroup),
	}
	return content, info, nil
}

func (t *HTTP) PushFile(ctx context.Context, path string, content []byte, info *FileInfo) error {
	u := t.endpoint + FilesPath + "?path=" + url.QueryEscape(path)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(content))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	if info != nil {
		if info.Mode != "" {
			httpReq.Header.Set(HeaderMode, info.Mode)
		}
		if info.Owner != "" {
			httpReq.Header.Set(HeaderOwner, info.Owner)
		}
		if info.Group != "" {
			httpReq.Header.Set(HeaderGroup, info.Group)
		}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return responseError(resp)
	}

	return nil
}

// classifyTransportError maps client-side failures onto ErrUnreachable so
// adapters and the reconciler can react uniformly. Any error from the HTTP
// client itself (connection refused, DNS, timeout) means the agent could not
// be contacted.
func classifyTransportError(err error) error {
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

func responseError(resp *http.Response) error {
	var payload ErrorResponse
	msg := ""
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
		msg = payload.Message
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		if msg != "" {
			return fmt.Errorf("%w: %s", ErrNotFound, msg)
		}
		return ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		if msg != "" {
			return fmt.Errorf("%w: %s", ErrPermission, msg)
		}
		return ErrPermission
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: agent returned status %d: %s", ErrUnreachable, resp.StatusCode, msg)
	default:
		return fmt.Errorf("agent returned status %d: %s", resp.StatusCode, msg)
	}
}

package decrypt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OperationDecrypt is the operation name sent with every request.
const OperationDecrypt = "decrypt"

// DefaultRetryDelay is the pause before the single retry of a failed call.
const DefaultRetryDelay = time.Second

// HTTPGatewayConfig configures an HTTPGateway.
type HTTPGatewayConfig struct {
	// TokenURL receives asynchronous decrypt requests (required).
	TokenURL string

	// SyncURL receives inline decrypt calls. Empty disables Decrypt.
	SyncURL string

	// BearerToken is sent as an Authorization header when set.
	BearerToken string

	// Timeout bounds each HTTP attempt. Default: 30s.
	Timeout time.Duration

	// RetryDelay is the pause before the retry. Default: 1s.
	RetryDelay time.Duration

	// Client overrides the HTTP client.
	Client *http.Client
}

// HTTPGateway talks to the external cryptographic service over JSON/HTTP.
type HTTPGateway struct {
	cfg    HTTPGatewayConfig
	client *http.Client
}

var (
	_ Gateway       = (*HTTPGateway)(nil)
	_ SyncDecrypter = (*HTTPGateway)(nil)
)

// NewHTTPGateway validates cfg and builds a gateway.
func NewHTTPGateway(cfg HTTPGatewayConfig) (*HTTPGateway, error) {
	if strings.TrimSpace(cfg.TokenURL) == "" {
		return nil, fmt.Errorf("decrypt token url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPGateway{cfg: cfg, client: client}, nil
}

type tokenRequest struct {
	RequestID string            `json:"requestId"`
	AppCode   string            `json:"appCode"`
	Operation string            `json:"operation"`
	FileName  string            `json:"fileName"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type syncRequest struct {
	AppCode    string `json:"appCode"`
	Operation  string `json:"operation"`
	FileName   string `json:"fileName"`
	Ciphertext string `json:"ciphertext"`
}

type syncResponse struct {
	Plaintext string `json:"plaintext"`
	Error     string `json:"error,omitempty"`
}

// RequestDecrypt submits an asynchronous request. The service answers later
// on the callback endpoint with the same requestID.
func (g *HTTPGateway) RequestDecrypt(ctx context.Context, appCode, operation, fileRef string, metadata map[string]string, requestID string) error {
	body, err := json.Marshal(tokenRequest{
		RequestID: requestID,
		AppCode:   appCode,
		Operation: operation,
		FileName:  fileRef,
		Metadata:  metadata,
	})
	if err != nil {
		return err
	}
	_, err = g.postWithRetry(ctx, g.cfg.TokenURL, body)
	return err
}

// Decrypt decrypts ciphertext inline through the sync endpoint.
func (g *HTTPGateway) Decrypt(ctx context.Context, appCode, fileRef string, ciphertext []byte) ([]byte, error) {
	if g.cfg.SyncURL == "" {
		return nil, ErrSyncUnsupported
	}
	body, err := json.Marshal(syncRequest{
		AppCode:    appCode,
		Operation:  OperationDecrypt,
		FileName:   fileRef,
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		return nil, err
	}
	raw, err := g.postWithRetry(ctx, g.cfg.SyncURL, body)
	if err != nil {
		return nil, err
	}

	var resp syncResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode decrypt response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("decrypt service: %s", resp.Error)
	}
	plaintext, err := base64.StdEncoding.DecodeString(resp.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("decode plaintext: %w", err)
	}
	return plaintext, nil
}

// postWithRetry retries once after RetryDelay on transport errors and 5xx.
func (g *HTTPGateway) postWithRetry(ctx context.Context, url string, body []byte) ([]byte, error) {
	raw, retry, err := g.post(ctx, url, body)
	if err == nil || !retry {
		return raw, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(g.cfg.RetryDelay):
	}

	raw, _, err = g.post(ctx, url, body)
	return raw, err
}

func (g *HTTPGateway) post(ctx context.Context, url string, body []byte) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if g.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.BearerToken)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, fmt.Errorf("post %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, true, fmt.Errorf("read %s response: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := strings.TrimSpace(string(raw))
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, resp.StatusCode >= 500, fmt.Errorf("post %s: status %d: %s", url, resp.StatusCode, snippet)
	}
	return raw, false, nil
}

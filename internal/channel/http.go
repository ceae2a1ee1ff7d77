package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPConfig configures an HTTP provider connector.
type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// postJSON sends body to url with a bearer token and decodes a 2xx response
// into out. Non-2xx responses are classified by status.
func postJSON(ctx context.Context, client *http.Client, url, token string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return Wrap(KindUnknown, err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return Wrap(KindConfigMissing, err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", "dunning/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return Classify(fmt.Errorf("provider request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview := respBody
		if len(preview) > 512 {
			preview = preview[:512]
		}
		return Errorf(KindForStatus(resp.StatusCode), "provider returned %d: %s", resp.StatusCode, preview)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return Wrap(KindSendFailed, err, "decode provider response")
		}
	}
	return nil
}

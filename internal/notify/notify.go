package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SendAbortAlert notifies the NTFY endpoint that a payment stream gave up
// after exhausting its stop retries.
func SendAbortAlert(ctx context.Context, client *http.Client, endpoint string, tabID int, requestID, initiatingURL string) error {
	message := fmt.Sprintf(
		"Payment stream aborted after repeated failures. tab=%d request=%s url=%s",
		tabID, requestID, initiatingURL)
	return Send(ctx, client, endpoint, message)
}

// Send sends a message to the requested endpoint using HTTP POST.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy notification failed: status=%d", resp.StatusCode)
	}
	return nil
}

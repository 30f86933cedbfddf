package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/skypass/fleetwatch/internal/config"
	"github.com/skypass/fleetwatch/internal/version"
)

// AppriseSender posts notifications to an Apprise API server.
type AppriseSender struct {
	client *http.Client
}

// NewAppriseSender creates a sender with a 10s client timeout.
func NewAppriseSender() *AppriseSender {
	return &AppriseSender{
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Send posts to the stateless /notify/ endpoint of cfg.APIURL.
func (a *AppriseSender) Send(ctx context.Context, cfg config.AppriseConfig, title, body string) error {
	payload := map[string]string{
		"urls":   cfg.ServiceURL,
		"title":  title,
		"body":   body,
		"format": "text",
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	url := strings.TrimRight(cfg.APIURL, "/") + "/notify/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("apprise API error: %d - %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// appriseText is the plain-text rendition used for chat channels.
func appriseText(d AlertData) (title, body string) {
	title = fmt.Sprintf("%s fleetwatch: %s", d.icon(), d.Title())
	body = fmt.Sprintf("%s %s.\n\nDevices: %d/%d (%.1f%%)", d.Name, d.Phrase(), d.Count, d.Limit, d.Percent)
	if d.Exceeded() {
		body += fmt.Sprintf("\nExcess: %d", d.Excess)
	}
	body += fmt.Sprintf("\nVM: %s\nURL: %s", d.VMAddress, d.Address)
	return title, body
}

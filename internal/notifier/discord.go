package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/italolelis/download_manager/internal/download"
)

// DiscordNotifier posts a message to a Discord webhook when a download reaches
// a terminal status. Progress and intermediate transitions are ignored.
type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func (d *DiscordNotifier) Notify(ctx context.Context, record download.Record) error {
	switch record.Status {
	case download.StatusCompleted:
		return d.Send(ctx, "✅ Download finished: "+filepath.Base(record.Path))
	case download.StatusCancelled:
		return d.Send(ctx, "🛑 Download cancelled: "+filepath.Base(record.Path))
	default:
		return nil
	}
}

// Send posts content to the webhook.
func (d *DiscordNotifier) Send(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

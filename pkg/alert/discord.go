package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const discordAPIBase = "https://discord.com/api/v10"

// Discord posts channel messages as a bot.
type Discord struct {
	client  *http.Client
	apiBase string
	token   string
}

// NewDiscord creates a new Discord notifier. An empty apiBase selects the
// public v10 API.
func NewDiscord(apiBase, botToken string) *Discord {
	if apiBase == "" {
		apiBase = discordAPIBase
	}
	return &Discord{
		client:  &http.Client{Timeout: 10 * time.Second},
		apiBase: strings.TrimRight(apiBase, "/"),
		token:   botToken,
	}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, channelID string, m *Message) error {
	if channelID == "" {
		return fmt.Errorf("discord: empty channel id")
	}

	payload := map[string]any{
		"content": m.Content,
		// Only ping the watch owner, never @everyone or roles.
		"allowed_mentions": map[string]any{"parse": []string{"users"}},
	}
	if m.Title != "" {
		payload["embeds"] = []map[string]any{{
			"title":       m.Title,
			"description": strings.Join(m.Lines, "\n"),
			"color":       0xE74C3C,
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		}}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	url := fmt.Sprintf("%s/channels/%s/messages", d.apiBase, channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bot "+d.token)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("discord status %d", resp.StatusCode)
	}

	return nil
}

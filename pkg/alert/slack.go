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

const slackAPIBase = "https://slack.com/api"

// Slack posts messages with chat.postMessage using a bot token.
type Slack struct {
	client  *http.Client
	apiBase string
	token   string
}

// NewSlack creates a new Slack notifier.
func NewSlack(apiBase, botToken string) *Slack {
	if apiBase == "" {
		apiBase = slackAPIBase
	}
	return &Slack{
		client:  &http.Client{Timeout: 10 * time.Second},
		apiBase: strings.TrimRight(apiBase, "/"),
		token:   botToken,
	}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, channelID string, m *Message) error {
	blocks := []map[string]any{
		{
			"type": "section",
			"text": map[string]any{
				"type": "mrkdwn",
				"text": toSlackMarkdown(m.Content),
			},
		},
	}
	if len(m.Lines) > 0 {
		var elements []map[string]any
		for _, line := range m.Lines {
			elements = append(elements, map[string]any{"type": "mrkdwn", "text": line})
		}
		blocks = append(blocks, map[string]any{
			"type":     "context",
			"elements": elements,
		})
	}

	payload := map[string]any{
		"channel": channelID,
		"text":    m.Content,
		"blocks":  blocks,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiBase+"/chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack status %d", resp.StatusCode)
	}

	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode slack response: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("slack api error: %s", result.Error)
	}

	return nil
}

// toSlackMarkdown rewrites **bold** as Slack's *bold*. <@id> mentions share
// the same syntax on both platforms.
func toSlackMarkdown(s string) string {
	return strings.ReplaceAll(s, "**", "*")
}

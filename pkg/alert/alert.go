package alert

import (
	"context"
	"errors"
	"fmt"
)

// ErrDispatch wraps every delivery failure returned by Manager.Dispatch.
var ErrDispatch = errors.New("alert dispatch failed")

// PriceAlert is the structured payload behind a price notification.
type PriceAlert struct {
	ScopeID  string `json:"scope_id"`
	UserID   string `json:"user_id"`
	WatchID  int64  `json:"watch_id"`
	ItemID   string `json:"item_id"`
	ItemName string `json:"item_name"`
	Price    int64  `json:"price"`
	MaxPrice int64  `json:"max_price"`
	Once     bool   `json:"once"`
}

// Message is what gets delivered to a channel. Content is the plain text
// line; Title and Lines are optional structured fields.
type Message struct {
	Content string      `json:"content"`
	Title   string      `json:"title,omitempty"`
	Lines   []string    `json:"lines,omitempty"`
	Alert   *PriceAlert `json:"alert,omitempty"`
}

// Notifier delivers messages to a channel on one platform.
type Notifier interface {
	Name() string
	Send(ctx context.Context, channelID string, m *Message) error
}

// Manager fans a message out to all registered notifiers.
type Manager struct {
	notifiers []Notifier
}

// NewManager creates a new alert manager.
func NewManager(notifiers []Notifier) *Manager {
	return &Manager{notifiers: notifiers}
}

// HasNotifiers returns true if at least one notifier is configured.
func (m *Manager) HasNotifiers() bool {
	return len(m.notifiers) > 0
}

// Names lists the configured notifiers.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.notifiers))
	for _, n := range m.notifiers {
		names = append(names, n.Name())
	}
	return names
}

// Dispatch sends m to channelID through every notifier. channelID is a chat
// channel on the single configured chat platform; the webhook notifier only
// forwards it in its payload. Delivery is best effort: failures are
// collected and returned, never retried.
func (m *Manager) Dispatch(ctx context.Context, channelID string, msg *Message) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, channelID, msg); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrDispatch, notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// NewPriceAlert builds the notification for a triggered watch.
func NewPriceAlert(a PriceAlert) *Message {
	content := fmt.Sprintf("🚨 <@%s> **%s** is now **%s** (≤ %s)",
		a.UserID, a.ItemName, FormatPrice(a.Price), FormatPrice(a.MaxPrice))

	lines := []string{
		"Price: " + FormatPrice(a.Price),
		"Target: " + FormatPrice(a.MaxPrice),
	}
	if a.Once {
		lines = append(lines, "Mode: once")
	}

	return &Message{
		Content: content,
		Title:   "Price alert: " + a.ItemName,
		Lines:   lines,
		Alert:   &a,
	}
}

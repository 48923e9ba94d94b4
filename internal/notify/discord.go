package notify

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

// Discord embed limits.
const (
	discordMaxFields     = 25
	discordMaxFieldValue = 1024
)

// Embed colours per event; anything else is grey.
var discordColors = map[string]int{
	EventMarketCreated:         0x3498db,
	EventMarketOpened:          0x1abc9c,
	EventEntryConfirmed:        0x2ecc71,
	EventMarketSettled:         0xf1c40f,
	EventRefundClaimed:         0x9b59b6,
	EventAttemptFailed:         0xe74c3c,
	EventReconciliationWarning: 0xe67e22,
}

const discordDefaultColor = 0x95a5a6

// Fields shown side by side in the embed.
var discordInline = map[string]bool{"market": true, "actor": true, "outcome": true, "action": true}

type discordPayload struct {
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title     string         `json:"title"`
	Color     int            `json:"color"`
	Fields    []discordField `json:"fields,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// DiscordSender posts events to a Discord webhook as one embed each.
type DiscordSender struct {
	webhookURL string
	username   string
	client     *http.Client
	now        func() time.Time
}

// NewDiscordSender creates a DiscordSender for webhookURL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		username:   "rafflebot",
		client:     &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

// Send posts e as an embed coloured by event name.
func (d *DiscordSender) Send(ctx context.Context, e Event) error {
	body, err := json.Marshal(d.payload(e))
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return fmt.Errorf("discord: unexpected status %d (retry after %ss): %s", resp.StatusCode, ra, respBody)
		}
		return fmt.Errorf("discord: unexpected status %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

func (d *DiscordSender) payload(e Event) discordPayload {
	color, ok := discordColors[e.Name]
	if !ok {
		color = discordDefaultColor
	}
	embed := discordEmbed{
		Title:     e.Title(),
		Color:     color,
		Timestamp: d.now().UTC().Format(time.RFC3339),
	}
	for _, f := range e.Fields() {
		if len(embed.Fields) == discordMaxFields {
			break
		}
		embed.Fields = append(embed.Fields, discordField{
			Name:   f.Name,
			Value:  discordValue(f.Name, f.Value),
			Inline: discordInline[f.Name],
		})
	}
	return discordPayload{Username: d.username, Embeds: []discordEmbed{embed}}
}

// discordValue code-formats hashes and addresses and keeps values inside the
// field limit.
func discordValue(name, v string) string {
	if v == "" {
		return "-"
	}
	if strings.HasPrefix(v, "0x") || name == "tx" {
		v = "`" + v + "`"
	}
	if len(v) > discordMaxFieldValue {
		v = v[:discordMaxFieldValue-3] + "..."
	}
	return v
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSender struct {
	name   string
	err    error
	titles []string
}

func (c *captureSender) Send(_ context.Context, e Event) error {
	c.titles = append(c.titles, e.Title())
	return c.err
}

func (c *captureSender) Name() string { return c.name }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFilters(t *testing.T) {
	t.Parallel()

	s := &captureSender{name: "cap"}
	n := NewNotifier([]Sender{s}, []string{EventMarketSettled, " "}, discard())

	require.NoError(t, n.Notify(context.Background(), Event{Name: EventEntryConfirmed}))
	require.NoError(t, n.Notify(context.Background(), Event{Name: EventMarketSettled}))
	assert.Equal(t, []string{"market settled"}, s.titles)
	assert.False(t, n.Enabled(EventEntryConfirmed))

	all := NewNotifier([]Sender{s}, nil, discard())
	assert.True(t, all.Enabled(EventAttemptFailed))
}

func TestNotifierKeepsGoingAfterFailure(t *testing.T) {
	t.Parallel()

	bad := &captureSender{name: "bad", err: errors.New("down")}
	good := &captureSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discard())

	err := n.Notify(context.Background(), Event{Name: EventAttemptFailed})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: down")
	assert.Len(t, good.titles, 1)
}

func TestEventMessage(t *testing.T) {
	t.Parallel()

	e := Event{
		Name:   EventRefundClaimed,
		Market: common.HexToAddress("0x01"),
		TxHash: "0xabc",
		Detail: map[string]string{"b": "2", "a": "1"},
	}
	assert.Equal(t,
		"market: 0x0000000000000000000000000000000000000001\ntx: 0xabc\na: 1\nb: 2",
		e.Message())
}

func TestTelegramSender(t *testing.T) {
	t.Parallel()

	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	t.Cleanup(srv.Close)

	s := NewTelegramSender("TOKEN", "42")
	s.baseURL = srv.URL
	e := Event{Name: EventMarketSettled, TxHash: "0xabc"}
	require.NoError(t, s.Send(context.Background(), e))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*market settled*\ntx: 0xabc", got["text"])
}

func TestDiscordSenderEmbed(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	market := common.HexToAddress("0x01")

	tests := []struct {
		name       string
		event      Event
		color      int
		fieldNames []string
	}{
		{
			name: "entry confirmed",
			event: Event{
				Name:   EventEntryConfirmed,
				Market: market,
				Actor:  common.HexToAddress("0x02"),
				TxHash: "0xe17e",
				Detail: map[string]string{"tickets": "3"},
			},
			color:      0x2ecc71,
			fieldNames: []string{"market", "actor", "tx", "tickets"},
		},
		{
			name:       "unknown event is grey",
			event:      Event{Name: "something_else", Detail: map[string]string{"note": ""}},
			color:      discordDefaultColor,
			fieldNames: []string{"note"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var got discordPayload
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				_ = json.NewDecoder(r.Body).Decode(&got)
				w.WriteHeader(http.StatusNoContent)
			}))
			t.Cleanup(srv.Close)

			s := NewDiscordSender(srv.URL)
			s.now = func() time.Time { return at }
			require.NoError(t, s.Send(context.Background(), tt.event))

			require.Len(t, got.Embeds, 1)
			embed := got.Embeds[0]
			assert.Equal(t, tt.event.Title(), embed.Title)
			assert.Equal(t, tt.color, embed.Color)
			assert.Equal(t, "2026-03-01T12:00:00Z", embed.Timestamp)

			names := make([]string, 0, len(embed.Fields))
			for _, f := range embed.Fields {
				names = append(names, f.Name)
				assert.NotEmpty(t, f.Value)
			}
			assert.Equal(t, tt.fieldNames, names)
		})
	}
}

func TestDiscordEmbedLimits(t *testing.T) {
	t.Parallel()

	detail := map[string]string{"a_long": strings.Repeat("x", 2000)}
	for i := 0; i < 40; i++ {
		detail[fmt.Sprintf("k%02d", i)] = "v"
	}

	s := NewDiscordSender("http://unused")
	p := s.payload(Event{Name: EventAttemptFailed, TxHash: "0xdead", Detail: detail})

	fields := p.Embeds[0].Fields
	require.Len(t, fields, discordMaxFields)
	assert.Equal(t, "tx", fields[0].Name)
	assert.Equal(t, "`0xdead`", fields[0].Value)
	assert.Equal(t, "a_long", fields[1].Name)
	assert.True(t, strings.HasSuffix(fields[1].Value, "..."))
	for _, f := range fields {
		assert.LessOrEqual(t, len(f.Value), discordMaxFieldValue)
	}
}

func TestDiscordSenderStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	err := NewDiscordSender(srv.URL).Send(context.Background(), Event{Name: EventMarketOpened})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "retry after 2s")
}

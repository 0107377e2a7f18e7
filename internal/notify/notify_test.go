package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageMarkdown(t *testing.T) {
	msg := Message{
		Icon:  "🛑",
		Title: "stop loss",
		Sections: []Section{
			{Title: "agent a1", Lines: []string{"WETH/USDC long", " ", "pnl -5.20%"}},
			{Title: "empty", Lines: []string{""}},
			{Lines: []string{"note with ``` fence"}},
		},
		Timestamp: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
	}
	out := msg.Markdown()
	assert.True(t, strings.HasPrefix(out, "🛑 stop loss\n\n```\nagent a1\n- WETH/USDC long\n- pnl -5.20%\n"))
	assert.NotContains(t, out, "empty")
	assert.Contains(t, out, "note with ''' fence")
	assert.True(t, strings.HasSuffix(out, "时间：2026-03-02 12:00:00 UTC"))
}

func TestMessageTruncated(t *testing.T) {
	msg := Message{Title: "x", Sections: []Section{{Lines: []string{strings.Repeat("a", 5000)}}}}
	assert.Len(t, msg.Markdown(), maxMessageLen+3)
}

func TestTelegramRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		var payload map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "chat-1", payload["chat_id"])
		assert.Equal(t, "hello", payload["text"])
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := NewTelegram(srv.URL, "TOKEN", "chat-1")
	tg.backoff = time.Millisecond
	require.NoError(t, tg.SendText(context.Background(), "hello"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestTelegramGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	tg := NewTelegram(srv.URL, "TOKEN", "chat-1")
	tg.backoff = time.Millisecond
	err := tg.SendText(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=403")
	assert.Equal(t, int32(telegramAttempts), calls.Load())
}

func TestTelegramRequiresCredentials(t *testing.T) {
	assert.Error(t, NewTelegram("", "", "chat").SendText(context.Background(), "x"))
	assert.NoError(t, Nop{}.SendText(context.Background(), "x"))
}

package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionjobs/internal/transport"
	"sessionjobs/pkg/logx"
)

func TestSplitTextShort(t *testing.T) {
	assert.Equal(t, []string{"hi"}, splitText("hi", 10, ""))
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitText(s, 10, "")
	assert.Equal(t, []string{"aaaaaa", "bbbbbb"}, got)
}

func TestSplitTextAvoidsCuttingTags(t *testing.T) {
	s := "abcdef<b>bold</b>"
	got := splitText(s, 8, "HTML")
	require.NotEmpty(t, got)
	assert.Equal(t, "abcdef", got[0])
	assert.Equal(t, s, strings.Join(got, ""))
}

func TestSendTextPostsToBotAPI(t *testing.T) {
	var mu sync.Mutex
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/sendMessage"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":42,"chat":{"id":-100}}}`))
	}))
	defer srv.Close()

	a, err := New(Config{Token: "123:abc", URL: srv.URL}, logx.Nop())
	require.NoError(t, err)

	ref, err := a.SendText(context.Background(), transport.ChatTarget{ChatID: -100, ThreadID: 7}, "<b>done</b>", &transport.SendOptions{ParseMode: "HTML"})
	require.NoError(t, err)
	assert.Equal(t, 42, ref.MessageID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	assert.Equal(t, "<b>done</b>", bodies[0]["text"])
	assert.Equal(t, "HTML", bodies[0]["parse_mode"])
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(Config{}, logx.Nop())
	require.Error(t, err)
}

package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ksred/bracketd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegramNotifyReplies(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottoken/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"ok":true,"result":{"message_id":42}}`))
	}))
	defer srv.Close()

	tg := NewTelegram("token", "-100", time.Second)
	tg.BaseURL = srv.URL

	id := tg.Notify(context.Background(), "position closed", 7)
	assert.EqualValues(t, 42, id)
	assert.Equal(t, "position closed", got["text"])
	assert.EqualValues(t, 7, got["reply_to_message_id"])
}

func TestTelegramPhotoIsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottoken/sendPhoto", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "chart", r.FormValue("caption"))
		_, _, err := r.FormFile("photo")
		assert.NoError(t, err)
		w.Write([]byte(`{"ok":true,"result":{"message_id":9}}`))
	}))
	defer srv.Close()

	tg := NewTelegram("token", "-100", time.Second)
	tg.BaseURL = srv.URL
	assert.EqualValues(t, 9, tg.NotifyWithImage(context.Background(), []byte{0x89, 'P', 'N', 'G'}, "chart"))
}

func TestTelegramFailuresAreSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	tg := NewTelegram("token", "-100", time.Second)
	tg.BaseURL = srv.URL
	assert.Zero(t, tg.Notify(context.Background(), "hello", 0))

	srv.Close()
	assert.Zero(t, tg.Notify(context.Background(), "hello", 0))
}

func TestNewFallsBackToLog(t *testing.T) {
	n := New(config.NotifierConfig{Timeout: time.Second})
	_, ok := n.(Log)
	assert.True(t, ok)
}

package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/rabbit-keeper/internal/model"
)

// capturedRequest 记录通知服务收到的一次请求
type capturedRequest struct {
	path    string
	auth    string
	payload map[string]any
}

func newCaptureServer(t *testing.T, status int) (*httptest.Server, *capturedRequest) {
	t.Helper()
	captured := &capturedRequest{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.path = r.URL.Path
		captured.auth = r.Header.Get("Authorization")
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &captured.payload))
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server, captured
}

func TestSendEmail(t *testing.T) {
	server, captured := newCaptureServer(t, http.StatusOK)
	notifier := NewHTTPNotifier(server.URL, "secret-token")

	contact := &model.Contact{Method: model.ContactEmail, Address: "ops@example.com"}
	err := notifier.Send(context.Background(), contact, "queue warning", "queue is filling up")
	require.NoError(t, err)

	assert.Equal(t, "/email", captured.path)
	assert.Equal(t, "Bearer secret-token", captured.auth)
	assert.Equal(t, "ops@example.com", captured.payload["address"])
	assert.Equal(t, "queue warning", captured.payload["subject"])
	assert.Equal(t, "queue is filling up", captured.payload["content"])
}

func TestSendChat(t *testing.T) {
	server, captured := newCaptureServer(t, http.StatusOK)
	notifier := NewHTTPNotifier(server.URL, "")

	contact := &model.Contact{Method: model.ContactChat, Address: "#ops"}
	err := notifier.Send(context.Background(), contact, "subject", "body")
	require.NoError(t, err)

	assert.Equal(t, "/chat", captured.path)
	assert.Empty(t, captured.auth)
	assert.Equal(t, "#ops", captured.payload["channel"])
	assert.Equal(t, "subject\nbody", captured.payload["message"])
}

func TestSendRoutedMessage(t *testing.T) {
	server, captured := newCaptureServer(t, http.StatusOK)
	notifier := NewHTTPNotifier(server.URL, "")

	contact := &model.Contact{Method: model.ContactRouted, Address: "alerts.queue"}
	err := notifier.Send(context.Background(), contact, "subject", "body")
	require.NoError(t, err)

	assert.Equal(t, "/message", captured.path)
	assert.Equal(t, "alerts.queue", captured.payload["routing_key"])
}

func TestSendNilContactNoop(t *testing.T) {
	notifier := NewHTTPNotifier("http://unreachable.invalid", "")
	assert.NoError(t, notifier.Send(context.Background(), nil, "subject", "body"))
}

func TestSendUnknownMethod(t *testing.T) {
	notifier := NewHTTPNotifier("http://unreachable.invalid", "")
	contact := &model.Contact{Method: "pigeon", Address: "roof"}
	err := notifier.Send(context.Background(), contact, "subject", "body")
	assert.Error(t, err)
}

func TestSendServerError(t *testing.T) {
	server, _ := newCaptureServer(t, http.StatusBadGateway)
	notifier := NewHTTPNotifier(server.URL, "")

	contact := &model.Contact{Method: model.ContactEmail, Address: "ops@example.com"}
	err := notifier.Send(context.Background(), contact, "subject", "body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

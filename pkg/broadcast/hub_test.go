package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/crm-migrations/pkg/models"
)

func dialHub(t *testing.T, hub *Hub, channel string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, channel)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return hub.ConnectionCount(channel) == 1 }, time.Second, 10*time.Millisecond)
	return conn
}

func TestChannel(t *testing.T) {
	assert.Equal(t, "migrations:company", Channel("migrations", models.EntityTypeCompany))
}

func TestHub_PublishReachesSubscribedChannelOnly(t *testing.T) {
	hub := NewHub(zap.NewNop())
	companies := dialHub(t, hub, "migrations:company")
	contacts := dialHub(t, hub, "migrations:contacts")

	hub.Publish(context.Background(), "migrations:company", models.ProgressEvent{
		EntityType: models.EntityTypeCompany,
		Stage:      models.ProgressStageRow,
		Progress:   50,
		Message:    "Migrated Acme",
	})

	_ = companies.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := companies.ReadMessage()
	require.NoError(t, err)

	var got models.ProgressEvent
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, 50, got.Progress)
	assert.Equal(t, "Migrated Acme", got.Message)

	_ = contacts.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = contacts.ReadMessage()
	assert.Error(t, err, "other channels receive nothing")
}

func TestHub_UnregistersOnDisconnect(t *testing.T) {
	hub := NewHub(zap.NewNop())
	conn := dialHub(t, hub, "migrations:company")

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.ConnectionCount("migrations:company") == 0 }, 2*time.Second, 10*time.Millisecond)

	// Publishing with no listeners is a no-op.
	hub.Publish(context.Background(), "migrations:company", map[string]string{"a": "b"})
}

func TestHub_DropsUnencodableEvent(t *testing.T) {
	hub := NewHub(zap.NewNop())
	dialHub(t, hub, "c")
	hub.Publish(context.Background(), "c", make(chan int))
}

func TestConnection_SendMessageWhenFull(t *testing.T) {
	c := &Connection{send: make(chan []byte, 1), done: make(chan struct{})}
	require.NoError(t, c.SendMessage([]byte("a")))
	assert.ErrorIs(t, c.SendMessage([]byte("b")), ErrSlowConsumer)

	c.close()
	assert.Error(t, c.SendMessage([]byte("c")))
}

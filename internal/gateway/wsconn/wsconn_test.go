package wsconn_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termgate/termgate/internal/gateway/wsconn"
	"github.com/termgate/termgate/internal/protocol"
)

// pair returns a server-side Conn and the raw client websocket.
func pair(t *testing.T, highWater int64) (*wsconn.Conn, *websocket.Conn) {
	t.Helper()

	serverConn := make(chan *wsconn.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		serverConn <- wsconn.New(ws, highWater)
		// Keep the handler alive until the test finishes with the conn.
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	client, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.CloseNow() })

	return <-serverConn, client
}

func TestSendReadRoundTrip(t *testing.T) {
	conn, client := pair(t, 0)
	defer conn.CloseNow()

	ok := conn.Send(&protocol.Message{
		Type:      protocol.TypeTerminalOutput,
		SessionID: "S1",
		Data:      "hello",
	})
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := client.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)

	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeTerminalOutput, msg.Type)
	assert.Equal(t, "hello", msg.Data)
	assert.NotEmpty(t, msg.Timestamp)
}

func TestReadDecodesClientFrames(t *testing.T) {
	conn, client := pair(t, 0)
	defer conn.CloseNow()

	data, err := protocol.Encode(&protocol.Message{
		Type:      protocol.TypeTerminalInput,
		SessionID: "S1",
		Data:      "ls\n",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Write(ctx, websocket.MessageText, data))

	msg, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeTerminalInput, msg.Type)
	assert.Equal(t, "ls\n", msg.Data)
}

func TestReadRejectsBinaryFrames(t *testing.T) {
	conn, client := pair(t, 0)
	defer conn.CloseNow()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Write(ctx, websocket.MessageBinary, []byte{0x01}))

	_, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "text frame")
}

func TestSendAfterCloseReturnsFalse(t *testing.T) {
	conn, client := pair(t, 0)

	// The client must keep reading for the close handshake to finish.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for {
			if _, _, err := client.Read(ctx); err != nil {
				return
			}
		}
	}()

	require.NoError(t, conn.Close(wsconn.CloseNormal, "done"))
	assert.True(t, conn.Closed())

	// Idempotent.
	require.NoError(t, conn.Close(wsconn.CloseNormal, "again"))

	assert.False(t, conn.Send(&protocol.Message{Type: protocol.TypeTerminalOutput}))
}

func TestIDsAreUnique(t *testing.T) {
	a, _ := pair(t, 0)
	b, _ := pair(t, 0)
	defer a.CloseNow()
	defer b.CloseNow()

	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
}

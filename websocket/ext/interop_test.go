package ext

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tg.sandbox/wsengine/websocket"
)

func TestGorillaClientEcho(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "deflate"
		}
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(websocket.NewServer(websocket.Options{
				Config:     fastConfig(),
				Extensions: []websocket.Extension{NewDeflate()},
			}, websocket.EchoHandler))
			defer server.Close()

			dialer := gorilla.Dialer{EnableCompression: compress, HandshakeTimeout: 5 * time.Second}
			conn, resp, err := dialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws", nil)
			require.NoError(t, err)
			defer conn.Close()
			if compress {
				assert.Contains(t, resp.Header.Get("Sec-WebSocket-Extensions"), "permessage-deflate")
			} else {
				assert.Empty(t, resp.Header.Get("Sec-WebSocket-Extensions"))
			}

			for _, msg := range []string{"hi", strings.Repeat("compress me please ", 100)} {
				require.NoError(t, conn.WriteMessage(gorilla.TextMessage, []byte(msg)))
				require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
				kind, data, err := conn.ReadMessage()
				require.NoError(t, err)
				assert.Equal(t, gorilla.TextMessage, kind)
				assert.Equal(t, "Echo: "+msg, string(data))
			}

			blob := bytes.Repeat([]byte{1, 2, 3, 4, 5}, 500)
			require.NoError(t, conn.WriteMessage(gorilla.BinaryMessage, blob))
			kind, data, err := conn.ReadMessage()
			require.NoError(t, err)
			assert.Equal(t, gorilla.BinaryMessage, kind)
			assert.Equal(t, blob, data)

			require.NoError(t, conn.WriteControl(gorilla.CloseMessage,
				gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "bye"), time.Now().Add(time.Second)))
			_, _, err = conn.ReadMessage()
			assert.True(t, gorilla.IsCloseError(err, gorilla.CloseNormalClosure), "%v", err)
		})
	}
}

package broker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/procbroker/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const extensionOrigin = "chrome-extension://abcdefghijklmnop"

func newTestServer(t *testing.T, cfg *Config) string {
	// the session handler can outlive the test, so it must not log to t
	srv := NewServer(cfg, zap.NewNop())
	s := httptest.NewServer(srv.Handler())
	t.Cleanup(s.Close)
	return s.URL
}

func sessionURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/session"
}

// echoOverSession runs echo hello over conn and returns its output and exit event.
func echoOverSession(t *testing.T, conn net.Conn) (string, frame.ExitEvent) {
	payload := `{"operation":"run","command":"echo","args":"hello"}`
	buf := make([]byte, 4, 4+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	_, err := conn.Write(append(buf, payload...))
	require.NoError(t, err)

	var out strings.Builder
	for {
		var prefix [4]byte
		_, err := io.ReadFull(conn, prefix[:])
		require.NoError(t, err)
		b := make([]byte, binary.LittleEndian.Uint32(prefix[:]))
		_, err = io.ReadFull(conn, b)
		require.NoError(t, err)

		if b[0] == '{' {
			var ev frame.ExitEvent
			require.NoError(t, json.Unmarshal(b, &ev))
			return out.String(), ev
		}
		msg, err := frame.ParseMessage(b)
		require.NoError(t, err)
		out.Write(msg.Text)
	}
}

func TestWebSocketSession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := newTestServer(t, testConfig())

	resp, err := http.Get(url + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	wsConn, _, err := websocket.Dial(ctx, sessionURL(url), nil)
	require.NoError(t, err)
	defer wsConn.Close(websocket.StatusNormalClosure, "")

	out, ev := echoOverSession(t, websocket.NetConn(ctx, wsConn, websocket.MessageBinary))
	assert.Equal(t, "hello\n", out)
	assert.Equal(t, frame.ExitEvent{Type: "exit", Status: 0}, ev)
}

func TestWebSocketOrigins(t *testing.T) {
	cases := []struct {
		name           string
		allowedOrigins []string
		origin         string
		expStatus      int
	}{
		{
			name:           "allowed extension",
			allowedOrigins: []string{"abcdefghijklmnop"},
			origin:         extensionOrigin,
			expStatus:      http.StatusSwitchingProtocols,
		},
		{
			name:           "allowed by pattern",
			allowedOrigins: []string{"*"},
			origin:         extensionOrigin,
			expStatus:      http.StatusSwitchingProtocols,
		},
		{
			name:      "extension not allowed",
			origin:    extensionOrigin,
			expStatus: http.StatusForbidden,
		},
		{
			name:           "other extension",
			allowedOrigins: []string{"ponmlkjihgfedcba"},
			origin:         extensionOrigin,
			expStatus:      http.StatusForbidden,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			cfg := testConfig()
			cfg.AllowedOrigins = c.allowedOrigins
			url := newTestServer(t, cfg)

			wsConn, resp, err := websocket.Dial(ctx, sessionURL(url), &websocket.DialOptions{
				HTTPHeader: http.Header{"Origin": []string{c.origin}},
			})
			require.NotNil(t, resp)
			assert.Equal(t, c.expStatus, resp.StatusCode)
			if c.expStatus != http.StatusSwitchingProtocols {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer wsConn.Close(websocket.StatusNormalClosure, "")

			out, ev := echoOverSession(t, websocket.NetConn(ctx, wsConn, websocket.MessageBinary))
			assert.Equal(t, "hello\n", out)
			assert.Equal(t, 0, ev.Status)
		})
	}
}

package server

import (
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"sync-server/internal/auth"
	"sync-server/internal/config"
	"sync-server/internal/store"
)

func waitForPrefix(t *testing.T, c *websocket.Conn, prefix string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_ = c.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		_, data, err := c.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			t.Fatalf("ReadMessage: %v", err)
		}
		msg := string(data)
		if msg == "2" {
			_ = c.WriteMessage(websocket.TextMessage, []byte("3"))
			continue
		}
		if strings.HasPrefix(msg, prefix) {
			_ = c.SetReadDeadline(time.Time{})
			return msg
		}
	}
	t.Fatalf("timeout waiting for %q", prefix)
	return ""
}

func dialSocket(t *testing.T, srvURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srvURL, "http") + "/socket.io/?EIO=4&transport=websocket"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn
}

func connectScoped(t *testing.T, conn *websocket.Conn, authPayload map[string]any) {
	t.Helper()
	_ = waitForPrefix(t, conn, "0{", 2*time.Second)
	authBytes, err := json.Marshal(authPayload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("40"+string(authBytes))))
	_ = waitForPrefix(t, conn, "40", 2*time.Second)
}

func TestSocketIOHandshakeAndPingAck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	st := store.New()
	tokenCfg := auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	app := NewApp(Deps{Store: st, TokenConfig: tokenCfg, Policy: config.DefaultSyncPolicy()})

	userToken, err := auth.CreateToken("ns-1", tokenCfg)
	require.NoError(t, err)
	sess, err := st.CreateSession("ns-1", "", nil, time.Now().UnixMilli())
	require.NoError(t, err)

	srv := httptest.NewServer(app.Router)
	defer srv.Close()

	conn := dialSocket(t, srv.URL)
	defer conn.Close()

	open := waitForPrefix(t, conn, "0{", 2*time.Second)
	require.Contains(t, open, `"pingInterval"`)

	authPayload := map[string]any{"token": userToken, "clientType": "session-scoped", "sessionId": sess.ID}
	authBytes, _ := json.Marshal(authPayload)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("40"+string(authBytes))))
	_ = waitForPrefix(t, conn, "40", 2*time.Second)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`421["ping"]`)))
	ack := waitForPrefix(t, conn, "431", 2*time.Second)
	require.Equal(t, "431[]", ack)
}

func TestSocketIOMessageBroadcastToUserScoped(t *testing.T) {
	gin.SetMode(gin.TestMode)
	st := store.New()
	tokenCfg := auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	app := NewApp(Deps{Store: st, TokenConfig: tokenCfg, Policy: config.DefaultSyncPolicy()})

	userToken, err := auth.CreateToken("ns-1", tokenCfg)
	require.NoError(t, err)
	sess, err := st.CreateSession("ns-1", "", nil, time.Now().UnixMilli())
	require.NoError(t, err)

	srv := httptest.NewServer(app.Router)
	defer srv.Close()

	userConn := dialSocket(t, srv.URL)
	defer userConn.Close()
	connectScoped(t, userConn, map[string]any{"token": userToken, "clientType": "user-scoped"})

	sessConn := dialSocket(t, srv.URL)
	defer sessConn.Close()
	connectScoped(t, sessConn, map[string]any{"token": userToken, "clientType": "session-scoped", "sessionId": sess.ID})

	msgPayload := map[string]any{"sid": sess.ID, "message": `{"t":"agent","text":"done"}`}
	msgBytes, _ := json.Marshal(msgPayload)
	require.NoError(t, sessConn.WriteMessage(websocket.TextMessage, []byte(`42["message",`+string(msgBytes)+`]`)))

	updateRaw := waitForPrefix(t, userConn, "42", 2*time.Second)
	var arr []any
	require.NoError(t, json.Unmarshal([]byte(updateRaw[2:]), &arr))
	require.GreaterOrEqual(t, len(arr), 2)
	require.Equal(t, "update", arr[0])
	body, ok := arr[1].(map[string]any)
	require.True(t, ok)
	bodyObj, _ := body["body"].(map[string]any)
	require.Equal(t, "new-message", bodyObj["t"])
}

func TestSocketIOSessionAliveFeedsEngine(t *testing.T) {
	gin.SetMode(gin.TestMode)
	st := store.New()
	tokenCfg := auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	app := NewApp(Deps{Store: st, TokenConfig: tokenCfg, Policy: config.DefaultSyncPolicy()})

	token, err := auth.CreateToken("ns-1", tokenCfg)
	require.NoError(t, err)
	sess, err := st.CreateSession("ns-1", "", nil, time.Now().UnixMilli())
	require.NoError(t, err)

	srv := httptest.NewServer(app.Router)
	defer srv.Close()

	conn := dialSocket(t, srv.URL)
	defer conn.Close()
	connectScoped(t, conn, map[string]any{"token": token, "clientType": "session-scoped", "sessionId": sess.ID})

	alive := map[string]any{"sid": sess.ID, "time": time.Now().UnixMilli(), "thinking": true}
	aliveBytes, _ := json.Marshal(alive)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`42["session-alive",`+string(aliveBytes)+`]`)))

	require.Eventually(t, func() bool {
		got, ok := app.Engine.GetSession("ns-1", sess.ID)
		return ok && got.Active && got.Thinking
	}, 2*time.Second, 20*time.Millisecond)
}

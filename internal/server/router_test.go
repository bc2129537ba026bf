package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"sync-server/internal/auth"
	"sync-server/internal/config"
	"sync-server/internal/store"
)

func newTestApp(t *testing.T) (*App, *store.Store, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.New()
	tokenCfg := auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	app := NewApp(Deps{Store: st, TokenConfig: tokenCfg, Policy: config.DefaultSyncPolicy()})

	tok, err := auth.CreateToken("ns-1", tokenCfg)
	require.NoError(t, err)
	return app, st, tok
}

func doJSON(t *testing.T, r http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRouter_Health(t *testing.T) {
	app, _, _ := newTestApp(t)
	w := doJSON(t, app.Router, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_RequiresAuth(t *testing.T) {
	app, _, _ := newTestApp(t)
	w := doJSON(t, app.Router, http.MethodGet, "/v1/sessions", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_SessionLifecycle(t *testing.T) {
	app, _, tok := newTestApp(t)

	w := doJSON(t, app.Router, http.MethodPost, "/v1/sessions", tok, map[string]any{
		"metadata": `{"name":"build","path":"/src"}`,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var created struct {
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.Session.ID)

	w = doJSON(t, app.Router, http.MethodGet, "/v1/sessions", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), created.Session.ID)

	w = doJSON(t, app.Router, http.MethodGet, "/v1/sessions/"+created.Session.ID, tok, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, app.Router, http.MethodPost, "/v1/sessions/"+created.Session.ID+"/messages", tok, map[string]any{
		"content": `{"t":"user","text":"hello"}`,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, app.Router, http.MethodGet, "/v1/sessions/"+created.Session.ID+"/messages", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "hello")

	w = doJSON(t, app.Router, http.MethodDelete, "/v1/sessions/"+created.Session.ID, tok, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, app.Router, http.MethodGet, "/v1/sessions/"+created.Session.ID, tok, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_SessionIsolatedByNamespace(t *testing.T) {
	app, st, tok := newTestApp(t)

	row, err := st.CreateSession("ns-2", "", nil, time.Now().UnixMilli())
	require.NoError(t, err)

	w := doJSON(t, app.Router, http.MethodGet, "/v1/sessions/"+row.ID, tok, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_MachineUpsert(t *testing.T) {
	app, _, tok := newTestApp(t)

	w := doJSON(t, app.Router, http.MethodPost, "/v1/machines", tok, map[string]any{
		"id":       "m-1",
		"metadata": `{"host":"dev"}`,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, app.Router, http.MethodGet, "/v1/machines", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "m-1")
}

func TestRouter_CommandWithoutAgent(t *testing.T) {
	app, _, tok := newTestApp(t)

	w := doJSON(t, app.Router, http.MethodPost, "/v1/sessions", tok, map[string]any{"metadata": ""})
	require.Equal(t, http.StatusOK, w.Code)
	var created struct {
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	// No agent connection has registered the capability.
	w = doJSON(t, app.Router, http.MethodPost, "/v1/sessions/"+created.Session.ID+"/abort", tok, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_PushRegistration(t *testing.T) {
	app, st, tok := newTestApp(t)

	w := doJSON(t, app.Router, http.MethodPost, "/v1/push", tok, map[string]any{"chatId": "chat-9"})
	require.Equal(t, http.StatusOK, w.Code)

	chats, _ := st.ListPushRecipients("ns-1")
	require.Equal(t, []string{"chat-9"}, chats)
}

func TestRouter_Groups(t *testing.T) {
	app, _, tok := newTestApp(t)

	w := doJSON(t, app.Router, http.MethodPost, "/v1/groups", tok, map[string]any{"name": "review"})
	require.Equal(t, http.StatusOK, w.Code)
	var created struct {
		Group struct {
			ID string `json:"id"`
		} `json:"group"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(t, app.Router, http.MethodPost, "/v1/groups/"+created.Group.ID+"/members", tok, map[string]any{"sessionId": "s-1"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, app.Router, http.MethodGet, "/v1/groups/"+created.Group.ID+"/messages", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

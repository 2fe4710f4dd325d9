package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sessiond/internal/config"
	"sessiond/internal/event"
	"sessiond/internal/executor"
	"sessiond/internal/protocol"
	"sessiond/internal/session"
	"sessiond/internal/store"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestServer(t *testing.T, opts ...session.Option) (*Server, *session.Registry) {
	t.Helper()
	reg := session.NewRegistry(executor.NewEcho(), opts...)
	t.Cleanup(reg.Close)
	roles := config.NewRoleCatalog([]session.Role{
		{Name: "security", Authority: session.AuthoritySupervisor, AutoInject: true},
	})
	return New(reg, roles, nil, ""), reg
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body["code"]
}

func createTopLevel(t *testing.T, reg *session.Registry, label string) string {
	t.Helper()
	id, err := reg.Create(session.CreateRequest{Provider: "echo", Label: label})
	require.NoError(t, err)
	return id
}

func TestServer_ListSessionsEmpty(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(t, srv.Handler(), "GET", "/sessions", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var sessions []session.Summary
	require.NoError(t, json.NewDecoder(w.Body).Decode(&sessions))
	assert.Empty(t, sessions)
}

func TestServer_CreateSession(t *testing.T) {
	srv, reg := newTestServer(t)
	h := srv.Handler()

	w := doRequest(t, h, "POST", "/sessions", `{"label":"main"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var parent session.Summary
	require.NoError(t, json.NewDecoder(w.Body).Decode(&parent))
	assert.Equal(t, "main", parent.Label)
	assert.Equal(t, session.StatusIdle, parent.Status)
	assert.False(t, parent.Attached)

	w = doRequest(t, h, "POST", "/sessions", `{"parentId":"`+parent.ID+`","preset":"security"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var watcher session.Summary
	require.NoError(t, json.NewDecoder(w.Body).Decode(&watcher))
	require.NotNil(t, watcher.Role)
	assert.Equal(t, session.AuthoritySupervisor, watcher.Role.Authority)
	assert.Equal(t, parent.ID, watcher.ParentID)

	assert.Len(t, reg.List(), 2)
}

func TestServer_CreateSessionErrors(t *testing.T) {
	srv, reg := newTestServer(t)
	h := srv.Handler()
	parent := createTopLevel(t, reg, "main")

	cases := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"bad body", "invalid json", http.StatusBadRequest, protocol.ErrInvalidMessage},
		{"watcher without role", `{"parentId":"` + parent + `"}`, http.StatusBadRequest, protocol.ErrInvalidRole},
		{"unknown preset", `{"parentId":"` + parent + `","preset":"nobody"}`, http.StatusBadRequest, protocol.ErrInvalidRole},
		{"bad authority", `{"parentId":"` + parent + `","role":{"name":"x","authority":"boss"}}`, http.StatusBadRequest, protocol.ErrInvalidRole},
		{"missing parent", `{"parentId":"nope","role":{"name":"x"}}`, http.StatusBadRequest, protocol.ErrInvalidRole},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doRequest(t, h, "POST", "/sessions", tc.body)
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.code, errorCode(t, w))
		})
	}
}

func TestServer_MaxSessions(t *testing.T) {
	srv, _ := newTestServer(t, session.WithMaxSessions(1))
	h := srv.Handler()

	require.Equal(t, http.StatusCreated, doRequest(t, h, "POST", "/sessions", `{}`).Code)
	w := doRequest(t, h, "POST", "/sessions", `{}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, protocol.ErrMaxSessions, errorCode(t, w))
}

func TestServer_GetSessionNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(t, srv.Handler(), "GET", "/sessions/nonexistent", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, protocol.ErrSessionNotFound, errorCode(t, w))
}

func TestServer_PromptAndOutput(t *testing.T) {
	srv, reg := newTestServer(t)
	h := srv.Handler()
	id := createTopLevel(t, reg, "main")

	assert.Equal(t, http.StatusBadRequest, doRequest(t, h, "POST", "/sessions/"+id+"/prompt", "bad").Code)

	w := doRequest(t, h, "POST", "/sessions/"+id+"/prompt", `{"prompt":"hello world"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		events, err := reg.BufferedOutput(id, 0)
		return err == nil && len(events) > 0 && events[len(events)-1].Kind == event.KindDone
	}, 2*time.Second, 10*time.Millisecond)

	w = doRequest(t, h, "GET", "/sessions/"+id+"/output?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var out protocol.BufferedOutputPayload
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	require.Len(t, out.Events, 1)
	assert.Equal(t, event.KindDone, out.Events[0].Kind)

	assert.Equal(t, http.StatusBadRequest, doRequest(t, h, "GET", "/sessions/"+id+"/output?limit=-2", "").Code)

	w = doRequest(t, h, "POST", "/sessions/"+id+"/prompt", `{"prompt":"  "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, protocol.ErrEmptyMessage, errorCode(t, w))
}

func TestServer_InjectIntoWatcherRejected(t *testing.T) {
	srv, reg := newTestServer(t)
	h := srv.Handler()
	parent := createTopLevel(t, reg, "main")
	watcher, err := reg.Create(session.CreateRequest{ParentID: parent, Role: &session.Role{Name: "w"}})
	require.NoError(t, err)

	w := doRequest(t, h, "POST", "/sessions/"+watcher+"/inject", `{"message":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, protocol.ErrWatcherInput, errorCode(t, w))

	w = doRequest(t, h, "POST", "/sessions/"+parent+"/inject", `{"message":"hi","urgent":true}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestServer_Navigate(t *testing.T) {
	srv, reg := newTestServer(t)
	h := srv.Handler()
	a := createTopLevel(t, reg, "a")
	w1, err := reg.Create(session.CreateRequest{ParentID: a, Role: &session.Role{Name: "w1"}})
	require.NoError(t, err)

	var res protocol.NavigateResultPayload
	w := doRequest(t, h, "GET", "/sessions/"+a+"/next", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, string(session.TargetSession), res.Target)
	assert.Equal(t, w1, res.SessionID)

	w = doRequest(t, h, "GET", "/sessions/"+w1+"/next", "")
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, string(session.TargetCreate), res.Target)

	w = doRequest(t, h, "GET", "/sessions/"+a+"/prev", "")
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, string(session.TargetOverview), res.Target)

	w = doRequest(t, h, "GET", "/sessions/"+w1+"/parent", "")
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, a, res.SessionID)

	w = doRequest(t, h, "GET", "/sessions/"+a+"/parent", "")
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, "none", res.Target)

	assert.Equal(t, http.StatusNotFound, doRequest(t, h, "GET", "/sessions/nope/next", "").Code)
}

func TestServer_DeleteSession(t *testing.T) {
	srv, reg := newTestServer(t)
	h := srv.Handler()
	parent := createTopLevel(t, reg, "main")
	_, err := reg.Create(session.CreateRequest{ParentID: parent, Role: &session.Role{Name: "w"}})
	require.NoError(t, err)

	w := doRequest(t, h, "DELETE", "/sessions/nonexistent", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(t, h, "DELETE", "/sessions/"+parent, "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, protocol.ErrHasActiveChildren, errorCode(t, w))

	w = doRequest(t, h, "DELETE", "/sessions/"+parent+"?cascade=true", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, reg.List())
}

func TestServer_FlushWithoutSink(t *testing.T) {
	srv, reg := newTestServer(t)
	id := createTopLevel(t, reg, "main")

	assert.Equal(t, http.StatusOK, doRequest(t, srv.Handler(), "POST", "/sessions/"+id+"/flush", "").Code)
}

func TestServer_CORSHeaders(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(t, srv.Handler(), "OPTIONS", "/sessions", "")
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func waitForDone(t *testing.T, reg *session.Registry, id string, n int) []event.Event {
	t.Helper()
	var events []event.Event
	require.Eventually(t, func() bool {
		var err error
		events, err = reg.BufferedOutput(id, 0)
		if err != nil {
			return false
		}
		done := 0
		for _, ev := range events {
			if ev.Kind == event.KindDone {
				done++
			}
		}
		return done >= n
	}, 3*time.Second, 10*time.Millisecond)
	return events
}

func TestServer_CreateUnknownProvider(t *testing.T) {
	router := executor.NewRouter("echo")
	router.Register("echo", executor.NewEcho())
	reg := session.NewRegistry(router)
	t.Cleanup(reg.Close)
	h := New(reg, nil, nil, "", WithProviders(router)).Handler()

	w := doRequest(t, h, "POST", "/sessions", `{"provider":"openai"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, protocol.ErrUnknownProvider, errorCode(t, w))
	assert.Empty(t, reg.List())

	assert.Equal(t, http.StatusCreated, doRequest(t, h, "POST", "/sessions", `{"provider":"echo"}`).Code)
	assert.Equal(t, http.StatusCreated, doRequest(t, h, "POST", "/sessions", `{}`).Code)
}

func TestServer_History(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := session.NewRegistry(executor.NewEcho(), session.WithHistorySink(st))
	t.Cleanup(reg.Close)
	h := New(reg, nil, nil, "", WithHistory(st)).Handler()

	id := createTopLevel(t, reg, "main")
	require.NoError(t, reg.Send(id, "hello world"))
	buffered := waitForDone(t, reg, id, 1)
	require.Equal(t, http.StatusOK, doRequest(t, h, "POST", "/sessions/"+id+"/flush", "").Code)

	w := doRequest(t, h, "GET", "/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list map[string][]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	assert.Equal(t, []string{id}, list["sessions"])

	// History outlives the session.
	require.NoError(t, reg.Remove(id, false))
	w = doRequest(t, h, "GET", "/history/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	var out protocol.BufferedOutputPayload
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	assert.Equal(t, id, out.SessionID)
	assert.Len(t, out.Events, len(buffered))

	w = doRequest(t, h, "GET", "/history/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, protocol.ErrSessionNotFound, errorCode(t, w))
}

func TestServer_HistoryDisabled(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	for _, path := range []string{"/history", "/history/abc"} {
		w := doRequest(t, h, "GET", path, "")
		assert.Equal(t, http.StatusNotImplemented, w.Code, path)
		assert.Equal(t, protocol.ErrHistoryDisabled, errorCode(t, w), path)
	}
}

// WebSocket helpers.

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	// Every connection starts with the session list.
	readType(t, ws, protocol.TypeSessionList)
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msgType string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{
		"type":      msgType,
		"payload":   payload,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

// readType reads messages until one of msgType arrives.
func readType(t *testing.T, ws *websocket.Conn, msgType string) protocol.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		var msg protocol.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Type == msgType {
			return msg
		}
	}
}

func TestServer_WebSocketInvalidMessage(t *testing.T) {
	srv, _ := newTestServer(t)
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	ws := dial(t, httpSrv)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))

	msg := readType(t, ws, protocol.TypeError)
	var p protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, protocol.ErrInvalidMessage, p.Code)
}

func TestServer_WebSocketCreateAttachPrompt(t *testing.T) {
	srv, _ := newTestServer(t)
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	ws := dial(t, httpSrv)
	defer ws.Close()

	send(t, ws, protocol.TypeSessionCreate, map[string]interface{}{"label": "main"})
	var created protocol.SessionUpdatePayload
	require.NoError(t, json.Unmarshal(readType(t, ws, protocol.TypeSessionUpdate).Payload, &created))
	assert.Equal(t, "main", created.Label)

	send(t, ws, protocol.TypeSessionAttach, map[string]interface{}{"sessionId": created.ID})
	var hydrate protocol.SessionHydratePayload
	require.NoError(t, json.Unmarshal(readType(t, ws, protocol.TypeSessionHydrate).Payload, &hydrate))
	assert.Equal(t, created.ID, hydrate.SessionID)
	assert.Empty(t, hydrate.Events)

	send(t, ws, protocol.TypeSessionPrompt, map[string]interface{}{"sessionId": created.ID, "prompt": "hello world"})

	var text strings.Builder
	var lastSeq uint64
	for {
		var out protocol.SessionOutputPayload
		require.NoError(t, json.Unmarshal(readType(t, ws, protocol.TypeSessionOutput).Payload, &out))
		assert.Greater(t, out.Event.Seq, lastSeq)
		lastSeq = out.Event.Seq
		if out.Event.Kind == event.KindText {
			text.WriteString(out.Event.Text)
		}
		if out.Event.Kind == event.KindDone {
			break
		}
	}
	assert.Equal(t, "hello world", text.String())

	send(t, ws, protocol.TypeSessionRequestStatus, map[string]interface{}{"sessionId": created.ID})
	var st protocol.SessionStatusPayload
	require.NoError(t, json.Unmarshal(readType(t, ws, protocol.TypeSessionStatus).Payload, &st))
	assert.Equal(t, string(session.StatusIdle), st.Status)
	assert.True(t, st.Attached)
}

func TestServer_WebSocketErrorsMapToCodes(t *testing.T) {
	srv, reg := newTestServer(t)
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()
	parent := createTopLevel(t, reg, "main")
	_, err := reg.Create(session.CreateRequest{ParentID: parent, Role: &session.Role{Name: "w"}})
	require.NoError(t, err)

	ws := dial(t, httpSrv)
	defer ws.Close()

	send(t, ws, protocol.TypeSessionAttach, map[string]interface{}{"sessionId": "missing"})
	var p protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(readType(t, ws, protocol.TypeError).Payload, &p))
	assert.Equal(t, protocol.ErrSessionNotFound, p.Code)

	send(t, ws, protocol.TypeSessionRemove, map[string]interface{}{"sessionId": parent})
	require.NoError(t, json.Unmarshal(readType(t, ws, protocol.TypeError).Payload, &p))
	assert.Equal(t, protocol.ErrHasActiveChildren, p.Code)
}

func TestServer_WebSocketRemoveBroadcastsWatchers(t *testing.T) {
	srv, reg := newTestServer(t)
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()
	parent := createTopLevel(t, reg, "main")
	watcher, err := reg.Create(session.CreateRequest{ParentID: parent, Role: &session.Role{Name: "w"}})
	require.NoError(t, err)

	ws := dial(t, httpSrv)
	defer ws.Close()

	send(t, ws, protocol.TypeSessionRemove, map[string]interface{}{"sessionId": parent, "cascade": true})

	removed := map[string]bool{}
	for len(removed) < 2 {
		var p protocol.SessionRemovedPayload
		require.NoError(t, json.Unmarshal(readType(t, ws, protocol.TypeSessionRemoved).Payload, &p))
		removed[p.SessionID] = true
	}
	assert.True(t, removed[parent])
	assert.True(t, removed[watcher])
}

func TestServer_DisconnectDetachesOwnedSessionsOnly(t *testing.T) {
	srv, reg := newTestServer(t)
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()
	mine := createTopLevel(t, reg, "mine")
	shared := createTopLevel(t, reg, "shared")

	a := dial(t, httpSrv)
	b := dial(t, httpSrv)
	defer b.Close()

	send(t, a, protocol.TypeSessionAttach, map[string]interface{}{"sessionId": mine})
	readType(t, a, protocol.TypeSessionHydrate)
	send(t, a, protocol.TypeSessionAttach, map[string]interface{}{"sessionId": shared})
	readType(t, a, protocol.TypeSessionHydrate)

	// b takes over the shared session.
	send(t, b, protocol.TypeSessionAttach, map[string]interface{}{"sessionId": shared})
	readType(t, b, protocol.TypeSessionHydrate)

	a.Close()

	require.Eventually(t, func() bool {
		sum, err := reg.Get(mine)
		return err == nil && !sum.Attached
	}, 2*time.Second, 10*time.Millisecond)

	sum, err := reg.Get(shared)
	require.NoError(t, err)
	assert.True(t, sum.Attached)
}

func TestServer_WebSocketNavigateFromOverview(t *testing.T) {
	srv, reg := newTestServer(t)
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()
	first := createTopLevel(t, reg, "first")

	ws := dial(t, httpSrv)
	defer ws.Close()

	send(t, ws, protocol.TypeSessionNavigate, map[string]interface{}{"direction": "next"})
	var res protocol.NavigateResultPayload
	require.NoError(t, json.Unmarshal(readType(t, ws, protocol.TypeSessionNavigate).Payload, &res))
	assert.Equal(t, string(session.TargetSession), res.Target)
	assert.Equal(t, first, res.SessionID)
}

func TestServer_WebSocketPendingInputAndOutput(t *testing.T) {
	srv, reg := newTestServer(t)
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()
	id := createTopLevel(t, reg, "main")

	ws := dial(t, httpSrv)
	defer ws.Close()

	send(t, ws, protocol.TypeSessionSetPendingInput, map[string]interface{}{"sessionId": id, "input": "half a thought"})
	send(t, ws, protocol.TypeSessionRequestStatus, map[string]interface{}{"sessionId": id})
	var st protocol.SessionStatusPayload
	require.NoError(t, json.Unmarshal(readType(t, ws, protocol.TypeSessionStatus).Payload, &st))
	assert.Equal(t, "half a thought", st.PendingInput)

	send(t, ws, protocol.TypeSessionRequestOutput, map[string]interface{}{"sessionId": id, "limit": 10})
	var out protocol.BufferedOutputPayload
	require.NoError(t, json.Unmarshal(readType(t, ws, protocol.TypeBufferedOutput).Payload, &out))
	assert.Equal(t, id, out.SessionID)
}

func TestServer_AttachWithoutCursorHydratesWholeBuffer(t *testing.T) {
	srv, reg := newTestServer(t)
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()
	id := createTopLevel(t, reg, "main")

	a := dial(t, httpSrv)
	send(t, a, protocol.TypeSessionAttach, map[string]interface{}{"sessionId": id})
	readType(t, a, protocol.TypeSessionHydrate)
	send(t, a, protocol.TypeSessionPrompt, map[string]interface{}{"sessionId": id, "prompt": "one two"})
	for {
		var out protocol.SessionOutputPayload
		require.NoError(t, json.Unmarshal(readType(t, a, protocol.TypeSessionOutput).Payload, &out))
		if out.Event.Kind == event.KindDone {
			break
		}
	}
	a.Close()
	require.Eventually(t, func() bool {
		sum, err := reg.Get(id)
		return err == nil && !sum.Attached
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, reg.Send(id, "three four"))
	all := waitForDone(t, reg, id, 2)

	// A client that never saw the session gets the whole buffer, not just
	// what the previous client missed.
	b := dial(t, httpSrv)
	defer b.Close()
	send(t, b, protocol.TypeSessionAttach, map[string]interface{}{"sessionId": id})
	var hydrate protocol.SessionHydratePayload
	require.NoError(t, json.Unmarshal(readType(t, b, protocol.TypeSessionHydrate).Payload, &hydrate))
	require.Len(t, hydrate.Events, len(all))
	assert.Equal(t, uint64(1), hydrate.Events[0].Seq)

	// Reattaching the same client resumes after what it was sent.
	send(t, b, protocol.TypeSessionDetach, map[string]interface{}{"sessionId": id})
	send(t, b, protocol.TypeSessionRequestStatus, map[string]interface{}{"sessionId": id})
	var st protocol.SessionStatusPayload
	require.NoError(t, json.Unmarshal(readType(t, b, protocol.TypeSessionStatus).Payload, &st))
	require.False(t, st.Attached)

	require.NoError(t, reg.Send(id, "five"))
	waitForDone(t, reg, id, 3)
	send(t, b, protocol.TypeSessionAttach, map[string]interface{}{"sessionId": id})
	require.NoError(t, json.Unmarshal(readType(t, b, protocol.TypeSessionHydrate).Payload, &hydrate))
	require.NotEmpty(t, hydrate.Events)
	assert.Equal(t, all[len(all)-1].Seq+1, hydrate.Events[0].Seq)
}

func TestServer_TerminalEventBroadcastsUpdate(t *testing.T) {
	srv, reg := newTestServer(t)
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()
	id := createTopLevel(t, reg, "main")

	viewer := dial(t, httpSrv)
	defer viewer.Close()
	overview := dial(t, httpSrv)
	defer overview.Close()

	send(t, viewer, protocol.TypeSessionAttach, map[string]interface{}{"sessionId": id})
	readType(t, viewer, protocol.TypeSessionHydrate)
	send(t, viewer, protocol.TypeSessionPrompt, map[string]interface{}{"sessionId": id, "prompt": "hello world"})

	var upd protocol.SessionUpdatePayload
	require.NoError(t, json.Unmarshal(readType(t, overview, protocol.TypeSessionUpdate).Payload, &upd))
	assert.Equal(t, id, upd.ID)
	assert.Equal(t, string(session.StatusIdle), upd.Status)
	assert.Equal(t, int64(2), upd.Tokens.Output)
}

func TestServer_SlowClientIsDisconnected(t *testing.T) {
	srv, _ := newTestServer(t)

	conns := make(chan *websocket.Conn, 1)
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	defer httpSrv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(httpSrv.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()

	// No write pump: the buffer only drains if someone reads it.
	c := newClient(<-conns, srv, 1)
	assert.True(t, c.enqueue([]byte(`{}`)))
	assert.False(t, c.enqueue([]byte(`{}`)))
	assert.False(t, c.enqueue([]byte(`{}`)))
	c.close()

	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "connection was left open")
	}
}

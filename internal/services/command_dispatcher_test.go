package services

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace-dev/potluck/internal/reaper"
	"github.com/streamspace-dev/potluck/internal/session"
	internalWebsocket "github.com/streamspace-dev/potluck/internal/websocket"
)

// setupHubServer starts a full hub (store, hub, dispatcher, reaper, gin
// endpoint) on an httptest server and returns the ws:// URL.
//
// Silence assertions rely on per-connection ordering: to prove an event was
// NOT emitted, tests issue a probe command whose event is known, and assert
// the probe's event is the next frame.
func setupHubServer(t *testing.T, ttl time.Duration) (wsURL string, store *session.Store, cleanup func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store = session.NewStore(ttl)
	hub := internalWebsocket.NewHub()
	dispatcher := NewCommandDispatcher(store, hub)
	hub.SetHandler(dispatcher)
	go hub.Run()

	sessionReaper := reaper.New(store, dispatcher, 300*time.Millisecond)
	require.NoError(t, sessionReaper.Start())

	upgrader := gorilla.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	router := gin.New()
	router.GET("/ws", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		hub.ServeClient(conn)
	})

	srv := httptest.NewServer(router)
	wsURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	cleanup = func() {
		sessionReaper.Stop()
		hub.Stop()
		srv.Close()
	}
	return wsURL, store, cleanup
}

// testConn wraps a client connection with envelope and event helpers.
type testConn struct {
	t    *testing.T
	conn *gorilla.Conn
}

// dial connects and consumes the initial connection:established event.
func dial(t *testing.T, wsURL string) *testConn {
	t.Helper()
	conn, _, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err, "Failed to dial hub")

	tc := &testConn{t: t, conn: conn}
	established := tc.recv()
	require.Equal(t, "connection:established", established["type"])
	require.NotEmpty(t, established["connectionId"])
	return tc
}

func (tc *testConn) close() {
	tc.conn.Close()
}

// send writes one {type, data} command frame.
func (tc *testConn) send(msgType string, data map[string]interface{}) {
	tc.t.Helper()
	err := tc.conn.WriteJSON(map[string]interface{}{
		"type": msgType,
		"data": data,
	})
	require.NoError(tc.t, err, "Failed to send %s", msgType)
}

// sendRaw writes a raw text frame, for malformed-input tests.
func (tc *testConn) sendRaw(raw string) {
	tc.t.Helper()
	err := tc.conn.WriteMessage(gorilla.TextMessage, []byte(raw))
	require.NoError(tc.t, err)
}

// recv reads the next event with a deadline.
func (tc *testConn) recv() map[string]interface{} {
	tc.t.Helper()
	tc.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event map[string]interface{}
	err := tc.conn.ReadJSON(&event)
	require.NoError(tc.t, err, "Failed to read event")
	return event
}

// recvType reads the next event and asserts its type.
func (tc *testConn) recvType(expected string) map[string]interface{} {
	tc.t.Helper()
	event := tc.recv()
	require.Equal(tc.t, expected, event["type"], "Unexpected event: %v", event)
	return event
}

// addIngredient issues ingredients:add. Doubles as the silence probe: the
// resulting ingredients:added must be the caller's (and its session peers')
// next event.
func (tc *testConn) addIngredient(name string) {
	tc.t.Helper()
	tc.send("ingredients:add", map[string]interface{}{
		"ingredient": map[string]interface{}{"name": name},
	})
}

// expectClose asserts the connection closes with the given code.
func (tc *testConn) expectClose(code int) {
	tc.t.Helper()
	tc.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := tc.conn.ReadMessage()
	require.Error(tc.t, err)
	closeErr, ok := err.(*gorilla.CloseError)
	require.True(tc.t, ok, "Expected close error, got %v", err)
	assert.Equal(tc.t, code, closeErr.Code)
}

// createSession drives session:create and returns the snapshot.
func (tc *testConn) createSession(sessionID, userID, username string) map[string]interface{} {
	tc.t.Helper()
	tc.send("session:create", map[string]interface{}{
		"sessionId": sessionID,
		"userId":    userID,
		"username":  username,
	})
	event := tc.recvType("session:created")
	return event["session"].(map[string]interface{})
}

// joinSession drives session:join and returns the snapshot.
func (tc *testConn) joinSession(sessionID, userID, username string) map[string]interface{} {
	tc.t.Helper()
	tc.send("session:join", map[string]interface{}{
		"sessionId": sessionID,
		"userId":    userID,
		"username":  username,
	})
	event := tc.recvType("session:joined")
	return event["session"].(map[string]interface{})
}

func TestCreateJoinSnapshot(t *testing.T) {
	wsURL, _, cleanup := setupHubServer(t, 4*time.Hour)
	defer cleanup()

	a := dial(t, wsURL)
	defer a.close()

	snapshot := a.createSession("S", "U1", "Alice")
	assert.Equal(t, "U1", snapshot["hostId"])
	participants := snapshot["participants"].([]interface{})
	require.Len(t, participants, 1)
	first := participants[0].(map[string]interface{})
	assert.Equal(t, "U1", first["id"])
	assert.Equal(t, "Alice", first["name"])
	assert.Equal(t, true, first["isConnected"])

	b := dial(t, wsURL)
	defer b.close()

	joined := b.joinSession("S", "U2", "Bob")
	assert.Len(t, joined["participants"].([]interface{}), 2)

	event := a.recvType("session:participant:joined")
	participant := event["participant"].(map[string]interface{})
	assert.Equal(t, "U2", participant["id"])
}

func TestJoinUnknownSessionErrors(t *testing.T) {
	wsURL, _, cleanup := setupHubServer(t, 4*time.Hour)
	defer cleanup()

	a := dial(t, wsURL)
	defer a.close()

	a.send("session:join", map[string]interface{}{
		"sessionId": "nope", "userId": "U1", "username": "Alice",
	})
	event := a.recvType("session:error")
	assert.Equal(t, "Session not found or expired", event["message"])
}

func TestCreateConflictAndHostRejoin(t *testing.T) {
	wsURL, _, cleanup := setupHubServer(t, 4*time.Hour)
	defer cleanup()

	a := dial(t, wsURL)
	a.createSession("S", "U1", "Alice")

	// Different user creating the same session errors.
	c := dial(t, wsURL)
	defer c.close()
	c.send("session:create", map[string]interface{}{
		"sessionId": "S", "userId": "U3", "username": "Carol",
	})
	event := c.recvType("session:error")
	assert.Equal(t, "Session already exists", event["message"])

	// The host rejoining from a new connection replaces the old one.
	a2 := dial(t, wsURL)
	defer a2.close()
	snapshot := a2.createSession("S", "U1", "Alice")
	assert.Equal(t, "U1", snapshot["hostId"])

	a.expectClose(gorilla.CloseNormalClosure)
	a.close()
}

func TestJoinWhileAlreadyConnectedErrors(t *testing.T) {
	wsURL, _, cleanup := setupHubServer(t, 4*time.Hour)
	defer cleanup()

	a := dial(t, wsURL)
	defer a.close()
	a.createSession("S", "U1", "Alice")

	b := dial(t, wsURL)
	defer b.close()
	b.joinSession("S", "U2", "Bob")
	a.recvType("session:participant:joined")

	b2 := dial(t, wsURL)
	defer b2.close()
	b2.send("session:join", map[string]interface{}{
		"sessionId": "S", "userId": "U2", "username": "Bob",
	})
	event := b2.recvType("session:error")
	assert.Equal(t, "User already connected from another client", event["message"])
}

func TestDuplicateIngredientSuppressed(t *testing.T) {
	wsURL, _, cleanup := setupHubServer(t, 4*time.Hour)
	defer cleanup()

	a := dial(t, wsURL)
	defer a.close()
	a.createSession("S", "U1", "Alice")

	b := dial(t, wsURL)
	defer b.close()
	b.joinSession("S", "U2", "Bob")
	a.recvType("session:participant:joined")

	a.send("ingredients:add", map[string]interface{}{
		"ingredient": map[string]interface{}{"name": "Flour", "addedBy": "U1"},
	})

	eventA := a.recvType("ingredients:added")
	ingredient := eventA["ingredient"].(map[string]interface{})
	assert.Equal(t, "flour", ingredient["name"])
	assert.NotEmpty(t, ingredient["id"])

	eventB := b.recvType("ingredients:added")
	assert.Equal(t, ingredient["id"], eventB["ingredient"].(map[string]interface{})["id"])

	// Same name, different case, different user: no event at all. The
	// probe's event must be the very next frame on both connections.
	b.send("ingredients:add", map[string]interface{}{
		"ingredient": map[string]interface{}{"name": "FLOUR", "addedBy": "U2"},
	})
	b.addIngredient("probe-salt")
	for _, tc := range []*testConn{a, b} {
		event := tc.recvType("ingredients:added")
		assert.Equal(t, "probe-salt", event["ingredient"].(map[string]interface{})["name"])
	}
}

func TestIngredientRemoveAndBlacklist(t *testing.T) {
	wsURL, _, cleanup := setupHubServer(t, 4*time.Hour)
	defer cleanup()

	a := dial(t, wsURL)
	defer a.close()
	a.createSession("S", "U1", "Alice")

	a.addIngredient("peanuts")
	added := a.recvType("ingredients:added")
	id := added["ingredient"].(map[string]interface{})["id"].(string)

	// Unknown id: silent no-op; the probe is the next event.
	a.send("ingredients:remove", map[string]interface{}{"ingredientId": "no-such-id"})
	a.addIngredient("probe-basil")
	event := a.recvType("ingredients:added")
	assert.Equal(t, "probe-basil", event["ingredient"].(map[string]interface{})["name"])

	a.send("ingredients:blacklist", map[string]interface{}{
		"ingredientName":  "Peanuts",
		"fromIngredients": true,
	})
	event = a.recvType("ingredients:blacklisted")
	assert.Equal(t, "peanuts", event["ingredientName"])
	assert.Equal(t, []interface{}{"peanuts"}, event["blacklist"])
	ingredients := event["ingredients"].([]interface{})
	require.Len(t, ingredients, 1)
	assert.Equal(t, "probe-basil", ingredients[0].(map[string]interface{})["name"])

	// The blacklisted ingredient is gone; removing it again is silent.
	a.send("ingredients:remove", map[string]interface{}{"ingredientId": id})
	a.send("ingredients:blacklist", map[string]interface{}{"ingredientName": "probe2"})
	a.recvType("ingredients:blacklisted")
}

func TestVoteRecomputationBroadcast(t *testing.T) {
	wsURL, _, cleanup := setupHubServer(t, 4*time.Hour)
	defer cleanup()

	a := dial(t, wsURL)
	defer a.close()
	a.createSession("S", "U1", "Alice")

	b := dial(t, wsURL)
	defer b.close()
	b.joinSession("S", "U2", "Bob")
	a.recvType("session:participant:joined")

	a.send("recipes:add", map[string]interface{}{
		"recipe": map[string]interface{}{"title": "Curry", "servings": 2},
	})
	addedA := a.recvType("recipes:added")
	recipe := addedA["recipe"].(map[string]interface{})
	recipeID := recipe["id"].(string)
	assert.Equal(t, float64(2), recipe["servings"], "Opaque recipe fields must survive")
	b.recvType("recipes:added")

	vote := func(tc *testConn, voteType string) {
		tc.send("recipes:vote", map[string]interface{}{
			"recipeId": recipeID,
			"voteType": voteType,
		})
	}
	tally := func(event map[string]interface{}) (float64, []interface{}) {
		recipes := event["recipes"].([]interface{})
		require.Len(t, recipes, 1)
		r := recipes[0].(map[string]interface{})
		return r["votes"].(float64), r["voterIds"].([]interface{})
	}

	vote(a, "up")
	votes, voters := tally(a.recvType("recipes:voted"))
	assert.Equal(t, float64(1), votes)
	assert.Equal(t, []interface{}{"U1"}, voters)
	b.recvType("recipes:voted")

	vote(b, "down")
	votes, voters = tally(b.recvType("recipes:voted"))
	assert.Equal(t, float64(0), votes)
	assert.ElementsMatch(t, []interface{}{"U1", "U2"}, voters)
	a.recvType("recipes:voted")

	vote(a, "neutral")
	event := a.recvType("recipes:voted")
	assert.Equal(t, "neutral", event["voteType"])
	assert.Equal(t, "U1", event["userId"])
	votes, voters = tally(event)
	assert.Equal(t, float64(-1), votes)
	assert.Equal(t, []interface{}{"U2"}, voters)
	b.recvType("recipes:voted")
}

func TestRecipeRemove(t *testing.T) {
	wsURL, _, cleanup := setupHubServer(t, 4*time.Hour)
	defer cleanup()

	a := dial(t, wsURL)
	defer a.close()
	a.createSession("S", "U1", "Alice")

	a.send("recipes:add", map[string]interface{}{
		"recipe": map[string]interface{}{"title": "Pie"},
	})
	added := a.recvType("recipes:added")
	recipeID := added["recipe"].(map[string]interface{})["id"].(string)

	a.send("recipes:remove", map[string]interface{}{"recipeId": recipeID})
	event := a.recvType("recipes:removed")
	assert.Equal(t, recipeID, event["recipeId"])
	assert.Equal(t, "Pie", event["recipe"].(map[string]interface{})["title"])

	// Removing again is a silent no-op; probe confirms.
	a.send("recipes:remove", map[string]interface{}{"recipeId": recipeID})
	a.addIngredient("probe-sage")
	event = a.recvType("ingredients:added")
	assert.Equal(t, "probe-sage", event["ingredient"].(map[string]interface{})["name"])
}

func TestNonHostContextUpdateSilentlyDropped(t *testing.T) {
	wsURL, store, cleanup := setupHubServer(t, 4*time.Hour)
	defer cleanup()

	a := dial(t, wsURL)
	defer a.close()
	a.createSession("S", "U1", "Alice")

	b := dial(t, wsURL)
	defer b.close()
	b.joinSession("S", "U2", "Bob")
	a.recvType("session:participant:joined")

	// Non-host: no event anywhere, no mutation. Probe on both peers.
	b.send("context:update", map[string]interface{}{"context": "dessert"})
	b.addIngredient("probe-mint")
	for _, tc := range []*testConn{a, b} {
		event := tc.recvType("ingredients:added")
		assert.Equal(t, "probe-mint", event["ingredient"].(map[string]interface{})["name"])
	}

	snapshot, err := store.Get("S")
	require.NoError(t, err)
	assert.Equal(t, "", snapshot.Context)

	// Host: everyone except the host hears it.
	a.send("context:update", map[string]interface{}{"context": "dessert"})
	event := b.recvType("context:updated")
	assert.Equal(t, "dessert", event["context"])

	// The host's next frame is its own probe, not context:updated.
	a.addIngredient("probe-dill")
	event = a.recvType("ingredients:added")
	assert.Equal(t, "probe-dill", event["ingredient"].(map[string]interface{})["name"])
	b.recvType("ingredients:added")

	snapshot, err = store.Get("S")
	require.NoError(t, err)
	assert.Equal(t, "dessert", snapshot.Context)
}

func TestHostTransferAndPermissions(t *testing.T) {
	wsURL, _, cleanup := setupHubServer(t, 4*time.Hour)
	defer cleanup()

	a := dial(t, wsURL)
	defer a.close()
	a.createSession("S", "U1", "Alice")

	b := dial(t, wsURL)
	defer b.close()
	b.joinSession("S", "U2", "Bob")
	a.recvType("session:participant:joined")

	// Non-host transfer attempt: typed error.
	b.send("host:transfer", map[string]interface{}{"newHostId": "U2"})
	event := b.recvType("error")
	assert.Equal(t, "Only host can transfer privileges", event["message"])

	// Unknown target.
	a.send("host:transfer", map[string]interface{}{"newHostId": "U9"})
	event = a.recvType("error")
	assert.Equal(t, "New host not found in session", event["message"])

	// Valid transfer reaches everyone with a fresh snapshot.
	a.send("host:transfer", map[string]interface{}{"newHostId": "U2"})
	for _, tc := range []*testConn{a, b} {
		event = tc.recvType("host:transferred")
		assert.Equal(t, "U2", event["newHostId"])
		assert.Equal(t, "Bob", event["newHostName"])
		assert.Equal(t, "U2", event["session"].(map[string]interface{})["hostId"])
	}

	// Permission toggle is now Bob's to make; Alice gets the typed error.
	a.send("host:permissions", map[string]interface{}{"allowRecipeGeneration": false})
	event = a.recvType("error")
	assert.Equal(t, "Only host can update permissions", event["message"])

	b.send("host:permissions", map[string]interface{}{"allowRecipeGeneration": false})
	for _, tc := range []*testConn{a, b} {
		event = tc.recvType("host:permissions:updated")
		assert.Equal(t, false, event["allowRecipeGeneration"])
	}
}

func TestHostEndsSession(t *testing.T) {
	wsURL, _, cleanup := setupHubServer(t, 4*time.Hour)
	defer cleanup()

	a := dial(t, wsURL)
	defer a.close()
	a.createSession("S", "U1", "Alice")

	b := dial(t, wsURL)
	defer b.close()
	b.joinSession("S", "U2", "Bob")
	a.recvType("session:participant:joined")

	// Non-host end is rejected; the session persists.
	b.send("session:end", map[string]interface{}{})
	event := b.recvType("error")
	assert.Equal(t, "Only host can end the session", event["message"])

	a.send("session:end", map[string]interface{}{})
	for _, tc := range []*testConn{a, b} {
		event = tc.recvType("session:ended")
		assert.Equal(t, "Session ended by host", event["message"])
		tc.expectClose(gorilla.CloseNormalClosure)
	}

	// The session is gone for everyone.
	c := dial(t, wsURL)
	defer c.close()
	c.send("session:join", map[string]interface{}{
		"sessionId": "S", "userId": "U9", "username": "Niner",
	})
	event = c.recvType("session:error")
	assert.Equal(t, "Session not found or expired", event["message"])
}

func TestDisconnectBroadcast(t *testing.T) {
	wsURL, store, cleanup := setupHubServer(t, 4*time.Hour)
	defer cleanup()

	a := dial(t, wsURL)
	defer a.close()
	a.createSession("S", "U1", "Alice")

	b := dial(t, wsURL)
	b.joinSession("S", "U2", "Bob")
	a.recvType("session:participant:joined")

	b.close()

	event := a.recvType("session:participant:disconnected")
	assert.Equal(t, "U2", event["userId"])
	assert.Equal(t, "Bob", event["username"])

	// The participant record survives with isConnected=false.
	require.Eventually(t, func() bool {
		snapshot, err := store.Get("S")
		if err != nil {
			return false
		}
		p := snapshot.Participant("U2")
		return p != nil && !p.IsConnected
	}, time.Second, 20*time.Millisecond)
}

func TestMalformedAndUnknownFrames(t *testing.T) {
	wsURL, _, cleanup := setupHubServer(t, 4*time.Hour)
	defer cleanup()

	a := dial(t, wsURL)
	defer a.close()

	a.sendRaw("this is not json")
	event := a.recvType("error")
	assert.Equal(t, "Invalid message format", event["message"])

	a.sendRaw(`{"data":{"x":1}}`)
	event = a.recvType("error")
	assert.Equal(t, "Invalid message format", event["message"])

	a.send("kitchen:burn", map[string]interface{}{})
	event = a.recvType("error")
	assert.Contains(t, event["message"], "Unknown message type")

	// The connection survives protocol errors.
	a.createSession("S", "U1", "Alice")
}

func TestCommandsFromUnregisteredConnectionIgnored(t *testing.T) {
	wsURL, store, cleanup := setupHubServer(t, 4*time.Hour)
	defer cleanup()

	host := dial(t, wsURL)
	defer host.close()
	host.createSession("S", "U1", "Alice")

	// A connection that never joined: ingredient commands are ignored.
	// Its own probe is a session create, which must be the next event.
	stranger := dial(t, wsURL)
	defer stranger.close()
	stranger.send("ingredients:add", map[string]interface{}{
		"ingredient": map[string]interface{}{"name": "flour", "addedBy": "U9"},
	})
	stranger.createSession("T", "U9", "Niner")

	snapshot, err := store.Get("S")
	require.NoError(t, err)
	assert.Empty(t, snapshot.Ingredients)
}

func TestSanitizesMarkupInUserStrings(t *testing.T) {
	wsURL, _, cleanup := setupHubServer(t, 4*time.Hour)
	defer cleanup()

	a := dial(t, wsURL)
	defer a.close()
	snapshot := a.createSession("S", "U1", "<b>Alice</b>")
	assert.Equal(t, "Alice", snapshot["hostName"])

	a.send("ingredients:add", map[string]interface{}{
		"ingredient": map[string]interface{}{"name": "<script>alert(1)</script>Flour", "addedBy": "U1"},
	})
	event := a.recvType("ingredients:added")
	assert.Equal(t, "flour", event["ingredient"].(map[string]interface{})["name"])
}

func TestSessionExpiryNotifiesLingeringConnections(t *testing.T) {
	wsURL, _, cleanup := setupHubServer(t, time.Second)
	defer cleanup()

	a := dial(t, wsURL)
	defer a.close()
	a.createSession("S", "U1", "Alice")

	// Wait past the TTL; the next reaper sweep emits session:expired to
	// the still-open connection.
	time.Sleep(1100 * time.Millisecond)

	event := a.recvType("session:expired")
	assert.Equal(t, "S", event["sessionId"])

	// The session is unreachable afterwards; the connection stays open.
	a.send("session:join", map[string]interface{}{
		"sessionId": "S", "userId": "U1", "username": "Alice",
	})
	errEvent := a.recvType("session:error")
	assert.Equal(t, "Session not found or expired", errEvent["message"])
}

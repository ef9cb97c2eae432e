package websocket

import "sync"

// binding is what the registry knows about a registered connection.
type binding struct {
	userID    string
	sessionID string
	username  string
}

// sessionClient pairs a live client with the user it is bound to, for
// broadcast filtering.
type sessionClient struct {
	client *Client
	userID string
}

// registry maintains two bijections against live connections:
//
//  1. connection -> (userId, sessionId, displayName)
//  2. userId -> connection
//
// Entries are installed only after a successful session:create or
// session:join; a connection that never joins a session has no entry.
// Participants do not hold connection handles; this registry is the only
// place session identity and transport meet.
type registry struct {
	mu       sync.RWMutex
	bindings map[*Client]binding
	users    map[string]*Client
}

func newRegistry() *registry {
	return &registry{
		bindings: make(map[*Client]binding),
		users:    make(map[string]*Client),
	}
}

// bind installs entries for c. If the user was bound to a different live
// connection, that connection is displaced and returned so the caller can
// close it (host rejoin replaces the prior connection).
func (r *registry) bind(c *Client, userID, sessionID, username string) (displaced *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.users[userID]; ok && prev != c {
		delete(r.bindings, prev)
		displaced = prev
	}

	r.bindings[c] = binding{userID: userID, sessionID: sessionID, username: username}
	r.users[userID] = c
	return displaced
}

// lookup returns the binding for a connection.
func (r *registry) lookup(c *Client) (binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[c]
	return b, ok
}

// userClient returns the live connection bound to a user, or nil.
func (r *registry) userClient(userID string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.users[userID]
}

// unbind removes all entries for a connection and returns the binding it
// held. The user mapping is removed only if it still points at c: a rejoin
// may already have rebound the user to a newer connection.
func (r *registry) unbind(c *Client) (binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[c]
	if !ok {
		return binding{}, false
	}
	delete(r.bindings, c)
	if cur, ok := r.users[b.userID]; ok && cur == c {
		delete(r.users, b.userID)
	}
	return b, true
}

// sessionClients snapshots the live connections bound to a session. Writes
// happen outside the registry lock.
func (r *registry) sessionClients(sessionID string) []sessionClient {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []sessionClient
	for c, b := range r.bindings {
		if b.sessionID == sessionID {
			out = append(out, sessionClient{client: c, userID: b.userID})
		}
	}
	return out
}

// purgeSession removes every entry for a session and returns the clients
// that were bound to it.
func (r *registry) purgeSession(sessionID string) []sessionClient {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []sessionClient
	for c, b := range r.bindings {
		if b.sessionID == sessionID {
			out = append(out, sessionClient{client: c, userID: b.userID})
			delete(r.bindings, c)
			if cur, ok := r.users[b.userID]; ok && cur == c {
				delete(r.users, b.userID)
			}
		}
	}
	return out
}

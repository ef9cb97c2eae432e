// Package services provides the business logic of the Potluck hub.
// This file implements the CommandDispatcher that routes inbound WebSocket
// commands to their handlers.
//
// COMMAND DISPATCHER:
// The CommandDispatcher is responsible for:
//   - Parsing the {type, data} command envelope
//   - Routing each command type to its handler
//   - Validating payload shape and caller authority (host-only vs
//     any-participant)
//   - Mutating session state through the store (which serializes per
//     session)
//   - Publishing the resulting events through the hub, with the broadcast
//     targets and exclusions each command requires
//
// ERROR POLICY (per command family):
//   - Malformed frames and unknown types: non-fatal "error" event, the
//     connection continues
//   - Session resolution failures: typed "session:error" with a
//     human-readable message, no mutation
//   - Authority violations: typed "error" for host:transfer,
//     host:permissions and session:end; silent drop for context:update
//   - Duplicate adds and remove-of-missing: idempotent no-ops
//
// Commands from connections that never completed a create/join are ignored,
// except session:create and session:join themselves.
package services

import (
	"encoding/json"

	gorilla "github.com/gorilla/websocket"

	"github.com/streamspace-dev/potluck/internal/logger"
	"github.com/streamspace-dev/potluck/internal/protocol"
	"github.com/streamspace-dev/potluck/internal/sanitize"
	"github.com/streamspace-dev/potluck/internal/session"
	"github.com/streamspace-dev/potluck/internal/validator"
	"github.com/streamspace-dev/potluck/internal/websocket"
)

// Wire error messages. These are part of the protocol surface; clients
// match on them.
const (
	msgInvalidFormat      = "Invalid message format"
	msgSessionExists      = "Session already exists"
	msgSessionNotFound    = "Session not found or expired"
	msgAlreadyConnected   = "User already connected from another client"
	msgOnlyHostTransfer   = "Only host can transfer privileges"
	msgOnlyHostPerms      = "Only host can update permissions"
	msgOnlyHostEnd        = "Only host can end the session"
	msgNewHostNotFound    = "New host not found in session"
	msgSessionEndedByHost = "Session ended by host"
	msgConnectionReplaced = "Connection replaced by a newer client"
)

// CommandDispatcher routes inbound commands to handlers and publishes the
// resulting events. It implements websocket.MessageHandler.
type CommandDispatcher struct {
	// store owns all session state and serializes mutations per session.
	store *session.Store

	// hub delivers events to live connections.
	hub *websocket.Hub
}

// NewCommandDispatcher creates a dispatcher over the given store and hub.
func NewCommandDispatcher(store *session.Store, hub *websocket.Hub) *CommandDispatcher {
	return &CommandDispatcher{
		store: store,
		hub:   hub,
	}
}

// HandleMessage routes a single inbound frame.
func (d *CommandDispatcher) HandleMessage(c *websocket.Client, raw []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
		d.hub.SendTo(c, protocol.NewError(msgInvalidFormat))
		return
	}

	logger.Dispatcher().Debug().
		Str("connectionId", c.ID()).
		Str("type", msg.Type).
		Msg("Command received")

	switch msg.Type {
	case protocol.CmdSessionCreate:
		d.handleSessionCreate(c, msg.Data)
	case protocol.CmdSessionJoin:
		d.handleSessionJoin(c, msg.Data)
	case protocol.CmdIngredientsAdd:
		d.handleIngredientsAdd(c, msg.Data)
	case protocol.CmdIngredientsRemove:
		d.handleIngredientsRemove(c, msg.Data)
	case protocol.CmdIngredientsBlacklist:
		d.handleIngredientsBlacklist(c, msg.Data)
	case protocol.CmdRecipesAdd:
		d.handleRecipesAdd(c, msg.Data)
	case protocol.CmdRecipesVote:
		d.handleRecipesVote(c, msg.Data)
	case protocol.CmdRecipesRemove:
		d.handleRecipesRemove(c, msg.Data)
	case protocol.CmdContextUpdate:
		d.handleContextUpdate(c, msg.Data)
	case protocol.CmdHostTransfer:
		d.handleHostTransfer(c, msg.Data)
	case protocol.CmdHostPermissions:
		d.handleHostPermissions(c, msg.Data)
	case protocol.CmdSessionEnd:
		d.handleSessionEnd(c)
	default:
		d.hub.SendTo(c, protocol.NewError("Unknown message type: "+msg.Type))
	}
}

// HandleDisconnect runs when a registered connection closes: the
// participant is flagged disconnected and the remaining peers are told.
// The session and the participant record survive; only the live connection
// is gone.
func (d *CommandDispatcher) HandleDisconnect(c *websocket.Client, userID, sessionID string) {
	username, err := d.store.Disconnect(sessionID, userID)
	if err != nil {
		// Session already ended or reaped; nothing to announce.
		logger.Dispatcher().Debug().
			Str("sessionId", sessionID).
			Str("userId", userID).
			Err(err).
			Msg("Disconnect for absent session")
		return
	}

	d.hub.BroadcastToSession(sessionID, protocol.NewParticipantDisconnected(userID, username), userID)
}

// decode unmarshals a command payload and validates it. On failure the
// caller gets false and the client an "error" reply.
func (d *CommandDispatcher) decode(c *websocket.Client, data json.RawMessage, payload interface{}) bool {
	if err := json.Unmarshal(data, payload); err != nil {
		d.hub.SendTo(c, protocol.NewError(msgInvalidFormat))
		return false
	}
	if errs := validator.ValidateRequest(payload); errs != nil {
		d.hub.SendTo(c, protocol.NewError(msgInvalidFormat))
		return false
	}
	return true
}

// binding returns the registry entry for a connection; commands from
// unregistered connections are ignored.
func (d *CommandDispatcher) binding(c *websocket.Client) (userID, sessionID string, ok bool) {
	userID, sessionID, _, ok = d.hub.ClientBinding(c)
	return userID, sessionID, ok
}

// handleSessionCreate covers both fresh creation and host rejoin.
func (d *CommandDispatcher) handleSessionCreate(c *websocket.Client, data json.RawMessage) {
	var p protocol.SessionCreatePayload
	if !d.decode(c, data, &p) {
		return
	}
	username := sanitize.Clean(p.Username)
	if username == "" {
		d.hub.SendTo(c, protocol.NewError(msgInvalidFormat))
		return
	}

	snapshot, created, err := d.store.Create(p.SessionID, p.UserID, username)
	switch {
	case err == session.ErrAlreadyExists:
		d.hub.SendTo(c, protocol.NewSessionError(msgSessionExists))
		return
	case err != nil:
		d.hub.SendTo(c, protocol.NewSessionError(msgSessionNotFound))
		return
	}

	// Host rejoin replaces any prior live connection for the user.
	displaced := d.hub.BindClient(c, p.UserID, p.SessionID, username)
	if displaced != nil {
		displaced.CloseWith(gorilla.CloseNormalClosure, msgConnectionReplaced)
	}

	d.hub.SendTo(c, protocol.NewSessionCreated(snapshot))

	if !created {
		if participant := snapshot.Participant(p.UserID); participant != nil {
			d.hub.BroadcastToSession(p.SessionID, protocol.NewParticipantJoined(participant), p.UserID)
		}
	}
}

func (d *CommandDispatcher) handleSessionJoin(c *websocket.Client, data json.RawMessage) {
	var p protocol.SessionCreatePayload
	if !d.decode(c, data, &p) {
		return
	}
	username := sanitize.Clean(p.Username)
	if username == "" {
		d.hub.SendTo(c, protocol.NewError(msgInvalidFormat))
		return
	}

	// One active connection per user.
	if existing := d.hub.UserClient(p.UserID); existing != nil && existing != c {
		d.hub.SendTo(c, protocol.NewSessionError(msgAlreadyConnected))
		return
	}

	snapshot, participant, err := d.store.Join(p.SessionID, p.UserID, username)
	if err != nil {
		d.hub.SendTo(c, protocol.NewSessionError(msgSessionNotFound))
		return
	}

	d.hub.BindClient(c, p.UserID, p.SessionID, username)
	d.hub.SendTo(c, protocol.NewSessionJoined(snapshot))
	d.hub.BroadcastToSession(p.SessionID, protocol.NewParticipantJoined(participant), p.UserID)
}

func (d *CommandDispatcher) handleIngredientsAdd(c *websocket.Client, data json.RawMessage) {
	userID, sessionID, ok := d.binding(c)
	if !ok {
		return
	}

	var p protocol.IngredientsAddPayload
	if !d.decode(c, data, &p) {
		return
	}

	name := sanitize.CleanLower(p.Ingredient.Name)
	if name == "" {
		return
	}
	addedBy := p.Ingredient.AddedBy
	if addedBy == "" {
		addedBy = userID
	}

	ingredient, added, err := d.store.AddIngredient(sessionID, name, addedBy)
	if err != nil || !added {
		// Duplicate names are an idempotent no-op: no event.
		return
	}

	// The originator is included: it adopts the server-assigned id.
	d.hub.BroadcastToSession(sessionID, protocol.NewIngredientsAdded(ingredient), "")
}

func (d *CommandDispatcher) handleIngredientsRemove(c *websocket.Client, data json.RawMessage) {
	_, sessionID, ok := d.binding(c)
	if !ok {
		return
	}

	var p protocol.IngredientsRemovePayload
	if !d.decode(c, data, &p) {
		return
	}

	ingredient, removed, err := d.store.RemoveIngredient(sessionID, p.IngredientID)
	if err != nil || !removed {
		return
	}

	d.hub.BroadcastToSession(sessionID, protocol.NewIngredientsRemoved(ingredient), "")
}

func (d *CommandDispatcher) handleIngredientsBlacklist(c *websocket.Client, data json.RawMessage) {
	_, sessionID, ok := d.binding(c)
	if !ok {
		return
	}

	var p protocol.IngredientsBlacklistPayload
	if !d.decode(c, data, &p) {
		return
	}

	name := sanitize.CleanLower(p.IngredientName)
	if name == "" {
		return
	}

	blacklist, ingredients, err := d.store.Blacklist(sessionID, name, p.FromIngredients)
	if err != nil {
		return
	}

	// Snapshot semantics: clients replace their blacklist and ingredient
	// lists rather than merging.
	d.hub.BroadcastToSession(sessionID, protocol.NewIngredientsBlacklisted(name, blacklist, ingredients), "")
}

func (d *CommandDispatcher) handleRecipesAdd(c *websocket.Client, data json.RawMessage) {
	_, sessionID, ok := d.binding(c)
	if !ok {
		return
	}

	var p protocol.RecipesAddPayload
	if !d.decode(c, data, &p) {
		return
	}
	p.Recipe.Title = sanitize.Clean(p.Recipe.Title)

	recipe, err := d.store.AddRecipe(sessionID, p.Recipe)
	if err != nil {
		return
	}

	d.hub.BroadcastToSession(sessionID, protocol.NewRecipesAdded(recipe), "")
}

func (d *CommandDispatcher) handleRecipesVote(c *websocket.Client, data json.RawMessage) {
	userID, sessionID, ok := d.binding(c)
	if !ok {
		return
	}

	var p protocol.RecipesVotePayload
	if !d.decode(c, data, &p) {
		return
	}

	recipes, err := d.store.Vote(sessionID, userID, p.RecipeID, p.VoteType)
	if err != nil {
		return
	}

	d.hub.BroadcastToSession(sessionID, protocol.NewRecipesVoted(p.RecipeID, p.VoteType, userID, recipes), "")
}

func (d *CommandDispatcher) handleRecipesRemove(c *websocket.Client, data json.RawMessage) {
	_, sessionID, ok := d.binding(c)
	if !ok {
		return
	}

	var p protocol.RecipesRemovePayload
	if !d.decode(c, data, &p) {
		return
	}

	recipe, removed, err := d.store.RemoveRecipe(sessionID, p.RecipeID)
	if err != nil || !removed {
		return
	}

	d.hub.BroadcastToSession(sessionID, protocol.NewRecipesRemoved(recipe), "")
}

func (d *CommandDispatcher) handleContextUpdate(c *websocket.Client, data json.RawMessage) {
	userID, sessionID, ok := d.binding(c)
	if !ok {
		return
	}

	var p protocol.ContextUpdatePayload
	if !d.decode(c, data, &p) {
		return
	}
	context := sanitize.Clean(p.Context)

	if err := d.store.SetContext(sessionID, userID, context); err != nil {
		// Non-host context updates are dropped silently, unlike the
		// other host-only commands.
		return
	}

	// The host's own UI already holds the value it sent.
	d.hub.BroadcastToSession(sessionID, protocol.NewContextUpdated(context), userID)
}

func (d *CommandDispatcher) handleHostTransfer(c *websocket.Client, data json.RawMessage) {
	userID, sessionID, ok := d.binding(c)
	if !ok {
		return
	}

	var p protocol.HostTransferPayload
	if !d.decode(c, data, &p) {
		return
	}

	snapshot, err := d.store.TransferHost(sessionID, userID, p.NewHostID)
	switch err {
	case nil:
	case session.ErrNotHost:
		d.hub.SendTo(c, protocol.NewError(msgOnlyHostTransfer))
		return
	case session.ErrParticipantNotFound:
		d.hub.SendTo(c, protocol.NewError(msgNewHostNotFound))
		return
	default:
		return
	}

	d.hub.BroadcastToSession(sessionID, protocol.NewHostTransferred(snapshot), "")
}

func (d *CommandDispatcher) handleHostPermissions(c *websocket.Client, data json.RawMessage) {
	userID, sessionID, ok := d.binding(c)
	if !ok {
		return
	}

	var p protocol.HostPermissionsPayload
	if !d.decode(c, data, &p) {
		return
	}

	snapshot, err := d.store.SetRecipeGeneration(sessionID, userID, p.AllowRecipeGeneration)
	if err != nil {
		if err == session.ErrNotHost {
			d.hub.SendTo(c, protocol.NewError(msgOnlyHostPerms))
		}
		return
	}

	d.hub.BroadcastToSession(sessionID, protocol.NewHostPermissionsUpdated(snapshot), "")
}

func (d *CommandDispatcher) handleSessionEnd(c *websocket.Client) {
	userID, sessionID, ok := d.binding(c)
	if !ok {
		return
	}

	if err := d.store.End(sessionID, userID); err != nil {
		if err == session.ErrNotHost {
			d.hub.SendTo(c, protocol.NewError(msgOnlyHostEnd))
		}
		return
	}

	d.hub.BroadcastToSession(sessionID, protocol.NewSessionEnded(msgSessionEndedByHost), "")
	d.hub.CloseSessionClients(sessionID, gorilla.CloseNormalClosure, msgSessionEndedByHost)
}

// ExpireSession notifies any lingering connections that the reaper removed
// their session. The connections stay open; their registry entries clear on
// the next natural disconnect.
func (d *CommandDispatcher) ExpireSession(sessionID string) {
	d.hub.BroadcastToSession(sessionID, protocol.NewSessionExpired(sessionID), "")
}

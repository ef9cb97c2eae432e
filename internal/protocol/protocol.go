// Package protocol defines the WebSocket wire protocol for the session hub.
//
// This file defines the message types and structures used for bidirectional
// communication between participant clients and the hub over WebSocket.
//
// Message Flow:
//
// Client → Hub (commands, wrapped in a {type, data} envelope):
//   - session:create / session:join: Enter a session
//   - ingredients:add / ingredients:remove / ingredients:blacklist
//   - recipes:add / recipes:vote / recipes:remove
//   - context:update, host:transfer, host:permissions, session:end
//
// Hub → Client (events, flat objects with a top-level type field):
//   - connection:established, session:created, session:joined, session:error
//   - session:participant:joined, session:participant:disconnected
//   - ingredients:added, ingredients:removed, ingredients:blacklisted
//   - recipes:added, recipes:voted, recipes:removed
//   - context:updated, host:transferred, host:permissions:updated
//   - session:ended, session:expired, error
//
// Protocol Design:
//   - All messages are JSON-encoded text frames, one message per frame
//   - Inbound commands carry their payload under a "data" key
//   - Outbound events are flat: the event fields sit next to "type"
//   - Ids for ingredients and recipes are server-assigned; vote tallies are
//     server-recomputed. Client-supplied values for those fields are ignored.
package protocol

import (
	"encoding/json"

	"github.com/streamspace-dev/potluck/internal/models"
)

// Command types sent from Client → Hub
const (
	CmdSessionCreate        = "session:create"
	CmdSessionJoin          = "session:join"
	CmdIngredientsAdd       = "ingredients:add"
	CmdIngredientsRemove    = "ingredients:remove"
	CmdIngredientsBlacklist = "ingredients:blacklist"
	CmdRecipesAdd           = "recipes:add"
	CmdRecipesVote          = "recipes:vote"
	CmdRecipesRemove        = "recipes:remove"
	CmdContextUpdate        = "context:update"
	CmdHostTransfer         = "host:transfer"
	CmdHostPermissions      = "host:permissions"
	CmdSessionEnd           = "session:end"
)

// Event types sent from Hub → Client
const (
	EventConnectionEstablished   = "connection:established"
	EventSessionCreated          = "session:created"
	EventSessionJoined           = "session:joined"
	EventSessionError            = "session:error"
	EventSessionExpired          = "session:expired"
	EventSessionEnded            = "session:ended"
	EventParticipantJoined       = "session:participant:joined"
	EventParticipantDisconnected = "session:participant:disconnected"
	EventIngredientsAdded        = "ingredients:added"
	EventIngredientsRemoved      = "ingredients:removed"
	EventIngredientsBlacklisted  = "ingredients:blacklisted"
	EventRecipesAdded            = "recipes:added"
	EventRecipesVoted            = "recipes:voted"
	EventRecipesRemoved          = "recipes:removed"
	EventContextUpdated          = "context:updated"
	EventHostTransferred         = "host:transferred"
	EventHostPermissionsUpdated  = "host:permissions:updated"
	EventError                   = "error"
)

// Message is the inbound command envelope.
//
// The Type field determines how to parse Data.
type Message struct {
	// Type identifies the command (session:create, ingredients:add, ...)
	Type string `json:"type"`

	// Data contains the command-specific payload as raw JSON
	Data json.RawMessage `json:"data"`
}

// Command payloads (Client → Hub)

// SessionCreatePayload is the data for session:create and session:join.
type SessionCreatePayload struct {
	SessionID string `json:"sessionId" validate:"required,max=128"`
	UserID    string `json:"userId" validate:"required,max=128"`
	Username  string `json:"username" validate:"required,displayname"`
}

// IngredientInput is the client's view of a new ingredient. The server
// assigns the id and timestamp.
type IngredientInput struct {
	Name    string `json:"name" validate:"required,max=200"`
	AddedBy string `json:"addedBy"`
}

// IngredientsAddPayload is the data for ingredients:add.
type IngredientsAddPayload struct {
	Ingredient IngredientInput `json:"ingredient" validate:"required"`
}

// IngredientsRemovePayload is the data for ingredients:remove.
type IngredientsRemovePayload struct {
	IngredientID string `json:"ingredientId" validate:"required"`
}

// IngredientsBlacklistPayload is the data for ingredients:blacklist.
type IngredientsBlacklistPayload struct {
	IngredientName  string `json:"ingredientName" validate:"required,max=200"`
	FromIngredients bool   `json:"fromIngredients"`
}

// RecipesAddPayload is the data for recipes:add. The recipe body is opaque
// beyond the reserved fields.
type RecipesAddPayload struct {
	Recipe models.Recipe `json:"recipe"`
}

// RecipesVotePayload is the data for recipes:vote.
type RecipesVotePayload struct {
	RecipeID string          `json:"recipeId" validate:"required"`
	VoteType models.VoteType `json:"voteType" validate:"required,oneof=up down neutral"`
}

// RecipesRemovePayload is the data for recipes:remove.
type RecipesRemovePayload struct {
	RecipeID string `json:"recipeId" validate:"required"`
}

// ContextUpdatePayload is the data for context:update.
type ContextUpdatePayload struct {
	Context string `json:"context" validate:"max=10000"`
}

// HostTransferPayload is the data for host:transfer.
type HostTransferPayload struct {
	NewHostID string `json:"newHostId" validate:"required"`
}

// HostPermissionsPayload is the data for host:permissions.
type HostPermissionsPayload struct {
	AllowRecipeGeneration bool `json:"allowRecipeGeneration"`
}

// Events (Hub → Client). Outbound events are flat objects; there is no data
// wrapper.

// ConnectionEstablished is sent once immediately after every accept.
type ConnectionEstablished struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
}

// SessionSnapshot carries the full session state on create/join. Clients
// replace their local state with it rather than merging.
type SessionSnapshot struct {
	Type    string          `json:"type"`
	Session *models.Session `json:"session"`
}

// SessionError reports a session-resolution failure (create conflict,
// join of unknown session, user already connected).
type SessionError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// SessionExpired notifies lingering connections that the reaper removed
// their session.
type SessionExpired struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// SessionEnded notifies participants that the host ended the session.
type SessionEnded struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ParticipantJoined announces a new or reconnected participant.
type ParticipantJoined struct {
	Type        string              `json:"type"`
	Participant *models.Participant `json:"participant"`
}

// ParticipantDisconnected announces that a participant's connection closed.
type ParticipantDisconnected struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// IngredientsAdded carries the server-normalized ingredient record.
type IngredientsAdded struct {
	Type       string             `json:"type"`
	Ingredient *models.Ingredient `json:"ingredient"`
}

// IngredientsRemoved carries both the id and the removed record.
type IngredientsRemoved struct {
	Type         string             `json:"type"`
	IngredientID string             `json:"ingredientId"`
	Ingredient   *models.Ingredient `json:"ingredient"`
}

// IngredientsBlacklisted carries the full updated blacklist and ingredient
// list; clients replace, not merge.
type IngredientsBlacklisted struct {
	Type           string               `json:"type"`
	IngredientName string               `json:"ingredientName"`
	Blacklist      []string             `json:"blacklist"`
	Ingredients    []*models.Ingredient `json:"ingredients"`
}

// RecipesAdded carries the server-normalized recipe record.
type RecipesAdded struct {
	Type   string         `json:"type"`
	Recipe *models.Recipe `json:"recipe"`
}

// RecipesVoted carries the vote that was cast plus the full recomputed
// recipe list.
type RecipesVoted struct {
	Type     string           `json:"type"`
	RecipeID string           `json:"recipeId"`
	VoteType models.VoteType  `json:"voteType"`
	UserID   string           `json:"userId"`
	Recipes  []*models.Recipe `json:"recipes"`
}

// RecipesRemoved carries both the id and the removed record.
type RecipesRemoved struct {
	Type     string         `json:"type"`
	RecipeID string         `json:"recipeId"`
	Recipe   *models.Recipe `json:"recipe"`
}

// ContextUpdated carries the new shared context text.
type ContextUpdated struct {
	Type    string `json:"type"`
	Context string `json:"context"`
}

// HostTransferred announces the new host along with a fresh snapshot.
type HostTransferred struct {
	Type        string          `json:"type"`
	NewHostID   string          `json:"newHostId"`
	NewHostName string          `json:"newHostName"`
	Session     *models.Session `json:"session"`
}

// HostPermissionsUpdated announces the new recipe-generation policy flag.
type HostPermissionsUpdated struct {
	Type                  string          `json:"type"`
	AllowRecipeGeneration bool            `json:"allowRecipeGeneration"`
	Session               *models.Session `json:"session"`
}

// ErrorEvent reports a protocol or authority failure. Non-fatal; the
// connection stays open.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Event constructors. Handlers build events through these so the type tag
// can never drift from the struct.

func NewConnectionEstablished(connectionID string) ConnectionEstablished {
	return ConnectionEstablished{Type: EventConnectionEstablished, ConnectionID: connectionID}
}

func NewSessionCreated(s *models.Session) SessionSnapshot {
	return SessionSnapshot{Type: EventSessionCreated, Session: s}
}

func NewSessionJoined(s *models.Session) SessionSnapshot {
	return SessionSnapshot{Type: EventSessionJoined, Session: s}
}

func NewSessionError(message string) SessionError {
	return SessionError{Type: EventSessionError, Message: message}
}

func NewSessionExpired(sessionID string) SessionExpired {
	return SessionExpired{Type: EventSessionExpired, SessionID: sessionID}
}

func NewSessionEnded(message string) SessionEnded {
	return SessionEnded{Type: EventSessionEnded, Message: message}
}

func NewParticipantJoined(p *models.Participant) ParticipantJoined {
	return ParticipantJoined{Type: EventParticipantJoined, Participant: p}
}

func NewParticipantDisconnected(userID, username string) ParticipantDisconnected {
	return ParticipantDisconnected{Type: EventParticipantDisconnected, UserID: userID, Username: username}
}

func NewIngredientsAdded(i *models.Ingredient) IngredientsAdded {
	return IngredientsAdded{Type: EventIngredientsAdded, Ingredient: i}
}

func NewIngredientsRemoved(i *models.Ingredient) IngredientsRemoved {
	return IngredientsRemoved{Type: EventIngredientsRemoved, IngredientID: i.ID, Ingredient: i}
}

func NewIngredientsBlacklisted(name string, blacklist []string, ingredients []*models.Ingredient) IngredientsBlacklisted {
	return IngredientsBlacklisted{
		Type:           EventIngredientsBlacklisted,
		IngredientName: name,
		Blacklist:      blacklist,
		Ingredients:    ingredients,
	}
}

func NewRecipesAdded(r *models.Recipe) RecipesAdded {
	return RecipesAdded{Type: EventRecipesAdded, Recipe: r}
}

func NewRecipesVoted(recipeID string, voteType models.VoteType, userID string, recipes []*models.Recipe) RecipesVoted {
	return RecipesVoted{
		Type:     EventRecipesVoted,
		RecipeID: recipeID,
		VoteType: voteType,
		UserID:   userID,
		Recipes:  recipes,
	}
}

func NewRecipesRemoved(r *models.Recipe) RecipesRemoved {
	return RecipesRemoved{Type: EventRecipesRemoved, RecipeID: r.ID, Recipe: r}
}

func NewContextUpdated(context string) ContextUpdated {
	return ContextUpdated{Type: EventContextUpdated, Context: context}
}

func NewHostTransferred(s *models.Session) HostTransferred {
	return HostTransferred{
		Type:        EventHostTransferred,
		NewHostID:   s.HostID,
		NewHostName: s.HostName,
		Session:     s,
	}
}

func NewHostPermissionsUpdated(s *models.Session) HostPermissionsUpdated {
	return HostPermissionsUpdated{
		Type:                  EventHostPermissionsUpdated,
		AllowRecipeGeneration: s.AllowRecipeGeneration,
		Session:               s,
	}
}

func NewError(message string) ErrorEvent {
	return ErrorEvent{Type: EventError, Message: message}
}

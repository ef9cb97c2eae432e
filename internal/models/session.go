// Package models defines the data structures shared between the session
// store, the command dispatcher, and the wire protocol.
package models

import (
	"encoding/json"
	"time"
)

// VoteType is a participant's stance on a recipe.
type VoteType string

const (
	VoteUp      VoteType = "up"
	VoteDown    VoteType = "down"
	VoteNeutral VoteType = "neutral"
)

// Valid reports whether v is one of the three accepted vote types.
func (v VoteType) Valid() bool {
	return v == VoteUp || v == VoteDown || v == VoteNeutral
}

// Session is the authoritative in-memory document shared by a group of
// participants. All timestamps are epoch milliseconds.
//
// Invariants maintained by the store:
//   - HostID is always the ID of some entry in Participants
//   - Participant IDs are unique
//   - Ingredient IDs are unique; ingredient names are unique (lowercased)
//   - Blacklist is disjoint from ingredient names after every blacklist
//     mutation that requests removal from the ingredient list commits
//   - LastActivity never decreases and is always >= CreatedAt
type Session struct {
	ID                    string                         `json:"id"`
	HostID                string                         `json:"hostId"`
	HostName              string                         `json:"hostName"`
	CreatedAt             int64                          `json:"createdAt"`
	LastActivity          int64                          `json:"lastActivity"`
	AllowRecipeGeneration bool                           `json:"allowRecipeGeneration"`
	Participants          []*Participant                 `json:"participants"`
	Ingredients           []*Ingredient                  `json:"ingredients"`
	Blacklist             []string                       `json:"blacklist"`
	Context               string                         `json:"context"`
	Recipes               []*Recipe                      `json:"recipes"`
	Votes                 map[string]map[string]VoteType `json:"votes"`
}

// Participant is a user who has joined a session. The record persists across
// reconnects and is destroyed only with its session; IsConnected tracks
// whether a live connection is currently bound to the user.
type Participant struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	JoinedAt       int64  `json:"joinedAt"`
	IsConnected    bool   `json:"isConnected"`
	ReconnectedAt  int64  `json:"reconnectedAt,omitempty"`
	DisconnectedAt int64  `json:"disconnectedAt,omitempty"`
}

// Ingredient is one entry of the shared ingredient list. Name is stored
// lowercased; ID is server-assigned on insertion.
type Ingredient struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	AddedBy string `json:"addedBy"`
	AddedAt int64  `json:"addedAt"`
}

// Recipe is a voted-on recipe. The body is client-supplied and carried
// opaquely; ID, CreatedAt, Votes, and VoterIDs are always server-assigned or
// server-recomputed and client values for them are discarded.
type Recipe struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	CreatedAt int64    `json:"createdAt"`
	Votes     int      `json:"votes"`
	VoterIDs  []string `json:"voterIds"`

	// Extra holds the opaque client-supplied body fields (instructions,
	// servings, tags, ...). Merged into the top-level object on marshal.
	Extra map[string]json.RawMessage `json:"-"`
}

// recipeKnownFields are the reserved top-level keys the server owns.
var recipeKnownFields = map[string]bool{
	"id":        true,
	"title":     true,
	"createdAt": true,
	"votes":     true,
	"voterIds":  true,
}

// recipeAlias avoids MarshalJSON recursion.
type recipeAlias Recipe

// MarshalJSON flattens Extra into the top-level recipe object.
func (r *Recipe) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal((*recipeAlias)(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if !recipeKnownFields[k] {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON splits the known fields from the opaque body.
func (r *Recipe) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, (*recipeAlias)(r)); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if recipeKnownFields[k] {
			delete(raw, k)
		}
	}
	if len(raw) > 0 {
		r.Extra = raw
	}
	return nil
}

// Clone returns a deep copy of the recipe. Slices stay non-nil so empty
// lists marshal as [] rather than null.
func (r *Recipe) Clone() *Recipe {
	out := *r
	out.VoterIDs = make([]string, len(r.VoterIDs))
	copy(out.VoterIDs, r.VoterIDs)
	if r.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(r.Extra))
		for k, v := range r.Extra {
			out.Extra[k] = v
		}
	}
	return &out
}

// Clone returns a deep copy of the participant.
func (p *Participant) Clone() *Participant {
	out := *p
	return &out
}

// Clone returns a deep copy of the ingredient.
func (i *Ingredient) Clone() *Ingredient {
	out := *i
	return &out
}

// Clone returns a deep copy of the session, safe to marshal and broadcast
// after the store's lock is released.
func (s *Session) Clone() *Session {
	out := *s

	out.Participants = make([]*Participant, len(s.Participants))
	for i, p := range s.Participants {
		out.Participants[i] = p.Clone()
	}

	out.Ingredients = make([]*Ingredient, len(s.Ingredients))
	for i, ing := range s.Ingredients {
		out.Ingredients[i] = ing.Clone()
	}

	out.Blacklist = make([]string, len(s.Blacklist))
	copy(out.Blacklist, s.Blacklist)

	out.Recipes = make([]*Recipe, len(s.Recipes))
	for i, r := range s.Recipes {
		out.Recipes[i] = r.Clone()
	}

	out.Votes = make(map[string]map[string]VoteType, len(s.Votes))
	for user, byRecipe := range s.Votes {
		m := make(map[string]VoteType, len(byRecipe))
		for recipe, vote := range byRecipe {
			m[recipe] = vote
		}
		out.Votes[user] = m
	}

	return &out
}

// Participant returns the participant with the given ID, or nil.
func (s *Session) Participant(userID string) *Participant {
	for _, p := range s.Participants {
		if p.ID == userID {
			return p
		}
	}
	return nil
}

// Now returns the current time as epoch milliseconds, the timestamp unit
// used throughout session state.
func Now() int64 {
	return time.Now().UnixMilli()
}

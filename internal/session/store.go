// Package session implements the authoritative in-memory session store.
//
// The store owns every session's state and serializes mutations per session:
// all mutations to one session observe a total order, while mutations on
// different sessions proceed in parallel. Broadcast payloads are deep copies
// taken before the per-session lock is released, so callers can marshal and
// fan out without racing later mutations.
//
// Expiry:
//   - Every lookup treats a session idle beyond the TTL as absent and
//     eagerly removes it.
//   - RemoveExpired sweeps the whole map; the reaper calls it periodically.
//
// Concurrency:
//   - The session map is guarded by a coarse RWMutex.
//   - Each session's interior is guarded by its own mutex.
//   - A session lock is never acquired while the map lock is held; the map
//     lock may be taken briefly while a session lock is held.
package session

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamspace-dev/potluck/internal/logger"
	"github.com/streamspace-dev/potluck/internal/models"
)

// Sentinel errors returned by store operations. The dispatcher maps these
// onto wire events.
var (
	// ErrNotFound is returned when a session does not exist or has expired.
	ErrNotFound = errors.New("session not found or expired")

	// ErrAlreadyExists is returned when session:create names an existing
	// session and the caller is not its host.
	ErrAlreadyExists = errors.New("session already exists")

	// ErrNotHost is returned when a host-only mutation comes from a
	// non-host participant.
	ErrNotHost = errors.New("caller is not the session host")

	// ErrParticipantNotFound is returned when an operation names a user
	// that is not a participant of the session.
	ErrParticipantNotFound = errors.New("participant not found in session")
)

// entry pairs a session with its serialization lock.
type entry struct {
	mu sync.Mutex
	s  *models.Session
}

// Store maps sessionId -> Session and enforces the per-session
// serialization contract.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	ttl      time.Duration
}

// NewStore creates a session store with the given idle TTL.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		sessions: make(map[string]*entry),
		ttl:      ttl,
	}
}

// TTL returns the configured idle timeout.
func (st *Store) TTL() time.Duration {
	return st.ttl
}

// SessionCount returns the number of sessions in the map. Expired sessions
// that no lookup or sweep has removed yet are included.
func (st *Store) SessionCount() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// expired reports whether s has been idle beyond the TTL.
func (st *Store) expired(s *models.Session) bool {
	return time.Since(time.UnixMilli(s.LastActivity)) > st.ttl
}

// removeEntry deletes id from the map if it still points at e.
func (st *Store) removeEntry(id string, e *entry) {
	st.mu.Lock()
	if cur, ok := st.sessions[id]; ok && cur == e {
		delete(st.sessions, id)
	}
	st.mu.Unlock()
}

// with runs fn against the session under its serialization lock. A nil
// return from fn commits the mutation and stamps lastActivity as the last
// step. Expired sessions are removed and reported as ErrNotFound.
func (st *Store) with(id string, fn func(s *models.Session) error) error {
	return st.locked(id, true, fn)
}

// read is with without the lastActivity stamp; lookups must not extend a
// session's life.
func (st *Store) read(id string, fn func(s *models.Session) error) error {
	return st.locked(id, false, fn)
}

func (st *Store) locked(id string, bump bool, fn func(s *models.Session) error) error {
	st.mu.RLock()
	e := st.sessions[id]
	st.mu.RUnlock()
	if e == nil {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// The entry may have been reaped or replaced between the map read and
	// acquiring its lock.
	st.mu.RLock()
	cur := st.sessions[id]
	st.mu.RUnlock()
	if cur != e {
		return ErrNotFound
	}

	if st.expired(e.s) {
		st.removeEntry(id, e)
		return ErrNotFound
	}

	if err := fn(e.s); err != nil {
		return err
	}

	if bump {
		if now := models.Now(); now > e.s.LastActivity {
			e.s.LastActivity = now
		}
	}
	return nil
}

// Create handles session:create. Exactly one of three outcomes:
//   - the session is absent: it is created with the caller as host and sole
//     participant (created=true)
//   - the session exists and the caller is its host: host rejoin, the host
//     participant is marked connected (created=false)
//   - the session exists under a different host: ErrAlreadyExists
//
// The returned snapshot is a deep copy.
func (st *Store) Create(sessionID, userID, username string) (snapshot *models.Session, created bool, err error) {
	now := models.Now()

	st.mu.Lock()
	_, ok := st.sessions[sessionID]
	if !ok {
		s := &models.Session{
			ID:                    sessionID,
			HostID:                userID,
			HostName:              username,
			CreatedAt:             now,
			LastActivity:          now,
			AllowRecipeGeneration: true,
			Participants: []*models.Participant{{
				ID:          userID,
				Name:        username,
				JoinedAt:    now,
				IsConnected: true,
			}},
			Ingredients: []*models.Ingredient{},
			Blacklist:   []string{},
			Recipes:     []*models.Recipe{},
			Votes:       make(map[string]map[string]models.VoteType),
		}
		st.sessions[sessionID] = &entry{s: s}
		snapshot = s.Clone()
		st.mu.Unlock()

		logger.Session().Info().
			Str("sessionId", sessionID).
			Str("hostId", userID).
			Msg("Session created")
		return snapshot, true, nil
	}
	st.mu.Unlock()

	// Existing session: only the host may "create" it again (rejoin).
	err = st.with(sessionID, func(s *models.Session) error {
		if s.HostID != userID {
			return ErrAlreadyExists
		}
		p := s.Participant(userID)
		if p == nil {
			// hostId always names a participant; guard anyway
			return ErrParticipantNotFound
		}
		p.IsConnected = true
		p.ReconnectedAt = models.Now()
		snapshot = s.Clone()
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		// Expired between the map check and the lock: create fresh.
		return st.Create(sessionID, userID, username)
	}
	if err != nil {
		return nil, false, err
	}

	logger.Session().Info().
		Str("sessionId", sessionID).
		Str("hostId", userID).
		Msg("Host rejoined session")
	return snapshot, false, nil
}

// Join handles session:join. If the participant already exists it is marked
// reconnected; otherwise a new participant is appended. Returns a deep-copy
// snapshot and the participant record.
func (st *Store) Join(sessionID, userID, username string) (snapshot *models.Session, participant *models.Participant, err error) {
	err = st.with(sessionID, func(s *models.Session) error {
		now := models.Now()
		p := s.Participant(userID)
		if p != nil {
			p.IsConnected = true
			p.ReconnectedAt = now
		} else {
			p = &models.Participant{
				ID:          userID,
				Name:        username,
				JoinedAt:    now,
				IsConnected: true,
			}
			s.Participants = append(s.Participants, p)
		}
		participant = p.Clone()
		snapshot = s.Clone()
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return snapshot, participant, nil
}

// Disconnect flips the participant to disconnected when their connection
// closes. The participant record and the session survive. Returns the
// participant's display name.
func (st *Store) Disconnect(sessionID, userID string) (username string, err error) {
	err = st.with(sessionID, func(s *models.Session) error {
		p := s.Participant(userID)
		if p == nil {
			return ErrParticipantNotFound
		}
		p.IsConnected = false
		p.DisconnectedAt = models.Now()
		username = p.Name
		return nil
	})
	return username, err
}

// AddIngredient appends a new ingredient with a server-assigned id. Names
// are keyed lowercased; re-adding an existing name is an idempotent no-op
// (added=false, addedBy unchanged).
func (st *Store) AddIngredient(sessionID, name, addedBy string) (ingredient *models.Ingredient, added bool, err error) {
	err = st.with(sessionID, func(s *models.Session) error {
		lower := strings.ToLower(name)
		for _, existing := range s.Ingredients {
			if existing.Name == lower {
				return nil
			}
		}
		ing := &models.Ingredient{
			ID:      uuid.NewString(),
			Name:    lower,
			AddedBy: addedBy,
			AddedAt: models.Now(),
		}
		s.Ingredients = append(s.Ingredients, ing)
		ingredient = ing.Clone()
		added = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return ingredient, added, nil
}

// RemoveIngredient removes by id. Unknown ids are an idempotent no-op
// (removed=false).
func (st *Store) RemoveIngredient(sessionID, ingredientID string) (ingredient *models.Ingredient, removed bool, err error) {
	err = st.with(sessionID, func(s *models.Session) error {
		for i, existing := range s.Ingredients {
			if existing.ID == ingredientID {
				ingredient = existing.Clone()
				s.Ingredients = append(s.Ingredients[:i], s.Ingredients[i+1:]...)
				removed = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return ingredient, removed, nil
}

// Blacklist adds the lowercased name to the blacklist (if absent) and, when
// fromIngredients is set, removes any ingredient with that name. Returns
// copies of the updated blacklist and ingredient list; after commit the
// blacklist is disjoint from the ingredient names whenever fromIngredients
// was requested.
func (st *Store) Blacklist(sessionID, ingredientName string, fromIngredients bool) (blacklist []string, ingredients []*models.Ingredient, err error) {
	err = st.with(sessionID, func(s *models.Session) error {
		lower := strings.ToLower(ingredientName)

		present := false
		for _, b := range s.Blacklist {
			if b == lower {
				present = true
				break
			}
		}
		if !present {
			s.Blacklist = append(s.Blacklist, lower)
		}

		if fromIngredients {
			kept := s.Ingredients[:0]
			for _, ing := range s.Ingredients {
				if ing.Name != lower {
					kept = append(kept, ing)
				}
			}
			s.Ingredients = kept
		}

		blacklist = append([]string(nil), s.Blacklist...)
		ingredients = make([]*models.Ingredient, len(s.Ingredients))
		for i, ing := range s.Ingredients {
			ingredients[i] = ing.Clone()
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return blacklist, ingredients, nil
}

// AddRecipe appends a recipe, overwriting any client-supplied id, timestamp,
// and tallies. The opaque body fields are preserved.
func (st *Store) AddRecipe(sessionID string, recipe models.Recipe) (*models.Recipe, error) {
	var added *models.Recipe
	err := st.with(sessionID, func(s *models.Session) error {
		r := recipe.Clone()
		r.ID = uuid.NewString()
		r.CreatedAt = models.Now()
		r.Votes = 0
		r.VoterIDs = []string{}
		s.Recipes = append(s.Recipes, r)
		added = r.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// Vote records a user's vote on a recipe, then recomputes every recipe's
// tally and voter set from the vote table. A neutral vote erases the user's
// prior vote. Returns the full recomputed recipe list.
func (st *Store) Vote(sessionID, userID, recipeID string, voteType models.VoteType) (recipes []*models.Recipe, err error) {
	err = st.with(sessionID, func(s *models.Session) error {
		byRecipe := s.Votes[userID]
		if byRecipe == nil {
			byRecipe = make(map[string]models.VoteType)
			s.Votes[userID] = byRecipe
		}

		delete(byRecipe, recipeID)
		if voteType != models.VoteNeutral {
			byRecipe[recipeID] = voteType
		}
		if len(byRecipe) == 0 {
			delete(s.Votes, userID)
		}

		recomputeTallies(s)

		recipes = make([]*models.Recipe, len(s.Recipes))
		for i, r := range s.Recipes {
			recipes[i] = r.Clone()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recipes, nil
}

// recomputeTallies rebuilds votes and voterIds on every recipe from the
// vote table. Voter ids are sorted for deterministic output.
func recomputeTallies(s *models.Session) {
	for _, r := range s.Recipes {
		ups, downs := 0, 0
		voters := []string{}
		for userID, byRecipe := range s.Votes {
			switch byRecipe[r.ID] {
			case models.VoteUp:
				ups++
				voters = append(voters, userID)
			case models.VoteDown:
				downs++
				voters = append(voters, userID)
			}
		}
		sort.Strings(voters)
		r.Votes = ups - downs
		r.VoterIDs = voters
	}
}

// RemoveRecipe removes by id. Unknown ids are an idempotent no-op. Votes
// referencing the removed recipe are dropped from the vote table.
func (st *Store) RemoveRecipe(sessionID, recipeID string) (recipe *models.Recipe, removed bool, err error) {
	err = st.with(sessionID, func(s *models.Session) error {
		for i, existing := range s.Recipes {
			if existing.ID == recipeID {
				recipe = existing.Clone()
				s.Recipes = append(s.Recipes[:i], s.Recipes[i+1:]...)
				removed = true
				break
			}
		}
		if removed {
			for userID, byRecipe := range s.Votes {
				delete(byRecipe, recipeID)
				if len(byRecipe) == 0 {
					delete(s.Votes, userID)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return recipe, removed, nil
}

// SetContext overwrites the shared context text. Host-only.
func (st *Store) SetContext(sessionID, callerID, context string) error {
	return st.with(sessionID, func(s *models.Session) error {
		if s.HostID != callerID {
			return ErrNotHost
		}
		s.Context = context
		return nil
	})
}

// TransferHost moves host privileges to another participant. Host-only.
// Transfer to self is accepted and leaves state unchanged.
func (st *Store) TransferHost(sessionID, callerID, newHostID string) (snapshot *models.Session, err error) {
	err = st.with(sessionID, func(s *models.Session) error {
		if s.HostID != callerID {
			return ErrNotHost
		}
		p := s.Participant(newHostID)
		if p == nil {
			return ErrParticipantNotFound
		}
		s.HostID = p.ID
		s.HostName = p.Name
		snapshot = s.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Session().Info().
		Str("sessionId", sessionID).
		Str("newHostId", newHostID).
		Msg("Host transferred")
	return snapshot, nil
}

// SetRecipeGeneration updates the advisory recipe-generation policy flag.
// Host-only.
func (st *Store) SetRecipeGeneration(sessionID, callerID string, allow bool) (snapshot *models.Session, err error) {
	err = st.with(sessionID, func(s *models.Session) error {
		if s.HostID != callerID {
			return ErrNotHost
		}
		s.AllowRecipeGeneration = allow
		snapshot = s.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// End deletes the session. Host-only. The caller is responsible for
// notifying and closing the session's connections.
func (st *Store) End(sessionID, callerID string) error {
	err := st.with(sessionID, func(s *models.Session) error {
		if s.HostID != callerID {
			return ErrNotHost
		}
		return nil
	})
	if err != nil {
		return err
	}

	st.mu.Lock()
	delete(st.sessions, sessionID)
	st.mu.Unlock()

	logger.Session().Info().
		Str("sessionId", sessionID).
		Msg("Session ended by host")
	return nil
}

// Get returns a deep-copy snapshot, or ErrNotFound for absent/expired
// sessions.
func (st *Store) Get(sessionID string) (*models.Session, error) {
	var snapshot *models.Session
	err := st.read(sessionID, func(s *models.Session) error {
		snapshot = s.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// RemoveExpired deletes every session idle beyond the TTL and returns their
// ids. Called by the reaper on its interval.
//
// The map lock is released before session locks are taken, keeping the lock
// order consistent with command handling.
func (st *Store) RemoveExpired() []string {
	st.mu.RLock()
	entries := make(map[string]*entry, len(st.sessions))
	for id, e := range st.sessions {
		entries[id] = e
	}
	st.mu.RUnlock()

	var expired []string
	for id, e := range entries {
		e.mu.Lock()
		stale := st.expired(e.s)
		e.mu.Unlock()
		if stale {
			st.removeEntry(id, e)
			expired = append(expired, id)
		}
	}
	return expired
}

package models

import (
	"encoding/json"
	"testing"
)

func TestRecipeCarriesOpaqueBody(t *testing.T) {
	body := []byte(`{"id":"x","title":"Ramen","votes":5,"voterIds":["u"],"broth":"miso","steps":["boil","serve"]}`)

	var r Recipe
	if err := json.Unmarshal(body, &r); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if r.Title != "Ramen" {
		t.Errorf("Expected title Ramen, got %q", r.Title)
	}
	if _, ok := r.Extra["broth"]; !ok {
		t.Error("Expected opaque broth field captured")
	}
	if _, ok := r.Extra["title"]; ok {
		t.Error("Known fields must not leak into Extra")
	}

	r.ID = "server-id"
	r.Votes = 0
	r.VoterIDs = []string{}

	out, err := json.Marshal(&r)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var m map[string]interface{}
	json.Unmarshal(out, &m)
	if m["id"] != "server-id" {
		t.Errorf("Expected server id on the wire, got %v", m["id"])
	}
	if m["broth"] != "miso" {
		t.Errorf("Expected opaque field on the wire, got %v", m["broth"])
	}
	if m["votes"] != float64(0) {
		t.Errorf("Expected recomputed votes on the wire, got %v", m["votes"])
	}
}

func TestSessionCloneIsDeep(t *testing.T) {
	s := &Session{
		ID:       "S",
		HostID:   "U1",
		HostName: "Alice",
		Participants: []*Participant{
			{ID: "U1", Name: "Alice", IsConnected: true},
		},
		Ingredients: []*Ingredient{
			{ID: "I1", Name: "flour", AddedBy: "U1"},
		},
		Blacklist: []string{"peanuts"},
		Recipes: []*Recipe{
			{ID: "R1", Title: "Pie", VoterIDs: []string{"U1"}},
		},
		Votes: map[string]map[string]VoteType{
			"U1": {"R1": VoteUp},
		},
	}

	clone := s.Clone()
	clone.Participants[0].Name = "Mallory"
	clone.Ingredients[0].Name = "sugar"
	clone.Blacklist[0] = "soy"
	clone.Recipes[0].VoterIDs[0] = "U9"
	clone.Votes["U1"]["R1"] = VoteDown

	if s.Participants[0].Name != "Alice" {
		t.Error("Participant mutation leaked through clone")
	}
	if s.Ingredients[0].Name != "flour" {
		t.Error("Ingredient mutation leaked through clone")
	}
	if s.Blacklist[0] != "peanuts" {
		t.Error("Blacklist mutation leaked through clone")
	}
	if s.Recipes[0].VoterIDs[0] != "U1" {
		t.Error("Recipe voter mutation leaked through clone")
	}
	if s.Votes["U1"]["R1"] != VoteUp {
		t.Error("Vote mutation leaked through clone")
	}
}

func TestVoteTypeValid(t *testing.T) {
	for _, v := range []VoteType{VoteUp, VoteDown, VoteNeutral} {
		if !v.Valid() {
			t.Errorf("Expected %q valid", v)
		}
	}
	if VoteType("sideways").Valid() {
		t.Error("Expected unknown vote type invalid")
	}
}

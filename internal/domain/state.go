package domain

import "encoding/json"

// Well-known keys of a state snapshot.
const (
	StateActiveRole     = "activeRole"
	StateLastTransition = "lastTransition"
	StateContextData    = "contextData"
	StateCheckpoint     = "checkpoint"
	StatePendingActions = "pendingActions"
	StateKnowledgeBase  = "knowledgeBase"
)

// State is a free-form snapshot stored in the state log.
type State map[string]any

// Merge returns a shallow copy of s with patch applied on top.
func (s State) Merge(patch State) State {
	out := make(State, len(s)+len(patch))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

func (s State) ActiveRole() Role {
	if s == nil {
		return ""
	}
	switch v := s[StateActiveRole].(type) {
	case Role:
		return v
	case string:
		return Role(v)
	}
	return ""
}

// Normalize round-trips the snapshot through JSON so in-memory values match
// what is read back from storage.
func (s State) Normalize() (State, error) {
	if s == nil {
		return State{}, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out State
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

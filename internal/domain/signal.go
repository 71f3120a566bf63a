package domain

import (
	"encoding/json"
	"fmt"
)

// SignalState is the movement state of one signal group.
type SignalState string

// Signal states carried by SPAT messages
const (
	StateUnavailable               SignalState = "UNAVAILABLE"
	StateDark                      SignalState = "DARK"
	StateStopThenProceed           SignalState = "STOP_THEN_PROCEED"
	StateStopAndRemain             SignalState = "STOP_AND_REMAIN"
	StatePreMovement               SignalState = "PRE_MOVEMENT"
	StatePermissiveMovementAllowed SignalState = "PERMISSIVE_MOVEMENT_ALLOWED"
	StateProtectedMovementAllowed  SignalState = "PROTECTED_MOVEMENT_ALLOWED"
	StatePermissiveClearance       SignalState = "PERMISSIVE_CLEARANCE"
	StateProtectedClearance        SignalState = "PROTECTED_CLEARANCE"
	StateCautionConflictingTraffic SignalState = "CAUTION_CONFLICTING_TRAFFIC"
)

var knownSignalStates = map[SignalState]struct{}{
	StateUnavailable:               {},
	StateDark:                      {},
	StateStopThenProceed:           {},
	StateStopAndRemain:             {},
	StatePreMovement:               {},
	StatePermissiveMovementAllowed: {},
	StateProtectedMovementAllowed:  {},
	StatePermissiveClearance:       {},
	StateProtectedClearance:        {},
	StateCautionConflictingTraffic: {},
}

// ParseSignalState validates s against the closed set of states.
func ParseSignalState(s string) (SignalState, error) {
	state := SignalState(s)
	if _, ok := knownSignalStates[state]; !ok {
		return "", fmt.Errorf("%w: unknown signal state %q", ErrMalformedPayload, s)
	}
	return state, nil
}

// UnmarshalJSON rejects states outside the enumeration.
func (s *SignalState) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("%w: signal state: %v", ErrMalformedPayload, err)
	}
	state, err := ParseSignalState(raw)
	if err != nil {
		return err
	}
	*s = state
	return nil
}

// SignalGroupState pairs a signal group with its current state
type SignalGroupState struct {
	SignalGroup int         `json:"signalGroup"`
	State       SignalState `json:"state"`
}

// SpatSample is one signal phase and timing observation
type SpatSample struct {
	IntersectionID  int                `json:"intersectionId"`
	RoadRegulatorID int                `json:"roadRegulatorId"`
	ReceivedAt      Timestamp          `json:"odeReceivedAt"`
	States          []SignalGroupState `json:"states"`
}

// At returns the capture timestamp.
func (s SpatSample) At() Timestamp { return s.ReceivedAt }

// SameIntersection reports whether the sample belongs to the intersection
// named by the query, with the same road regulator rule as MapSnapshot.
func (s SpatSample) SameIntersection(q QueryParams) bool {
	return q.names(s.IntersectionID, s.RoadRegulatorID)
}

// StateFor looks up the state of one signal group.
func (s SpatSample) StateFor(signalGroup int) (SignalState, bool) {
	for _, st := range s.States {
		if st.SignalGroup == signalGroup {
			return st.State, true
		}
	}
	return "", false
}

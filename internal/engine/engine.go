package engine

import (
	"errors"

	"github.com/DoyleJ11/arena-backend/pkg/types"
)

var ErrNotActive = errors.New("battle not active")
var ErrNotYourTurn = errors.New("not your turn")
var ErrUnitUnavailable = errors.New("unit unavailable")
var ErrInvalidTarget = errors.New("invalid target")
var ErrSpecialUsed = errors.New("special already used")
var ErrUnknownAction = errors.New("unknown action type")
var ErrUnsupportedCommand = errors.New("unsupported command")

type State struct {
	Active  bool
	Done    bool
	Winner  string   // empty with Done means tie
	Players []string // turn order
	Turn    int      // index into Players
	Seq     int      // last assigned sequence number
	Units   []types.Unit
}

type CommandType string

const (
	CmdSubmitAction   CommandType = "SubmitAction"
	CmdTimeoutAdvance CommandType = "TimeoutAdvance"
)

/*
	CmdSubmitAction   -> EvtActionApplied -> EvtTurnAdvanced | EvtBattleCompleted
	CmdTimeoutAdvance -> EvtTurnSkipped -> EvtTurnAdvanced
*/

type Command struct {
	Type   CommandType
	Action types.BattleAction
}

type EventType string

const (
	EvtActionApplied   EventType = "ActionApplied"
	EvtTurnSkipped     EventType = "TurnSkipped"
	EvtTurnAdvanced    EventType = "TurnAdvanced"
	EvtBattleCompleted EventType = "BattleCompleted"
)

type Event struct {
	Type     EventType
	PlayerID string
	Action   types.BattleAction
	Winner   string
}

// Apply validates cmd against s and returns the resulting events and state.
// s is never modified; on error the returned state is s.
func Apply(s State, cmd Command) ([]Event, State, error) {
	if !s.Active || s.Done {
		return nil, s, ErrNotActive
	}

	holder := s.Players[s.Turn]

	switch cmd.Type {
	case CmdSubmitAction:
		a := cmd.Action
		if a.PlayerID != holder {
			return nil, s, ErrNotYourTurn
		}

		src, ok := s.unit(a.SourceUnitID)
		if !ok || s.Units[src].OwnerID != a.PlayerID || !s.Units[src].Alive() {
			return nil, s, ErrUnitUnavailable
		}

		var tgt int
		switch a.Type {
		case types.ActionAttack, types.ActionSpecial:
			tgt, ok = s.unit(a.TargetUnitID)
			if !ok || s.Units[tgt].OwnerID == a.PlayerID || !s.Units[tgt].Alive() {
				return nil, s, ErrInvalidTarget
			}
			if a.Type == types.ActionSpecial && s.Units[src].SpecialUsed {
				return nil, s, ErrSpecialUsed
			}
		case types.ActionDefend:
			a.TargetUnitID = ""
		default:
			return nil, s, ErrUnknownAction
		}

		newState := s.clone()
		newState.Seq++
		a.SequenceNumber = newState.Seq
		a.ResultingDamage = 0

		// A player's guard lasts until their next action.
		for i := range newState.Units {
			if newState.Units[i].OwnerID == a.PlayerID {
				newState.Units[i].Defending = false
			}
		}

		switch a.Type {
		case types.ActionDefend:
			newState.Units[src].Defending = true
		case types.ActionAttack, types.ActionSpecial:
			if a.Type == types.ActionSpecial {
				newState.Units[src].SpecialUsed = true
			}
			target := &newState.Units[tgt]
			dmg := Damage(newState.Units[src].Power, MoveBase[a.Type], target.Defending)
			target.Defending = false
			target.CurrentHealth -= dmg
			if target.CurrentHealth < 0 {
				target.CurrentHealth = 0
			}
			a.ResultingDamage = dmg
		}

		events := []Event{{Type: EvtActionApplied, PlayerID: a.PlayerID, Action: a}}

		if done, winner := newState.outcome(); done {
			newState.Done = true
			newState.Active = false
			newState.Winner = winner
			return append(events, Event{Type: EvtBattleCompleted, Winner: winner}), newState, nil
		}

		newState.Turn = newState.nextTurn()
		events = append(events, Event{Type: EvtTurnAdvanced, PlayerID: newState.Players[newState.Turn]})
		return events, newState, nil

	case CmdTimeoutAdvance:
		newState := s.clone()
		newState.Turn = newState.nextTurn()
		events := []Event{
			{Type: EvtTurnSkipped, PlayerID: holder},
			{Type: EvtTurnAdvanced, PlayerID: newState.Players[newState.Turn]},
		}
		return events, newState, nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

// Reason maps a rejection to the code reported back to the submitting client.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrNotActive):
		return "room-not-active"
	case errors.Is(err, ErrNotYourTurn):
		return "not-your-turn"
	case errors.Is(err, ErrUnitUnavailable):
		return "unit-unavailable"
	case errors.Is(err, ErrInvalidTarget):
		return "invalid-target"
	case errors.Is(err, ErrSpecialUsed):
		return "special-used"
	case errors.Is(err, ErrUnknownAction), errors.Is(err, ErrUnsupportedCommand):
		return "unknown-action"
	default:
		return ""
	}
}

func (s State) clone() State {
	c := s
	c.Units = make([]types.Unit, len(s.Units))
	copy(c.Units, s.Units)
	c.Players = make([]string, len(s.Players))
	copy(c.Players, s.Players)
	return c
}

func (s State) unit(id string) (int, bool) {
	if id == "" {
		return 0, false
	}
	for i := range s.Units {
		if s.Units[i].ID == id {
			return i, true
		}
	}
	return 0, false
}

// CurrentTurn returns the player holding the turn, or "" when not active.
func (s State) CurrentTurn() string {
	if !s.Active || s.Done || len(s.Players) == 0 {
		return ""
	}
	return s.Players[s.Turn]
}

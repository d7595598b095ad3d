package engine

import (
	"strconv"

	"github.com/DoyleJ11/arena-backend/pkg/types"
)

// MoveBase is the base damage of each action type.
var MoveBase = map[types.ActionType]int{
	types.ActionAttack:  30,
	types.ActionSpecial: 45,
	types.ActionDefend:  0,
}

type UnitDefaults struct {
	Health int
	Power  int
}

// Damage scales base by the acting unit's power as a percentage bonus and
// halves the result against a defending target. Integer math keeps every
// client's replay identical.
func Damage(power, base int, defending bool) int {
	if base <= 0 {
		return 0
	}
	if power < 0 {
		power = 0
	}
	dmg := base * (100 + power) / 100
	if defending {
		dmg /= 2
	}
	return dmg
}

func UnitID(playerID string, slot int) string {
	return playerID + "#" + strconv.Itoa(slot)
}

// NewState seats players in the given turn order with one unit per asset.
// The battle is not active until Start is called.
func NewState(players []types.Player, defaults UnitDefaults) State {
	s := State{Players: make([]string, 0, len(players))}
	for _, p := range players {
		s.Players = append(s.Players, p.ID)
		for i, a := range p.Team {
			health := a.Health
			if health <= 0 {
				health = defaults.Health
			}
			power := a.Power
			if power <= 0 {
				power = defaults.Power
			}
			s.Units = append(s.Units, types.Unit{
				ID:            UnitID(p.ID, i),
				OwnerID:       p.ID,
				Symbol:        a.Symbol,
				Power:         power,
				MaxHealth:     health,
				CurrentHealth: health,
			})
		}
	}
	return s
}

func Start(s State) State {
	s = s.clone()
	s.Active = true
	s.Turn = 0
	return s
}

// Forfeit ends the battle with winner ("" for a tie) without applying an action.
func Forfeit(s State, winner string) State {
	s = s.clone()
	s.Active = false
	s.Done = true
	s.Winner = winner
	return s
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

// HealthTotals sums remaining health per player.
func HealthTotals(s State) map[string]float64 {
	out := make(map[string]float64, len(s.Players))
	for _, p := range s.Players {
		out[p] = 0
	}
	for _, u := range s.Units {
		out[u.OwnerID] += float64(u.CurrentHealth)
	}
	return out
}

// BotAction picks a deterministic move for playerID: its strongest living
// unit uses its special if unused, otherwise attacks, always at the weakest
// living opposing unit.
func BotAction(s State, playerID string) (types.BattleAction, bool) {
	src := -1
	for i, u := range s.Units {
		if u.OwnerID != playerID || !u.Alive() {
			continue
		}
		if src < 0 || u.Power > s.Units[src].Power {
			src = i
		}
	}
	tgt := -1
	for i, u := range s.Units {
		if u.OwnerID == playerID || !u.Alive() {
			continue
		}
		if tgt < 0 || u.CurrentHealth < s.Units[tgt].CurrentHealth {
			tgt = i
		}
	}
	if src < 0 || tgt < 0 {
		return types.BattleAction{}, false
	}

	kind := types.ActionAttack
	if !s.Units[src].SpecialUsed {
		kind = types.ActionSpecial
	}
	return types.BattleAction{
		PlayerID:     playerID,
		Type:         kind,
		SourceUnitID: s.Units[src].ID,
		TargetUnitID: s.Units[tgt].ID,
	}, true
}

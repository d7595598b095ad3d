package types

import (
	"fmt"
	"time"
)

// TeamSize is the number of assets every player brings into a battle.
const TeamSize = 3

type Mode string

const (
	ModeHeadToHead Mode = "head-to-head"
	ModeAIPractice Mode = "ai-practice"
)

func (m Mode) Valid() bool {
	return m == ModeHeadToHead || m == ModeAIPractice
}

// Variant selects the battle engine a room runs once active.
type Variant string

const (
	VariantBeast     Variant = "beast"     // discrete turns
	VariantPortfolio Variant = "portfolio" // continuous price scoring
)

func (v Variant) Valid() bool {
	return v == VariantBeast || v == VariantPortfolio
}

type Asset struct {
	Symbol         string  `json:"symbol"`
	ReferencePrice float64 `json:"referencePrice"`
	Power          int     `json:"power,omitempty"`
	Health         int     `json:"health,omitempty"`
}

type Player struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"displayName"`
	Team        []Asset `json:"team"`
	Bot         bool    `json:"bot,omitempty"`
}

// ValidateTeam rejects teams that do not hold exactly TeamSize assets with symbols.
func (p Player) ValidateTeam() error {
	if len(p.Team) != TeamSize {
		return fmt.Errorf("team must hold %d assets, got %d", TeamSize, len(p.Team))
	}
	for i, a := range p.Team {
		if a.Symbol == "" {
			return fmt.Errorf("asset %d has no symbol", i)
		}
	}
	return nil
}

// Symbols returns the team's symbols in team order.
func (p Player) Symbols() []string {
	out := make([]string, 0, len(p.Team))
	for _, a := range p.Team {
		out = append(out, a.Symbol)
	}
	return out
}

type QueueEntry struct {
	ID         string    `json:"id"`
	Player     Player    `json:"player"`
	Mode       Mode      `json:"mode"`
	Variant    Variant   `json:"variant"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

type RoomStatus string

const (
	StatusWaiting   RoomStatus = "waiting"
	StatusCountdown RoomStatus = "countdown"
	StatusActive    RoomStatus = "active"
	StatusFinished  RoomStatus = "finished"
)

type ActionType string

const (
	ActionAttack  ActionType = "attack"
	ActionDefend  ActionType = "defend"
	ActionSpecial ActionType = "special"
)

type BattleAction struct {
	ID              string     `json:"id"`
	PlayerID        string     `json:"playerId"`
	Type            ActionType `json:"type"`
	SourceUnitID    string     `json:"sourceUnitId"`
	TargetUnitID    string     `json:"targetUnitId,omitempty"`
	ResultingDamage int        `json:"resultingDamage,omitempty"`
	SequenceNumber  int        `json:"sequenceNumber"`
}

// Unit is one combatant built from a team asset in the beast variant.
type Unit struct {
	ID            string `json:"id"`
	OwnerID       string `json:"ownerId"`
	Symbol        string `json:"symbol"`
	Power         int    `json:"power"`
	MaxHealth     int    `json:"maxHealth"`
	CurrentHealth int    `json:"currentHealth"`
	Defending     bool   `json:"defending,omitempty"`
	SpecialUsed   bool   `json:"specialUsed,omitempty"`
}

func (u Unit) Alive() bool { return u.CurrentHealth > 0 }

type PriceSnapshot struct {
	Tick           int                `json:"tick"`
	PricesBySymbol map[string]float64 `json:"pricesBySymbol"`
	TeamScores     map[string]float64 `json:"teamScores"` // player id -> mean % return
	At             time.Time          `json:"at"`
}

type EndReason string

const (
	EndDefeat  EndReason = "defeat"
	EndTime    EndReason = "time"
	EndForfeit EndReason = "forfeit"
)

type MatchResult struct {
	RoomID         string             `json:"roomId"`
	Mode           Mode               `json:"mode"`
	Variant        Variant            `json:"variant"`
	PlayerIDs      []string           `json:"playerIds"`
	WinnerPlayerID string             `json:"winnerPlayerId,omitempty"` // empty = tie
	FinalScores    map[string]float64 `json:"finalScores"`
	Reason         EndReason          `json:"reason"`
	EndedAt        time.Time          `json:"endedAt"`
	History        []PriceSnapshot    `json:"history,omitempty"`
	Actions        []BattleAction     `json:"actions,omitempty"`
}

func (r MatchResult) Tie() bool { return r.WinnerPlayerID == "" }

type RoomPlayer struct {
	Player
	Ready     bool `json:"ready"`
	Connected bool `json:"connected"`
}

// RoomView is the authoritative room state as broadcast to and fetched by clients.
type RoomView struct {
	ID           string          `json:"id"`
	Mode         Mode            `json:"mode"`
	Variant      Variant         `json:"variant"`
	Status       RoomStatus      `json:"status"`
	Version      int             `json:"version"`
	CreatedAt    time.Time       `json:"createdAt"`
	Players      []RoomPlayer    `json:"players"`
	CurrentTurn  string          `json:"currentTurn,omitempty"`
	TurnDeadline *time.Time      `json:"turnDeadline,omitempty"`
	Units        []Unit          `json:"units,omitempty"`
	Actions      []BattleAction  `json:"actions,omitempty"`
	Snapshots    []PriceSnapshot `json:"snapshots,omitempty"`
	Result       *MatchResult    `json:"result,omitempty"`
}

// HasPlayer reports whether id is seated in the room.
func (v RoomView) HasPlayer(id string) bool {
	for _, p := range v.Players {
		if p.ID == id {
			return true
		}
	}
	return false
}

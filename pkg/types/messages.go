package types

// Event types published on the bus. Pool topics carry queue-update and
// match-found; room topics carry everything else.
type EventType string

const (
	EventQueueUpdate   EventType = "queue-update"
	EventMatchFound    EventType = "match-found"
	EventRoomState     EventType = "room-state"
	EventRoomCountdown EventType = "room-countdown"
	EventBattleStart   EventType = "battle-start"
	EventBattleAction  EventType = "battle-action"
	EventTurnSkipped   EventType = "turn-skipped"
	EventPriceUpdate   EventType = "price-update"
	EventBattleEnd     EventType = "battle-end"
)

type QueueUpdate struct {
	Mode    Mode    `json:"mode"`
	Variant Variant `json:"variant"`
	Size    int     `json:"size"`
}

type MatchFound struct {
	RoomID  string   `json:"roomId"`
	Mode    Mode     `json:"mode"`
	Variant Variant  `json:"variant"`
	Players []Player `json:"players"`
}

// RoomState is broadcast on ready/connection changes while waiting.
type RoomState struct {
	RoomID string   `json:"roomId"`
	Room   RoomView `json:"room"`
}

type RoomCountdown struct {
	RoomID      string `json:"roomId"`
	SecondsLeft int    `json:"secondsLeft"`
}

type BattleStart struct {
	RoomID string   `json:"roomId"`
	Room   RoomView `json:"room"`
}

type BattleActionEvent struct {
	RoomID string       `json:"roomId"`
	Action BattleAction `json:"action"`
	Room   RoomView     `json:"room"`
}

type TurnSkipped struct {
	RoomID          string   `json:"roomId"`
	SkippedPlayerID string   `json:"skippedPlayerId"`
	Room            RoomView `json:"room"`
}

type PriceUpdate struct {
	RoomID   string        `json:"roomId"`
	Snapshot PriceSnapshot `json:"snapshot"`
}

type BattleEnd struct {
	RoomID string      `json:"roomId"`
	Result MatchResult `json:"result"`
}

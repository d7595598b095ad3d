package room

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/arena-backend/internal/bus"
	"github.com/DoyleJ11/arena-backend/internal/engine"
	"github.com/DoyleJ11/arena-backend/internal/pricefeed"
	"github.com/DoyleJ11/arena-backend/pkg/types"
)

func fastSettings() Settings {
	s := DefaultSettings()
	s.CountdownInterval = 5 * time.Millisecond
	s.TurnTimeout = time.Second
	s.BotDelay = 5 * time.Millisecond
	s.TickInterval = 2 * time.Millisecond
	s.MatchDuration = 20 * time.Millisecond
	s.LookupTimeout = 50 * time.Millisecond
	s.ForfeitGrace = 30 * time.Millisecond
	s.Retention = time.Second
	return s
}

func player(id string, power, health int, symbols ...string) types.Player {
	p := types.Player{ID: id, DisplayName: id}
	for _, s := range symbols {
		p.Team = append(p.Team, types.Asset{Symbol: s, ReferencePrice: 100, Power: power, Health: health})
	}
	return p
}

type harness struct {
	room     *Room
	sub      *bus.Subscription
	finished chan types.MatchResult
	closed   chan string
}

func newHarness(t *testing.T, variant types.Variant, settings Settings, feed pricefeed.Feed, players ...types.Player) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := bus.NewMemory(256, nil)
	sub, err := b.Subscribe(ctx, bus.RoomTopic("r1"))
	require.NoError(t, err)

	h := &harness{
		sub:      sub,
		finished: make(chan types.MatchResult, 4),
		closed:   make(chan string, 4),
	}
	h.room = New(ctx, Config{
		ID:       "r1",
		Mode:     types.ModeHeadToHead,
		Variant:  variant,
		Players:  players,
		Settings: settings,
		Bus:      b,
		Feed:     feed,
		OnFinish: func(res types.MatchResult) { h.finished <- res },
		OnClose:  func(id string) { h.closed <- id },
	})
	return h
}

// recvEvent returns the next message of type typ, skipping others.
func recvEvent(t *testing.T, sub *bus.Subscription, typ types.EventType, within time.Duration) bus.Message {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				t.Fatalf("subscription closed: %v", sub.Err())
			}
			if msg.Type == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
			return bus.Message{}
		}
	}
}

func recvNoEvent(t *testing.T, sub *bus.Subscription, within time.Duration) {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		if ok {
			t.Fatalf("expected no event within %v, got %s", within, msg.Type)
		}
	case <-time.After(within):
	}
}

func decode[T any](t *testing.T, msg bus.Message) T {
	t.Helper()
	var v T
	require.NoError(t, msg.Decode(&v))
	return v
}

func TestRoom_CountdownIsMandatoryAndOrdered(t *testing.T) {
	h := newHarness(t, types.VariantBeast, fastSettings(), nil,
		player("p1", 10, 100, "A", "B", "C"),
		player("p2", 10, 100, "D", "E", "F"),
	)

	first := recvEvent(t, h.sub, types.EventRoomState, time.Second)
	assert.Equal(t, types.StatusWaiting, decode[types.RoomState](t, first).Room.Status)

	var got []int
	for i := 0; i < 3; i++ {
		msg := recvEvent(t, h.sub, types.EventRoomCountdown, time.Second)
		got = append(got, decode[types.RoomCountdown](t, msg).SecondsLeft)
	}
	assert.Equal(t, []int{3, 2, 1}, got)

	start := decode[types.BattleStart](t, recvEvent(t, h.sub, types.EventBattleStart, time.Second))
	assert.Equal(t, types.StatusActive, start.Room.Status)
	assert.Equal(t, "p1", start.Room.CurrentTurn)
	require.NotNil(t, start.Room.TurnDeadline)
}

func TestRoom_TeamPreviewWaitsForEveryReady(t *testing.T) {
	s := fastSettings()
	s.TeamPreview = true
	h := newHarness(t, types.VariantBeast, s, nil,
		player("p1", 10, 100, "A", "B", "C"),
		player("p2", 10, 100, "D", "E", "F"),
	)
	ctx := context.Background()

	require.ErrorIs(t, h.room.Ready(ctx, "ghost"), ErrNotInRoom)
	require.NoError(t, h.room.Ready(ctx, "p1"))

	v, err := h.room.View(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.StatusWaiting, v.Status)

	require.NoError(t, h.room.Ready(ctx, "p2"))
	msg := recvEvent(t, h.sub, types.EventRoomCountdown, time.Second)
	assert.Equal(t, 3, decode[types.RoomCountdown](t, msg).SecondsLeft)
}

func TestRoom_SpecialAttackAppliesExactDamageAndPassesTurn(t *testing.T) {
	h := newHarness(t, types.VariantBeast, fastSettings(), nil,
		player("p1", 20, 100, "A", "B", "C"),
		player("p2", 10, 100, "D", "E", "F"),
	)
	recvEvent(t, h.sub, types.EventBattleStart, time.Second)

	err := h.room.Submit(context.Background(), types.BattleAction{
		PlayerID:     "p1",
		Type:         types.ActionSpecial,
		SourceUnitID: engine.UnitID("p1", 0),
		TargetUnitID: engine.UnitID("p2", 1),
	})
	require.NoError(t, err)

	ev := decode[types.BattleActionEvent](t, recvEvent(t, h.sub, types.EventBattleAction, time.Second))
	assert.Equal(t, 54, ev.Action.ResultingDamage) // 45 * (100+20) / 100
	assert.Equal(t, 1, ev.Action.SequenceNumber)
	assert.NotEmpty(t, ev.Action.ID)
	assert.Equal(t, "p2", ev.Room.CurrentTurn)
	for _, u := range ev.Room.Units {
		if u.ID == engine.UnitID("p2", 1) {
			assert.Equal(t, 46, u.CurrentHealth)
		}
	}
}

func TestRoom_RejectionsAreNotBroadcast(t *testing.T) {
	h := newHarness(t, types.VariantBeast, fastSettings(), nil,
		player("p1", 10, 100, "A", "B", "C"),
		player("p2", 10, 10, "D", "E", "F"),
	)
	ctx := context.Background()
	recvEvent(t, h.sub, types.EventBattleStart, time.Second)

	// p1 knocks out p2#0, p2 defends.
	require.NoError(t, h.room.Submit(ctx, types.BattleAction{
		PlayerID: "p1", Type: types.ActionAttack,
		SourceUnitID: engine.UnitID("p1", 0), TargetUnitID: engine.UnitID("p2", 0),
	}))
	require.NoError(t, h.room.Submit(ctx, types.BattleAction{
		PlayerID: "p2", Type: types.ActionDefend, SourceUnitID: engine.UnitID("p2", 1),
	}))
	recvEvent(t, h.sub, types.EventBattleAction, time.Second)
	recvEvent(t, h.sub, types.EventBattleAction, time.Second)

	before, err := h.room.View(ctx)
	require.NoError(t, err)

	cases := []struct {
		name   string
		action types.BattleAction
		code   string
	}{
		{
			name:   "out of turn",
			action: types.BattleAction{PlayerID: "p2", Type: types.ActionAttack, SourceUnitID: engine.UnitID("p2", 1), TargetUnitID: engine.UnitID("p1", 0)},
			code:   "not-your-turn",
		},
		{
			name:   "dead target",
			action: types.BattleAction{PlayerID: "p1", Type: types.ActionAttack, SourceUnitID: engine.UnitID("p1", 0), TargetUnitID: engine.UnitID("p2", 0)},
			code:   "invalid-target",
		},
		{
			name:   "stranger",
			action: types.BattleAction{PlayerID: "p9", Type: types.ActionAttack},
			code:   "not-in-room",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := h.room.Submit(ctx, tc.action)
			require.Error(t, err)
			assert.Equal(t, tc.code, Code(err))
		})
	}

	// p1 attacks, then p2 tries to act with its knocked out unit.
	require.NoError(t, h.room.Submit(ctx, types.BattleAction{
		PlayerID: "p1", Type: types.ActionAttack,
		SourceUnitID: engine.UnitID("p1", 0), TargetUnitID: engine.UnitID("p2", 2),
	}))
	recvEvent(t, h.sub, types.EventBattleAction, time.Second)
	mid, err := h.room.View(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Version+1, mid.Version)

	err = h.room.Submit(ctx, types.BattleAction{
		PlayerID: "p2", Type: types.ActionAttack,
		SourceUnitID: engine.UnitID("p2", 0), TargetUnitID: engine.UnitID("p1", 0),
	})
	require.ErrorIs(t, err, engine.ErrUnitUnavailable)
	assert.Equal(t, "unit-unavailable", Code(err))

	recvNoEvent(t, h.sub, 30*time.Millisecond)
	after, err := h.room.View(ctx)
	require.NoError(t, err)
	assert.Equal(t, mid.Version, after.Version)
	assert.Equal(t, mid.Units, after.Units)
}

func TestRoom_TurnTimeoutSkipsWithoutDamage(t *testing.T) {
	s := fastSettings()
	s.TurnTimeout = 40 * time.Millisecond
	h := newHarness(t, types.VariantBeast, s, nil,
		player("p1", 10, 100, "A", "B", "C"),
		player("p2", 10, 100, "D", "E", "F"),
	)
	recvEvent(t, h.sub, types.EventBattleStart, time.Second)

	ev := decode[types.TurnSkipped](t, recvEvent(t, h.sub, types.EventTurnSkipped, time.Second))
	assert.Equal(t, "p1", ev.SkippedPlayerID)
	assert.Equal(t, "p2", ev.Room.CurrentTurn)
	assert.Empty(t, ev.Room.Actions)
	for _, u := range ev.Room.Units {
		assert.Equal(t, u.MaxHealth, u.CurrentHealth)
	}
}

func TestRoom_StaleTurnTimerIsIgnored(t *testing.T) {
	s := fastSettings()
	s.TurnTimeout = 100 * time.Millisecond
	h := newHarness(t, types.VariantBeast, s, nil,
		player("p1", 10, 100, "A", "B", "C"),
		player("p2", 10, 100, "D", "E", "F"),
	)
	recvEvent(t, h.sub, types.EventBattleStart, time.Second)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, h.room.Submit(context.Background(), types.BattleAction{
		PlayerID: "p1", Type: types.ActionDefend, SourceUnitID: engine.UnitID("p1", 0),
	}))
	recvEvent(t, h.sub, types.EventBattleAction, time.Second)

	// p1's original deadline passes; p2's turn must stand.
	recvNoEvent(t, h.sub, 70*time.Millisecond)
	ev := decode[types.TurnSkipped](t, recvEvent(t, h.sub, types.EventTurnSkipped, time.Second))
	assert.Equal(t, "p2", ev.SkippedPlayerID)
}

func TestRoom_UnchangedPricesEndInZeroTie(t *testing.T) {
	feed := pricefeed.NewStatic(map[string]float64{"A": 100, "B": 100, "C": 100, "D": 100, "E": 100, "F": 100})
	h := newHarness(t, types.VariantPortfolio, fastSettings(), feed,
		player("p1", 0, 0, "A", "B", "C"),
		player("p2", 0, 0, "D", "E", "F"),
	)

	end := decode[types.BattleEnd](t, recvEvent(t, h.sub, types.EventBattleEnd, 2*time.Second))
	assert.True(t, end.Result.Tie())
	assert.Equal(t, types.EndTime, end.Result.Reason)
	assert.Equal(t, map[string]float64{"p1": 0, "p2": 0}, end.Result.FinalScores)
	require.Len(t, end.Result.History, 10)
	for i, snap := range end.Result.History {
		assert.Equal(t, i+1, snap.Tick)
	}

	res := <-h.finished
	assert.Equal(t, "r1", res.RoomID)
}

func TestRoom_HigherReturnWinsDespiteLookupFailures(t *testing.T) {
	feed := pricefeed.NewStatic(map[string]float64{"A": 110, "B": 100, "C": 100, "D": 100, "E": 100})
	h := newHarness(t, types.VariantPortfolio, fastSettings(), feed,
		player("p1", 0, 0, "A", "B", "C"),
		player("p2", 0, 0, "D", "E", "F"),
	)

	first := decode[types.PriceUpdate](t, recvEvent(t, h.sub, types.EventPriceUpdate, time.Second))
	assert.InDelta(t, 3.33, first.Snapshot.TeamScores["p1"], 1e-9)

	feed.Fail(errors.New("feed down"))

	end := decode[types.BattleEnd](t, recvEvent(t, h.sub, types.EventBattleEnd, 2*time.Second))
	assert.Equal(t, "p1", end.Result.WinnerPlayerID)
	assert.InDelta(t, 3.33, end.Result.FinalScores["p1"], 1e-9)
	assert.Equal(t, 0.0, end.Result.FinalScores["p2"])
}

func TestRoom_SubmitRejectedForPortfolio(t *testing.T) {
	h := newHarness(t, types.VariantPortfolio, fastSettings(), nil,
		player("p1", 0, 0, "A", "B", "C"),
		player("p2", 0, 0, "D", "E", "F"),
	)
	err := h.room.Submit(context.Background(), types.BattleAction{PlayerID: "p1", Type: types.ActionAttack})
	assert.ErrorIs(t, err, ErrWrongVariant)
}

func TestRoom_DisconnectForfeitsAfterGrace(t *testing.T) {
	h := newHarness(t, types.VariantBeast, fastSettings(), nil,
		player("p1", 10, 100, "A", "B", "C"),
		player("p2", 10, 100, "D", "E", "F"),
	)
	recvEvent(t, h.sub, types.EventBattleStart, time.Second)
	require.NoError(t, h.room.Disconnect(context.Background(), "p2"))

	end := decode[types.BattleEnd](t, recvEvent(t, h.sub, types.EventBattleEnd, time.Second))
	assert.Equal(t, "p1", end.Result.WinnerPlayerID)
	assert.Equal(t, types.EndForfeit, end.Result.Reason)

	select {
	case <-h.finished:
	case <-time.After(time.Second):
		t.Fatal("OnFinish not called")
	}
	select {
	case res := <-h.finished:
		t.Fatalf("OnFinish called twice: %+v", res)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRoom_RejoinCancelsGrace(t *testing.T) {
	h := newHarness(t, types.VariantBeast, fastSettings(), nil,
		player("p1", 10, 100, "A", "B", "C"),
		player("p2", 10, 100, "D", "E", "F"),
	)
	ctx := context.Background()
	recvEvent(t, h.sub, types.EventBattleStart, time.Second)

	require.NoError(t, h.room.Disconnect(ctx, "p2"))
	require.NoError(t, h.room.Rejoin(ctx, "p2"))

	time.Sleep(60 * time.Millisecond)
	v, err := h.room.View(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, v.Status)
	assert.True(t, v.Players[1].Connected)
}

func TestRoom_BothGoneIsATie(t *testing.T) {
	h := newHarness(t, types.VariantBeast, fastSettings(), nil,
		player("p1", 10, 100, "A", "B", "C"),
		player("p2", 10, 100, "D", "E", "F"),
	)
	ctx := context.Background()
	recvEvent(t, h.sub, types.EventBattleStart, time.Second)

	require.NoError(t, h.room.Disconnect(ctx, "p1"))
	require.NoError(t, h.room.Disconnect(ctx, "p2"))

	end := decode[types.BattleEnd](t, recvEvent(t, h.sub, types.EventBattleEnd, time.Second))
	assert.True(t, end.Result.Tie())
}

func TestRoom_ForfeitAndAckCloseTheRoom(t *testing.T) {
	h := newHarness(t, types.VariantBeast, fastSettings(), nil,
		player("p1", 10, 100, "A", "B", "C"),
		player("p2", 10, 100, "D", "E", "F"),
	)
	ctx := context.Background()
	recvEvent(t, h.sub, types.EventBattleStart, time.Second)

	require.NoError(t, h.room.Forfeit(ctx, "p1"))
	end := decode[types.BattleEnd](t, recvEvent(t, h.sub, types.EventBattleEnd, time.Second))
	assert.Equal(t, "p2", end.Result.WinnerPlayerID)
	assert.ErrorIs(t, h.room.Forfeit(ctx, "p2"), ErrFinished)

	// finished rooms stay readable until everyone acknowledged
	v, err := h.room.View(ctx)
	require.NoError(t, err)
	require.NotNil(t, v.Result)
	assert.Equal(t, types.StatusFinished, v.Status)

	require.NoError(t, h.room.Ack(ctx, "p1"))
	require.NoError(t, h.room.Ack(ctx, "p2"))

	select {
	case id := <-h.closed:
		assert.Equal(t, "r1", id)
	case <-time.After(time.Second):
		t.Fatal("room did not close after acks")
	}
	<-h.room.Done()
	_, err = h.room.View(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, "not-found", Code(err))

	assert.ErrorIs(t, h.room.Ready(ctx, "p1"), ErrClosed)
	assert.ErrorIs(t, h.room.Submit(ctx, types.BattleAction{PlayerID: "p1", Type: types.ActionDefend}), ErrClosed)
	assert.ErrorIs(t, h.room.Forfeit(ctx, "p1"), ErrClosed)
}

func TestRoom_BotTakesItsTurn(t *testing.T) {
	bot := player("bot", 10, 100, "D", "E", "F")
	bot.Bot = true
	h := newHarness(t, types.VariantBeast, fastSettings(), nil,
		player("p1", 10, 100, "A", "B", "C"),
		bot,
	)
	recvEvent(t, h.sub, types.EventBattleStart, time.Second)

	require.NoError(t, h.room.Submit(context.Background(), types.BattleAction{
		PlayerID: "p1", Type: types.ActionDefend, SourceUnitID: engine.UnitID("p1", 0),
	}))
	recvEvent(t, h.sub, types.EventBattleAction, time.Second)

	ev := decode[types.BattleActionEvent](t, recvEvent(t, h.sub, types.EventBattleAction, time.Second))
	assert.Equal(t, "bot", ev.Action.PlayerID)
	assert.Equal(t, types.ActionSpecial, ev.Action.Type)
	assert.Equal(t, 2, ev.Action.SequenceNumber)
	assert.Equal(t, "p1", ev.Room.CurrentTurn)
}

package matchmaking

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/arena-backend/internal/bus"
	"github.com/DoyleJ11/arena-backend/pkg/types"
)

// fakeRooms allocates rooms and tracks membership the way the hub does.
type fakeRooms struct {
	mu      sync.Mutex
	rooms   map[string][]types.Player
	members map[string]string
	fail    error
}

func newFakeRooms() *fakeRooms {
	return &fakeRooms{rooms: make(map[string][]types.Player), members: make(map[string]string)}
}

func (f *fakeRooms) Allocate(_ context.Context, _ types.Mode, _ types.Variant, players []types.Player) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	id := fmt.Sprintf("room-%d", len(f.rooms)+1)
	f.rooms[id] = players
	for _, p := range players {
		if !p.Bot {
			f.members[p.ID] = id
		}
	}
	return id, nil
}

func (f *fakeRooms) InRoom(_ context.Context, playerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.members[playerID]
	return ok, nil
}

func teamOf(symbols ...string) []types.Asset {
	out := make([]types.Asset, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, types.Asset{Symbol: s, ReferencePrice: 10})
	}
	return out
}

func join(id string, mode types.Mode) JoinRequest {
	return JoinRequest{
		EventID: "join-" + id,
		Player:  types.Player{ID: id, DisplayName: id, Team: teamOf("BTC", "ETH", "SOL")},
		Mode:    mode,
		Variant: types.VariantBeast,
	}
}

func newQueue(t *testing.T) (*Queue, *fakeRooms, *bus.Memory) {
	t.Helper()
	b := bus.NewMemory(512, nil)
	rooms := newFakeRooms()
	return New(Config{Bus: b, Rooms: rooms, Members: rooms}), rooms, b
}

func drain(sub *bus.Subscription, within time.Duration) []bus.Message {
	var out []bus.Message
	deadline := time.After(within)
	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, msg)
		case <-deadline:
			return out
		}
	}
}

func TestQueue_TwoPlayersPairOnce(t *testing.T) {
	q, rooms, b := newQueue(t)
	ctx := context.Background()
	sub, err := b.Subscribe(ctx, bus.PoolTopic(types.ModeHeadToHead, types.VariantBeast))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, join("alice", types.ModeHeadToHead))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = q.Enqueue(ctx, join("bob", types.ModeHeadToHead))
	require.NoError(t, err)

	msgs := drain(sub, 50*time.Millisecond)
	var found []types.MatchFound
	var sizes []int
	for _, m := range msgs {
		switch m.Type {
		case types.EventMatchFound:
			var mf types.MatchFound
			require.NoError(t, m.Decode(&mf))
			found = append(found, mf)
		case types.EventQueueUpdate:
			var qu types.QueueUpdate
			require.NoError(t, m.Decode(&qu))
			sizes = append(sizes, qu.Size)
		}
	}

	require.Len(t, found, 1)
	assert.Equal(t, []string{"alice", "bob"}, playerIDs(found[0].Players))
	assert.Len(t, found[0].Players[0].Team, types.TeamSize)
	assert.Equal(t, []int{1, 0}, sizes)
	assert.Equal(t, 0, q.Size(types.ModeHeadToHead, types.VariantBeast))
	assert.Len(t, rooms.rooms, 1)
}

func TestQueue_ConcurrentEnqueueNeverDoublePairs(t *testing.T) {
	q, rooms, _ := newQueue(t)
	ctx := context.Background()

	const players = 64
	var wg sync.WaitGroup
	for i := 0; i < players; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = q.Enqueue(ctx, join(fmt.Sprintf("p%02d", i), types.ModeHeadToHead))
		}(i)
	}
	wg.Wait()

	seen := make(map[string]string)
	for id, ps := range rooms.rooms {
		require.Len(t, ps, 2)
		assert.NotEqual(t, ps[0].ID, ps[1].ID)
		for _, p := range ps {
			prev, dup := seen[p.ID]
			assert.False(t, dup, "%s paired into %s and %s", p.ID, prev, id)
			seen[p.ID] = id
		}
	}
	assert.Len(t, rooms.rooms, players/2)
	assert.Equal(t, 0, q.Size(types.ModeHeadToHead, types.VariantBeast))
}

func TestQueue_DuplicateLeaveIsNoop(t *testing.T) {
	q, _, b := newQueue(t)
	ctx := context.Background()
	sub, err := b.Subscribe(ctx, bus.PoolTopic(types.ModeHeadToHead, types.VariantBeast))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, join("alice", types.ModeHeadToHead))
	require.NoError(t, err)

	leave := LeaveRequest{EventID: "leave-1", PlayerID: "alice", Mode: types.ModeHeadToHead, Variant: types.VariantBeast}
	require.NoError(t, q.Dequeue(ctx, leave))
	require.NoError(t, q.Dequeue(ctx, leave))
	leave.EventID = "leave-2"
	require.NoError(t, q.Dequeue(ctx, leave))

	assert.Equal(t, 0, q.Size(types.ModeHeadToHead, types.VariantBeast))
	msgs := drain(sub, 30*time.Millisecond)
	require.Len(t, msgs, 2) // enqueue + one removal
	var last types.QueueUpdate
	require.NoError(t, msgs[1].Decode(&last))
	assert.Equal(t, 0, last.Size)

	// the player can queue again afterwards
	req := join("alice", types.ModeHeadToHead)
	req.EventID = "join-alice-2"
	_, err = q.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Size(types.ModeHeadToHead, types.VariantBeast))
}

func TestQueue_DuplicateJoinReturnsLiveEntry(t *testing.T) {
	q, _, _ := newQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, join("alice", types.ModeHeadToHead))
	require.NoError(t, err)
	again, err := q.Enqueue(ctx, join("alice", types.ModeHeadToHead))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	fresh := join("alice", types.ModeHeadToHead)
	fresh.EventID = "other"
	same, err := q.Enqueue(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, first.ID, same.ID)

	assert.Equal(t, 1, q.Size(types.ModeHeadToHead, types.VariantBeast))
}

func TestQueue_RedeliveredRejectionIsCheckedAgain(t *testing.T) {
	q, rooms, _ := newQueue(t)
	ctx := context.Background()
	rooms.members["alice"] = "room-x"

	req := join("alice", types.ModeHeadToHead)
	_, err := q.Enqueue(ctx, req)
	require.ErrorIs(t, err, ErrAlreadyInRoom)

	// still seated: the redelivery is rejected the same way
	_, err = q.Enqueue(ctx, req)
	require.ErrorIs(t, err, ErrAlreadyInRoom)

	rooms.mu.Lock()
	delete(rooms.members, "alice")
	rooms.mu.Unlock()

	entry, err := q.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, 1, q.Size(types.ModeHeadToHead, types.VariantBeast))
}

func TestQueue_Rejections(t *testing.T) {
	q, rooms, _ := newQueue(t)
	ctx := context.Background()
	rooms.members["busy"] = "room-x"

	short := join("shorty", types.ModeHeadToHead)
	short.Player.Team = teamOf("BTC", "ETH")

	blank := join("blanky", types.ModeHeadToHead)
	blank.Player.Team[1].Symbol = ""

	badMode := join("moody", "ranked")

	otherPool := join("alice", types.ModeHeadToHead)
	otherPool.Variant = types.VariantPortfolio
	otherPool.EventID = "join-alice-portfolio"
	_, err := q.Enqueue(ctx, join("alice", types.ModeHeadToHead))
	require.NoError(t, err)

	cases := []struct {
		name string
		req  JoinRequest
		err  error
		code string
	}{
		{name: "team too small", req: short, err: ErrInvalidTeam, code: "invalid-team"},
		{name: "blank symbol", req: blank, err: ErrInvalidTeam, code: "invalid-team"},
		{name: "unknown mode", req: badMode, err: ErrInvalidMode, code: "invalid-mode"},
		{name: "already in room", req: join("busy", types.ModeHeadToHead), err: ErrAlreadyInRoom, code: "already-in-room"},
		{name: "queued elsewhere", req: otherPool, err: ErrAlreadyQueued, code: "already-queued"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, tc.req)
			require.ErrorIs(t, err, tc.err)
			assert.Equal(t, tc.code, Code(err))
		})
	}
	assert.Equal(t, 1, q.Size(types.ModeHeadToHead, types.VariantBeast))
}

func TestQueue_AllocationFailureKeepsPlayersWaiting(t *testing.T) {
	q, rooms, _ := newQueue(t)
	ctx := context.Background()
	rooms.fail = fmt.Errorf("hub closed")

	_, err := q.Enqueue(ctx, join("alice", types.ModeHeadToHead))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, join("bob", types.ModeHeadToHead))
	require.NoError(t, err)
	assert.Equal(t, 2, q.Size(types.ModeHeadToHead, types.VariantBeast))
}

func TestQueue_PracticePairsWithBot(t *testing.T) {
	q, rooms, b := newQueue(t)
	ctx := context.Background()
	sub, err := b.Subscribe(ctx, bus.PoolTopic(types.ModeAIPractice, types.VariantBeast))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, join("alice", types.ModeAIPractice))
	require.NoError(t, err)

	msgs := drain(sub, 30*time.Millisecond)
	require.Len(t, msgs, 1)
	require.Equal(t, types.EventMatchFound, msgs[0].Type)
	var mf types.MatchFound
	require.NoError(t, msgs[0].Decode(&mf))
	require.Len(t, mf.Players, 2)
	assert.Equal(t, "alice", mf.Players[0].ID)
	assert.True(t, mf.Players[1].Bot)
	assert.Equal(t, mf.Players[0].Symbols(), mf.Players[1].Symbols())

	assert.Equal(t, 0, q.Size(types.ModeAIPractice, types.VariantBeast))
	assert.Len(t, rooms.rooms, 1)

	// a seated player cannot queue for another practice round
	again := join("alice", types.ModeAIPractice)
	again.EventID = "join-alice-2"
	_, err = q.Enqueue(ctx, again)
	assert.ErrorIs(t, err, ErrAlreadyInRoom)
}

func TestQueue_PortfolioBotUsesBasket(t *testing.T) {
	b := bus.NewMemory(64, nil)
	rooms := newFakeRooms()
	basket := []types.Asset{
		{Symbol: "DOGE", ReferencePrice: 0.1},
		{Symbol: "ADA", ReferencePrice: 0.5},
		{Symbol: "XRP", ReferencePrice: 0.6},
	}
	q := New(Config{Bus: b, Rooms: rooms, Members: rooms, BotBasket: basket})

	req := join("alice", types.ModeAIPractice)
	req.Variant = types.VariantPortfolio
	_, err := q.Enqueue(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, rooms.rooms, 1)
	players := rooms.rooms["room-1"]
	require.Len(t, players, 2)
	assert.True(t, players[1].Bot)
	assert.Equal(t, []string{"DOGE", "ADA", "XRP"}, players[1].Symbols())

	// beast practice still mirrors the player
	rooms.mu.Lock()
	delete(rooms.members, "alice")
	rooms.mu.Unlock()
	beast := join("alice", types.ModeAIPractice)
	beast.EventID = "join-alice-beast"
	_, err = q.Enqueue(context.Background(), beast)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC", "ETH", "SOL"}, rooms.rooms["room-2"][1].Symbols())
}

func TestNormalizePlayerID(t *testing.T) {
	assert.Equal(t, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		NormalizePlayerID(" 0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed "))
	assert.Equal(t, "alice", NormalizePlayerID("alice"))
}

package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/arena-backend/internal/bus"
	"github.com/DoyleJ11/arena-backend/internal/room"
	"github.com/DoyleJ11/arena-backend/pkg/types"
)

type memorySink struct {
	mu      sync.Mutex
	results []types.MatchResult
	saved   chan struct{}
}

func (s *memorySink) SaveResult(_ context.Context, res types.MatchResult) error {
	s.mu.Lock()
	s.results = append(s.results, res)
	s.mu.Unlock()
	s.saved <- struct{}{}
	return nil
}

func team(symbols ...string) []types.Asset {
	out := make([]types.Asset, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, types.Asset{Symbol: s, ReferencePrice: 1})
	}
	return out
}

// releaseBus records which topics the hub let go of.
type releaseBus struct {
	*bus.Memory
	mu       sync.Mutex
	released []string
}

func (b *releaseBus) Release(topic string) {
	b.mu.Lock()
	b.released = append(b.released, topic)
	b.mu.Unlock()
	b.Memory.Release(topic)
}

func (b *releaseBus) Released() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.released...)
}

func newHub(t *testing.T) (*Hub, *memorySink) {
	h, sink, _ := newHubWithBus(t)
	return h, sink
}

func newHubWithBus(t *testing.T) (*Hub, *memorySink, *releaseBus) {
	t.Helper()
	settings := room.DefaultSettings()
	settings.CountdownInterval = 5 * time.Millisecond
	settings.Retention = 20 * time.Millisecond

	sink := &memorySink{saved: make(chan struct{}, 4)}
	b := &releaseBus{Memory: bus.NewMemory(64, nil)}
	h := NewHub(context.Background(), Config{
		Bus:      b,
		Sink:     sink,
		Settings: settings,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.Close(ctx)
	})
	return h, sink, b
}

func TestHub_Create_Get_SamePointer(t *testing.T) {
	h, _ := newHub(t)
	reply := make(chan *room.Room, 1)

	players := []types.Player{{ID: "a", Team: team("X", "Y", "Z")}, {ID: "b", Team: team("X", "Y", "Z")}}
	h.Inbox() <- CreateRoom{Mode: types.ModeHeadToHead, Variant: types.VariantBeast, Players: players, Reply: reply}
	rm1 := <-reply
	require.NotNil(t, rm1)

	h.Inbox() <- GetRoom{ID: rm1.ID(), Reply: reply}
	rm2 := <-reply

	assert.Same(t, rm1, rm2)
}

func TestHub_MembershipClearsOnFinishAndRoomGoesOnClose(t *testing.T) {
	h, sink, b := newHubWithBus(t)
	ctx := context.Background()

	players := []types.Player{{ID: "a", Team: team("X", "Y", "Z")}, {ID: "b", Team: team("X", "Y", "Z")}}
	id, err := h.Allocate(ctx, types.ModeHeadToHead, types.VariantBeast, players)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	in, err := h.InRoom(ctx, "a")
	require.NoError(t, err)
	assert.True(t, in)

	rm, err := h.RoomOf(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, id, rm.ID())

	require.NoError(t, rm.Forfeit(ctx, "a"))

	select {
	case <-sink.saved:
	case <-time.After(time.Second):
		t.Fatal("result never reached the sink")
	}
	sink.mu.Lock()
	require.Len(t, sink.results, 1)
	assert.Equal(t, "b", sink.results[0].WinnerPlayerID)
	sink.mu.Unlock()

	require.Eventually(t, func() bool {
		in, err := h.InRoom(ctx, "a")
		return err == nil && !in
	}, time.Second, 5*time.Millisecond)

	// dropped once retention elapses
	require.Eventually(t, func() bool {
		_, err := h.Room(ctx, id)
		return errors.Is(err, ErrRoomNotFound)
	}, time.Second, 5*time.Millisecond)

	n, err := h.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Contains(t, b.Released(), bus.RoomTopic(id))
}

func TestHub_BotsAreNotMembers(t *testing.T) {
	h, _ := newHub(t)
	ctx := context.Background()

	players := []types.Player{
		{ID: "a", Team: team("X", "Y", "Z")},
		{ID: "bot-1", Bot: true, Team: team("X", "Y", "Z")},
	}
	_, err := h.Allocate(ctx, types.ModeAIPractice, types.VariantBeast, players)
	require.NoError(t, err)

	in, err := h.InRoom(ctx, "bot-1")
	require.NoError(t, err)
	assert.False(t, in)
}

func TestHub_UnknownRoom(t *testing.T) {
	h, _ := newHub(t)
	_, err := h.Room(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/arena-backend/pkg/types"
)

type failing struct{ err error }

func (f failing) SaveResult(context.Context, types.MatchResult) error { return f.err }

func TestJSONL_AppendsOneLinePerResult(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "results.jsonl")
	sink := NewJSONL(path)
	ctx := context.Background()

	for _, id := range []string{"r1", "r2"} {
		require.NoError(t, sink.SaveResult(ctx, types.MatchResult{
			RoomID:         id,
			Mode:           types.ModeHeadToHead,
			Variant:        types.VariantPortfolio,
			PlayerIDs:      []string{"a", "b"},
			WinnerPlayerID: "a",
			FinalScores:    map[string]float64{"a": 1.25, "b": -0.5},
			Reason:         types.EndTime,
			EndedAt:        time.Unix(100, 0).UTC(),
		}))
	}

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var res types.MatchResult
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &res))
		ids = append(ids, res.RoomID)
		assert.Equal(t, 1.25, res.FinalScores["a"])
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"r1", "r2"}, ids)
}

func TestMulti_JoinsErrorsAndKeepsGoing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.jsonl")
	boom := errors.New("boom")
	sink := Multi{failing{err: boom}, NewJSONL(path), Nop{}}

	err := sink.SaveResult(context.Background(), types.MatchResult{RoomID: "r1"})
	require.ErrorIs(t, err, boom)

	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
}

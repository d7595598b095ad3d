// Package store holds the sinks that receive finished match results.
package store

import (
	"context"
	"errors"

	"github.com/DoyleJ11/arena-backend/pkg/types"
)

var ErrNotFound = errors.New("result not found")

// Sink receives each MatchResult once. Durability and retries are the sink's
// business; callers never retry.
type Sink interface {
	SaveResult(ctx context.Context, res types.MatchResult) error
}

type Nop struct{}

func (Nop) SaveResult(context.Context, types.MatchResult) error { return nil }

// Multi hands every result to each sink and joins their errors.
type Multi []Sink

func (m Multi) SaveResult(ctx context.Context, res types.MatchResult) error {
	var errs []error
	for _, s := range m {
		if err := s.SaveResult(ctx, res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reader loads stored results. Unknown rooms return ErrNotFound.
type Reader interface {
	Result(ctx context.Context, roomID string) (types.MatchResult, error)
}

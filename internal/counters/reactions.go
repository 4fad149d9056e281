package counters

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rgoodwin/gather-sync/gather"
	apperrors "github.com/rgoodwin/gather-sync/internal/errors"
)

// ReactionAPI is the backend surface the reaction engine needs.
// Satisfied by *gather.Client.
type ReactionAPI interface {
	AddReaction(ctx context.Context, target gather.ReactionTarget, r gather.Reaction) error
	UpdateReaction(ctx context.Context, target gather.ReactionTarget, r gather.Reaction) error
	RemoveReaction(ctx context.Context, target gather.ReactionTarget, r gather.Reaction) error
	ListReactions(ctx context.Context, target gather.ReactionTarget, targetID int64) ([]gather.Reaction, error)
}

// Tally holds the per-type reaction counts for one reactable entity plus
// the caller's own current reaction (0 when none).
type Tally struct {
	Counts  map[int64]int
	Current int64
}

func newTally() *Tally {
	return &Tally{Counts: make(map[int64]int)}
}

func (t *Tally) clone() Tally {
	counts := make(map[int64]int, len(t.Counts))
	for k, v := range t.Counts {
		counts[k] = v
	}

	return Tally{Counts: counts, Current: t.Current}
}

type tallyKey struct {
	target   gather.ReactionTarget
	targetID int64
}

// Reactions maintains optimistic reaction tallies reconciled against the
// authoritative server list.
//
// Toggle is a two-phase commit against an eventually-consistent counter:
// the mutation call goes out first, the local tally is adjusted
// immediately on success, then a best-effort refetch of the full reaction
// list supersedes the optimistic value. A non-empty authoritative list
// always wins; a legitimately empty list (HTTP no-content) keeps the
// optimistic state. A failed mutation aborts entirely: the tally is never
// partially applied.
type Reactions struct {
	logger *slog.Logger
	api    ReactionAPI
	selfID int64

	mu      sync.Mutex
	tallies map[tallyKey]*Tally
}

// NewReactions creates a reaction engine for the given user.
func NewReactions(api ReactionAPI, selfID int64, logger *slog.Logger) *Reactions {
	return &Reactions{
		logger:  logger,
		api:     api,
		selfID:  selfID,
		tallies: make(map[tallyKey]*Tally),
	}
}

// Tally returns a copy of the tally for one entity.
func (r *Reactions) Tally(target gather.ReactionTarget, targetID int64) Tally {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tallies[tallyKey{target, targetID}]
	if !ok {
		return Tally{Counts: map[int64]int{}}
	}

	return t.clone()
}

// Hydrate replaces the tally for one entity from an authoritative list.
func (r *Reactions) Hydrate(target gather.ReactionTarget, targetID int64, list []gather.Reaction) {
	r.mu.Lock()
	r.tallies[tallyKey{target, targetID}] = r.fromList(list)
	r.mu.Unlock()
}

// Toggle applies the caller's reaction of the given type to an entity.
// Reacting with the current type removes it; any other type adds or
// switches. The optimistic update applies before the reconciliation fetch
// starts, and the fetch result applies after it; no ordering holds
// between two independent Toggle calls.
func (r *Reactions) Toggle(ctx context.Context, target gather.ReactionTarget, targetID, reactionTypeID int64) error {
	key := tallyKey{target, targetID}

	r.mu.Lock()
	prev := int64(0)
	if t, ok := r.tallies[key]; ok {
		prev = t.Current
	}
	r.mu.Unlock()

	reaction := gather.Reaction{
		UserID:         r.selfID,
		TargetID:       targetID,
		ReactionTypeID: reactionTypeID,
	}

	if prev == reactionTypeID {
		// Un-react.
		if err := r.api.RemoveReaction(ctx, target, reaction); err != nil {
			return fmt.Errorf("removing reaction: %w", err)
		}

		r.apply(key, func(t *Tally) {
			decrement(t.Counts, reactionTypeID)
			t.Current = 0
		})
	} else {
		// React or switch. The backend rejects a second reaction row per
		// user with a duplicate-key conflict; fall back to an update.
		err := r.api.AddReaction(ctx, target, reaction)
		if errors.Is(err, apperrors.ErrDuplicateReaction) {
			err = r.api.UpdateReaction(ctx, target, reaction)
		}

		if err != nil {
			return fmt.Errorf("applying reaction: %w", err)
		}

		r.apply(key, func(t *Tally) {
			if prev != 0 {
				decrement(t.Counts, prev)
			}

			t.Counts[reactionTypeID]++
			t.Current = reactionTypeID
		})
	}

	r.reconcile(ctx, target, targetID)

	return nil
}

// reconcile refetches the authoritative reaction list and replaces the
// tally wholesale when the list is non-empty. Best effort: fetch failures
// keep the optimistic tally (last-writer-wins, no retry).
func (r *Reactions) reconcile(ctx context.Context, target gather.ReactionTarget, targetID int64) {
	list, err := r.api.ListReactions(ctx, target, targetID)
	if err != nil {
		r.logger.Warn("reaction refetch failed, keeping optimistic tally",
			slog.String("target", string(target)),
			slog.Int64("target_id", targetID),
			slog.String("error", err.Error()),
		)

		return
	}

	if ctx.Err() != nil {
		// The owner is gone; writing to a discarded tally is wasted work.
		return
	}

	if len(list) == 0 {
		return
	}

	r.mu.Lock()
	r.tallies[tallyKey{target, targetID}] = r.fromList(list)
	r.mu.Unlock()
}

// fromList recomputes per-type counts and the caller's own reaction from
// an authoritative list.
func (r *Reactions) fromList(list []gather.Reaction) *Tally {
	t := newTally()

	for _, reaction := range list {
		t.Counts[reaction.ReactionTypeID]++

		if reaction.UserID == r.selfID {
			t.Current = reaction.ReactionTypeID
		}
	}

	return t
}

func (r *Reactions) apply(key tallyKey, mutate func(*Tally)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tallies[key]
	if !ok {
		t = newTally()
		r.tallies[key] = t
	}

	mutate(t)
}

// Reset drops all tallies. Used at logout.
func (r *Reactions) Reset() {
	r.mu.Lock()
	r.tallies = make(map[tallyKey]*Tally)
	r.mu.Unlock()
}

// decrement lowers a count with a floor at zero, removing the key when it
// reaches zero.
func decrement(counts map[int64]int, typeID int64) {
	if counts[typeID] <= 1 {
		delete(counts, typeID)
		return
	}

	counts[typeID]--
}

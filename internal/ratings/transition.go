package ratings

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/trailsync/backend/internal/store"
)

// Transition names the state change a vote applies to a rating row.
type Transition string

const (
	// TransitionInsert creates a new vote row.
	TransitionInsert Transition = "insert"
	// TransitionRevive reuses a tombstoned row for a fresh vote.
	TransitionRevive Transition = "revive"
	// TransitionChange flips an existing vote to the opposite value.
	TransitionChange Transition = "change"
	// TransitionRemove hard-deletes a vote that never left the device.
	TransitionRemove Transition = "remove"
	// TransitionTombstone marks a synced vote for remote deletion.
	TransitionTombstone Transition = "tombstone"
)

// VoteOutcome captures the decision from resolveVote.
type VoteOutcome struct {
	Transition Transition
	// Stored is the row after the vote; nil when the row is removed.
	Stored *store.RatingVote
	// Delta is the change applied to the live aggregate.
	Delta int
	// UserRating is the value the voter now holds, nil when the vote was withdrawn.
	UserRating *int
}

// resolveVote applies one vote to the existing row of the same user and target.
// Voting the value already held withdraws it.
func resolveVote(existing *store.RatingVote, userID, targetID int64, val int) (VoteOutcome, error) {
	if !store.ValidVote(val) {
		return VoteOutcome{}, fmt.Errorf("%w: vote must be 1 or -1, got %d", store.ErrValidation, val)
	}

	if existing == nil {
		return VoteOutcome{
			Transition: TransitionInsert,
			Stored:     &store.RatingVote{UserID: userID, TargetID: targetID, Val: val, SyncStatus: store.SyncStatusNew},
			Delta:      val,
			UserRating: pointerTo(val),
		}, nil
	}

	stored := *existing
	switch {
	case stored.SyncStatus == store.SyncStatusDeleted:
		// The tombstone still exists remotely, so the revived row is an update there.
		stored.Val = val
		stored.SyncStatus = store.SyncStatusDirty
		return VoteOutcome{Transition: TransitionRevive, Stored: &stored, Delta: val, UserRating: pointerTo(val)}, nil
	case stored.Val == val && stored.SyncStatus == store.SyncStatusNew:
		return VoteOutcome{Transition: TransitionRemove, Stored: nil, Delta: -val}, nil
	case stored.Val == val:
		stored.SyncStatus = store.SyncStatusDeleted
		return VoteOutcome{Transition: TransitionTombstone, Stored: &stored, Delta: -val}, nil
	default:
		delta := val - stored.Val
		stored.Val = val
		stored.SyncStatus = stored.SyncStatus.Edited()
		return VoteOutcome{Transition: TransitionChange, Stored: &stored, Delta: delta, UserRating: pointerTo(val)}, nil
	}
}

func pointerTo(value int) *int {
	v := value
	return &v
}

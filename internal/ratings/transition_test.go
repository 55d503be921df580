package ratings

import (
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/trailsync/backend/internal/store"
)

func TestResolveVoteTransitions(t *testing.T) {
	testCases := []struct {
		name           string
		existing       *store.RatingVote
		val            int
		wantTransition Transition
		wantStatus     store.SyncStatus
		wantVal        int
		wantDelta      int
		wantStored     bool
		wantUser       *int
	}{
		{
			name:           "absent row inserts new",
			existing:       nil,
			val:            1,
			wantTransition: TransitionInsert,
			wantStatus:     store.SyncStatusNew,
			wantVal:        1,
			wantDelta:      1,
			wantStored:     true,
			wantUser:       pointerTo(1),
		},
		{
			name:           "same vote on new row removes it",
			existing:       &store.RatingVote{Val: -1, SyncStatus: store.SyncStatusNew},
			val:            -1,
			wantTransition: TransitionRemove,
			wantDelta:      1,
		},
		{
			name:           "same vote on clean row tombstones it",
			existing:       &store.RatingVote{Val: 1, SyncStatus: store.SyncStatusClean},
			val:            1,
			wantTransition: TransitionTombstone,
			wantStatus:     store.SyncStatusDeleted,
			wantVal:        1,
			wantDelta:      -1,
			wantStored:     true,
		},
		{
			name:           "opposite vote on clean row dirties it",
			existing:       &store.RatingVote{Val: 1, SyncStatus: store.SyncStatusClean},
			val:            -1,
			wantTransition: TransitionChange,
			wantStatus:     store.SyncStatusDirty,
			wantVal:        -1,
			wantDelta:      -2,
			wantStored:     true,
			wantUser:       pointerTo(-1),
		},
		{
			name:           "opposite vote on new row keeps it new",
			existing:       &store.RatingVote{Val: -1, SyncStatus: store.SyncStatusNew},
			val:            1,
			wantTransition: TransitionChange,
			wantStatus:     store.SyncStatusNew,
			wantVal:        1,
			wantDelta:      2,
			wantStored:     true,
			wantUser:       pointerTo(1),
		},
		{
			name:           "vote on tombstone revives it dirty",
			existing:       &store.RatingVote{Val: 1, SyncStatus: store.SyncStatusDeleted},
			val:            1,
			wantTransition: TransitionRevive,
			wantStatus:     store.SyncStatusDirty,
			wantVal:        1,
			wantDelta:      1,
			wantStored:     true,
			wantUser:       pointerTo(1),
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			outcome, err := resolveVote(testCase.existing, 3, 9, testCase.val)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if outcome.Transition != testCase.wantTransition {
				t.Fatalf("expected transition %s, got %s", testCase.wantTransition, outcome.Transition)
			}
			if outcome.Delta != testCase.wantDelta {
				t.Fatalf("expected delta %d, got %d", testCase.wantDelta, outcome.Delta)
			}
			if (outcome.Stored != nil) != testCase.wantStored {
				t.Fatalf("expected stored=%v, got %+v", testCase.wantStored, outcome.Stored)
			}
			if outcome.Stored != nil {
				if outcome.Stored.SyncStatus != testCase.wantStatus {
					t.Fatalf("expected status %s, got %s", testCase.wantStatus, outcome.Stored.SyncStatus)
				}
				if outcome.Stored.Val != testCase.wantVal {
					t.Fatalf("expected val %d, got %d", testCase.wantVal, outcome.Stored.Val)
				}
			}
			switch {
			case testCase.wantUser == nil && outcome.UserRating != nil:
				t.Fatalf("expected no user rating, got %d", *outcome.UserRating)
			case testCase.wantUser != nil && (outcome.UserRating == nil || *outcome.UserRating != *testCase.wantUser):
				t.Fatalf("expected user rating %d, got %v", *testCase.wantUser, outcome.UserRating)
			}
		})
	}
}

func TestResolveVoteDoesNotMutateExisting(t *testing.T) {
	existing := &store.RatingVote{UserID: 3, TargetID: 9, Val: 1, SyncStatus: store.SyncStatusClean}
	if _, err := resolveVote(existing, 3, 9, -1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if existing.Val != 1 || existing.SyncStatus != store.SyncStatusClean {
		t.Fatalf("existing row was mutated: %+v", existing)
	}
}

func TestResolveVoteRejectsInvalidValue(t *testing.T) {
	for _, val := range []int{0, 2, -5} {
		if _, err := resolveVote(nil, 1, 1, val); !errors.Is(err, store.ErrValidation) {
			t.Fatalf("expected validation error for %d, got %v", val, err)
		}
	}
}

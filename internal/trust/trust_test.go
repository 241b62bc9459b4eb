package trust

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/commontrace/engine/internal/apierrors"
	"github.com/commontrace/engine/internal/model"
)

func TestWilsonLowerBound(t *testing.T) {
	if got := WilsonLowerBound(0, 0); got != 0 {
		t.Errorf("Wilson(0, 0) = %f, want 0", got)
	}

	// Always in [0, 1].
	for n := 1; n <= 100; n += 7 {
		for up := 0; up <= n; up += 3 {
			got := WilsonLowerBound(up, n)
			if got < 0 || got > 1 {
				t.Errorf("Wilson(%d, %d) = %f out of [0,1]", up, n, got)
			}
		}
	}

	// All-positive votes: more votes means more confidence.
	prev := 0.0
	for n := 1; n <= 1000; n *= 2 {
		got := WilsonLowerBound(n, n)
		if got <= prev {
			t.Errorf("Wilson(%d, %d) = %f not increasing (prev %f)", n, n, got, prev)
		}
		prev = got
	}

	// A 5/10 split scores below a 10/10 run.
	if WilsonLowerBound(5, 10) >= WilsonLowerBound(10, 10) {
		t.Error("mixed votes should score below unanimous votes")
	}
}

// fakeTrustStore simulates the trace row a vote mutates.
type fakeTrustStore struct {
	status        model.TraceStatus
	confirmations int
	trustScore    float64
	totalTraces   int

	votes    map[string]bool
	promoted int
}

func newFakeTrustStore(totalTraces int) *fakeTrustStore {
	return &fakeTrustStore{
		status:      model.StatusPending,
		totalTraces: totalTraces,
		votes:       map[string]bool{},
	}
}

func (f *fakeTrustStore) InsertVote(ctx context.Context, v *model.Vote) error {
	key := v.UserID.String() + "/" + v.TraceID.String()
	if f.votes[key] {
		return apierrors.New(apierrors.Conflict, "duplicate vote")
	}
	f.votes[key] = true
	return nil
}

func (f *fakeTrustStore) ApplyVoteDelta(ctx context.Context, traceID uuid.UUID, weight float64) error {
	f.confirmations++
	f.trustScore += weight
	return nil
}

func (f *fakeTrustStore) GetTraceForPromotion(ctx context.Context, traceID uuid.UUID) (model.TraceStatus, int, float64, error) {
	return f.status, f.confirmations, f.trustScore, nil
}

func (f *fakeTrustStore) PromoteTrace(ctx context.Context, traceID uuid.UUID) error {
	f.status = model.StatusValidated
	f.promoted++
	return nil
}

func (f *fakeTrustStore) TotalTraceCount(ctx context.Context) (int, error) {
	return f.totalTraces, nil
}

// TestPromotionLifecycle walks the full promotion scenario: two upvotes
// promote at threshold 2 (growing tier), a later downvote doesn't demote.
func TestPromotionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newFakeTrustStore(1_000) // growing tier, threshold 2
	traceID := uuid.New()

	vote := func(user uuid.UUID, vt model.VoteType) error {
		return ApplyVote(ctx, store, &model.Vote{UserID: user, TraceID: traceID, Type: vt})
	}

	// User B upvotes: trust 1.0, count 1, still pending.
	if err := vote(uuid.New(), model.VoteUp); err != nil {
		t.Fatalf("first upvote failed: %v", err)
	}
	if store.status != model.StatusPending || store.trustScore != 1.0 || store.confirmations != 1 {
		t.Fatalf("after first upvote: status=%s trust=%f count=%d", store.status, store.trustScore, store.confirmations)
	}

	// User C upvotes: trust 2.0, count 2, promoted.
	if err := vote(uuid.New(), model.VoteUp); err != nil {
		t.Fatalf("second upvote failed: %v", err)
	}
	if store.status != model.StatusValidated {
		t.Fatalf("expected validated after second upvote, got %s", store.status)
	}
	if store.trustScore != 2.0 || store.confirmations != 2 {
		t.Fatalf("after second upvote: trust=%f count=%d", store.trustScore, store.confirmations)
	}

	// User D downvotes: trust 1.0, count 3, still validated.
	if err := vote(uuid.New(), model.VoteDown); err != nil {
		t.Fatalf("downvote failed: %v", err)
	}
	if store.status != model.StatusValidated {
		t.Error("downvote must not demote a validated trace")
	}
	if store.trustScore != 1.0 || store.confirmations != 3 {
		t.Errorf("after downvote: trust=%f count=%d", store.trustScore, store.confirmations)
	}
	if store.promoted != 1 {
		t.Errorf("expected exactly one promotion, got %d", store.promoted)
	}
}

func TestDuplicateVoteRejected(t *testing.T) {
	ctx := context.Background()
	store := newFakeTrustStore(0)
	traceID := uuid.New()
	userID := uuid.New()

	v := &model.Vote{UserID: userID, TraceID: traceID, Type: model.VoteUp}
	if err := ApplyVote(ctx, store, v); err != nil {
		t.Fatalf("first vote failed: %v", err)
	}
	err := ApplyVote(ctx, store, v)
	if !apierrors.Is(err, apierrors.Conflict) {
		t.Fatalf("expected Conflict on duplicate vote, got %v", err)
	}
	// Trust state unchanged by the rejected vote.
	if store.confirmations != 1 || store.trustScore != 1.0 {
		t.Errorf("duplicate vote mutated state: count=%d trust=%f", store.confirmations, store.trustScore)
	}
}

func TestNoPromotionWithNonPositiveTrust(t *testing.T) {
	ctx := context.Background()
	store := newFakeTrustStore(0) // seed tier, threshold 1
	traceID := uuid.New()

	// A downvote alone reaches the confirmation threshold but trust <= 0.
	if err := ApplyVote(ctx, store, &model.Vote{UserID: uuid.New(), TraceID: traceID, Type: model.VoteDown}); err != nil {
		t.Fatalf("downvote failed: %v", err)
	}
	if store.status != model.StatusPending {
		t.Errorf("trace with non-positive trust must stay pending, got %s", store.status)
	}
}

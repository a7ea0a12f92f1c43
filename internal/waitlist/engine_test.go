package waitlist

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestJoinRejectsZeroUser(t *testing.T) {
	service, _, _ := newTestEngine(t, 5)
	if _, err := service.Join(context.Background(), JoinRequest{InstanceID: 1, UserID: 0}); !errors.Is(err, ErrInvalidUser) {
		t.Fatalf("expected ErrInvalidUser, got %v", err)
	}
	if _, err := service.Join(context.Background(), JoinRequest{InstanceID: 0, UserID: 7}); !errors.Is(err, ErrInvalidInstance) {
		t.Fatalf("expected ErrInvalidInstance, got %v", err)
	}
}

func TestPositionFollowsJoinOrder(t *testing.T) {
	service, clock, _ := newTestEngine(t, 5)
	userIDs := []int64{11, 12, 13, 14}
	for rank, userID := range userIDs {
		mustJoin(t, service, JoinRequest{InstanceID: 1, UserID: userID})
		clock.Advance(time.Second)
		if got := mustPosition(t, service, 1, userID, OrderByCreation); got != rank+1 {
			t.Fatalf("user %d: expected position %d, got %d", userID, rank+1, got)
		}
	}

	// Positions shift up when an earlier entry leaves.
	if err := service.Leave(context.Background(), 1, 12); err != nil {
		t.Fatalf("unexpected leave error: %v", err)
	}
	if got := mustPosition(t, service, 1, 13, OrderByCreation); got != 2 {
		t.Fatalf("expected 13 to move to position 2, got %d", got)
	}
}

func TestPositionBreaksCreationTieByID(t *testing.T) {
	service, _, _ := newTestEngine(t, 5)
	// Same clock tick for both joins; the autoincrement id decides.
	mustJoin(t, service, JoinRequest{InstanceID: 1, UserID: 21})
	mustJoin(t, service, JoinRequest{InstanceID: 1, UserID: 22})

	if got := mustPosition(t, service, 1, 21, OrderByCreation); got != 1 {
		t.Fatalf("expected first inserted user at position 1, got %d", got)
	}
	if got := mustPosition(t, service, 1, 22, OrderByCreation); got != 2 {
		t.Fatalf("expected second inserted user at position 2, got %d", got)
	}
}

func TestSeniorityOrderingOverridesCreationTime(t *testing.T) {
	service, clock, _ := newTestEngine(t, 5)
	// Joined later but more senior.
	mustJoin(t, service, JoinRequest{InstanceID: 1, UserID: 31, SeniorityDate: 1700000000})
	clock.Advance(time.Second)
	mustJoin(t, service, JoinRequest{InstanceID: 1, UserID: 32, SeniorityDate: 1600000000})

	if got := mustPosition(t, service, 1, 32, OrderBySeniority); got != 1 {
		t.Fatalf("expected senior user at position 1, got %d", got)
	}
	if got := mustPosition(t, service, 1, 31, OrderBySeniority); got != 2 {
		t.Fatalf("expected junior user at position 2, got %d", got)
	}

	// Creation ordering ignores the seniority dates.
	if got := mustPosition(t, service, 1, 31, OrderByCreation); got != 1 {
		t.Fatalf("expected creation ordering to rank first joiner first, got %d", got)
	}
}

func TestExhaustedEntryHasNoPositionButStaysQueued(t *testing.T) {
	service, _, _ := newTestEngine(t, 2)
	entryID := mustJoin(t, service, JoinRequest{InstanceID: 1, UserID: 41})
	mustJoin(t, service, JoinRequest{InstanceID: 1, UserID: 42})

	for i := 0; i < 2; i++ {
		if err := service.MarkNotified(context.Background(), []int64{entryID}); err != nil {
			t.Fatalf("unexpected mark notified error: %v", err)
		}
	}

	if got := mustPosition(t, service, 1, 41, OrderByCreation); got != PositionNotFound {
		t.Fatalf("expected exhausted entry to report no position, got %d", got)
	}
	queued, err := service.IsQueued(context.Background(), 1, 41)
	if err != nil {
		t.Fatalf("unexpected is queued error: %v", err)
	}
	if !queued {
		t.Fatalf("exhausted entry should still count as queued")
	}
	// The survivor now ranks first among rankable entries.
	if got := mustPosition(t, service, 1, 42, OrderByCreation); got != 1 {
		t.Fatalf("expected remaining entry at position 1, got %d", got)
	}
}

func TestResetNotificationCounterRestoresRotation(t *testing.T) {
	service, _, _ := newTestEngine(t, 1)
	entryID := mustJoin(t, service, JoinRequest{InstanceID: 1, UserID: 51})

	if err := service.MarkNotified(context.Background(), []int64{entryID}); err != nil {
		t.Fatalf("unexpected mark notified error: %v", err)
	}
	if got := mustPosition(t, service, 1, 51, OrderByCreation); got != PositionNotFound {
		t.Fatalf("expected exhausted entry hidden, got position %d", got)
	}

	if err := service.ResetNotificationCounter(context.Background(), 1, 51); err != nil {
		t.Fatalf("unexpected reset error: %v", err)
	}
	if got := mustPosition(t, service, 1, 51, OrderByCreation); got != 1 {
		t.Fatalf("expected reset entry back at position 1, got %d", got)
	}

	entry, err := service.EntryByID(context.Background(), entryID)
	if err != nil {
		t.Fatalf("unexpected entry lookup error: %v", err)
	}
	if entry.Notified != 0 {
		t.Fatalf("expected counter reset to zero, got %d", entry.Notified)
	}
}

func TestIsQueuedBulkPartitionsPreservingInputOrder(t *testing.T) {
	service, clock, _ := newTestEngine(t, 5)
	for _, userID := range []int64{5, 9} {
		mustJoin(t, service, JoinRequest{InstanceID: 1, UserID: userID})
		clock.Advance(time.Second)
	}

	partition, err := service.IsQueuedBulk(context.Background(), 1, []int64{5, 2, 9})
	if err != nil {
		t.Fatalf("unexpected bulk check error: %v", err)
	}
	if len(partition.Queued) != 2 || partition.Queued[0] != 5 || partition.Queued[1] != 9 {
		t.Fatalf("unexpected queued partition: %v", partition.Queued)
	}
	if len(partition.NotQueued) != 1 || partition.NotQueued[0] != 2 {
		t.Fatalf("unexpected not-queued partition: %v", partition.NotQueued)
	}

	empty, err := service.IsQueuedBulk(context.Background(), 1, nil)
	if err != nil {
		t.Fatalf("unexpected empty bulk check error: %v", err)
	}
	if len(empty.Queued) != 0 || len(empty.NotQueued) != 0 {
		t.Fatalf("expected empty partitions for empty input, got %+v", empty)
	}
}

func TestRemoveBulkSkipsMissingUsers(t *testing.T) {
	service, clock, _ := newTestEngine(t, 5)
	for _, userID := range []int64{61, 62} {
		mustJoin(t, service, JoinRequest{InstanceID: 1, UserID: userID})
		clock.Advance(time.Second)
	}

	if err := service.RemoveBulk(context.Background(), 1, []int64{61, 62, 63}); err != nil {
		t.Fatalf("unexpected bulk remove error: %v", err)
	}
	count, err := service.Count(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected empty queue after bulk removal, got %d", count)
	}

	if err := service.RemoveBulk(context.Background(), 1, nil); err != nil {
		t.Fatalf("expected empty bulk removal to be a no-op, got %v", err)
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	service, _, _ := newTestEngine(t, 5)
	mustJoin(t, service, JoinRequest{InstanceID: 1, UserID: 71})

	for i := 0; i < 2; i++ {
		if err := service.Leave(context.Background(), 1, 71); err != nil {
			t.Fatalf("leave attempt %d failed: %v", i+1, err)
		}
	}
}

func TestSelectForNotificationCapsAndSkipsExhausted(t *testing.T) {
	service, clock, _ := newTestEngine(t, 2)
	var firstEntry int64
	for index, userID := range []int64{81, 82, 83, 84} {
		entryID := mustJoin(t, service, JoinRequest{InstanceID: 1, UserID: userID})
		if index == 0 {
			firstEntry = entryID
		}
		clock.Advance(time.Second)
	}

	// Exhaust the head of the queue.
	for i := 0; i < 2; i++ {
		if err := service.MarkNotified(context.Background(), []int64{firstEntry}); err != nil {
			t.Fatalf("unexpected mark notified error: %v", err)
		}
	}

	entries, err := service.SelectForNotification(context.Background(), 1, OrderByCreation, 2)
	if err != nil {
		t.Fatalf("unexpected selection error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 selected entries, got %d", len(entries))
	}
	if entries[0].UserID != 82 || entries[1].UserID != 83 {
		t.Fatalf("unexpected selection order: %d, %d", entries[0].UserID, entries[1].UserID)
	}
}

func TestMarkNotifiedTouchesTimeModified(t *testing.T) {
	service, clock, _ := newTestEngine(t, 5)
	entryID := mustJoin(t, service, JoinRequest{InstanceID: 1, UserID: 91})
	created := clock.Now().Unix()
	clock.Advance(time.Hour)

	if err := service.MarkNotified(context.Background(), []int64{entryID}); err != nil {
		t.Fatalf("unexpected mark notified error: %v", err)
	}
	entry, err := service.EntryByID(context.Background(), entryID)
	if err != nil {
		t.Fatalf("unexpected entry lookup error: %v", err)
	}
	if entry.Notified != 1 {
		t.Fatalf("expected notified counter 1, got %d", entry.Notified)
	}
	if entry.TimeCreated != created {
		t.Fatalf("time_created must be immutable; got %d, want %d", entry.TimeCreated, created)
	}
	if entry.TimeModified != clock.Now().Unix() {
		t.Fatalf("expected time_modified to advance, got %d", entry.TimeModified)
	}
}

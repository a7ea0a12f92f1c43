package waitlist

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// fakeClock hands out a controllable time; tests advance it between joins
// so creation-time ordering is deterministic.
type fakeClock struct {
	current time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.current
}

func (c *fakeClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}

func newTestEngine(t *testing.T, notifyLimit int) (*Service, *fakeClock, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:waitlist_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &fakeClock{current: time.Unix(1750000000, 0).UTC()}
	service, err := NewService(ServiceConfig{
		Database:    db,
		Clock:       clock.Now,
		NotifyLimit: notifyLimit,
	})
	if err != nil {
		t.Fatalf("failed to construct waitlist engine: %v", err)
	}
	return service, clock, db
}

func mustJoin(t *testing.T, service *Service, req JoinRequest) int64 {
	t.Helper()
	entryID, err := service.Join(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected join error: %v", err)
	}
	return entryID
}

func mustPosition(t *testing.T, service *Service, instanceID, userID int64, ordering Ordering) int {
	t.Helper()
	position, err := service.Position(context.Background(), instanceID, userID, ordering)
	if err != nil {
		t.Fatalf("unexpected position error: %v", err)
	}
	return position
}

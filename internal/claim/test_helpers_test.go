package claim

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/registrar/backend/internal/enrollment"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/waitlist"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type fakeClock struct {
	current time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.current
}

func (c *fakeClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}

type testFixture struct {
	db        *gorm.DB
	clock     *fakeClock
	store     *Store
	queue     *waitlist.Service
	enrolment *enrollment.Service
	redeemer  *Redeemer
	metrics   *metrics.Metrics
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:claim_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&enrollment.Instance{},
		&enrollment.Enrollment{},
		&enrollment.CategoryCompletion{},
		&waitlist.Entry{},
		&Token{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &fakeClock{current: time.Unix(1750000000, 0).UTC()}

	store, err := NewStore(StoreConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct token store: %v", err)
	}

	queue, err := waitlist.NewService(waitlist.ServiceConfig{
		Database: db,
		Clock:    clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct waitlist engine: %v", err)
	}

	oracle, err := enrollment.NewOracle(enrollment.OracleConfig{
		Database: db,
		Clock:    clock.Now,
		Queue:    queue,
	})
	if err != nil {
		t.Fatalf("failed to construct oracle: %v", err)
	}
	enrolment, err := enrollment.NewService(enrollment.ServiceConfig{
		Database: db,
		Clock:    clock.Now,
		Oracle:   oracle,
	})
	if err != nil {
		t.Fatalf("failed to construct enrollment service: %v", err)
	}

	registry := metrics.New()
	redeemer, err := NewRedeemer(RedeemerConfig{
		Database:  db,
		Tokens:    store,
		Waitlist:  queue,
		Enrolment: enrolment,
		Clock:     clock.Now,
		Metrics:   registry,
	})
	if err != nil {
		t.Fatalf("failed to construct redeemer: %v", err)
	}

	return &testFixture{
		db:        db,
		clock:     clock,
		store:     store,
		queue:     queue,
		enrolment: enrolment,
		redeemer:  redeemer,
		metrics:   registry,
	}
}

func (f *testFixture) createInstance(t *testing.T, inst enrollment.Instance) enrollment.Instance {
	t.Helper()
	if err := f.db.Create(&inst).Error; err != nil {
		t.Fatalf("failed to create instance: %v", err)
	}
	return inst
}

// joinAndTokenize queues the user and issues them a claim token, the state
// the notification scheduler leaves behind.
func (f *testFixture) joinAndTokenize(t *testing.T, instanceID, userID int64) Token {
	t.Helper()
	entryID, err := f.queue.Join(context.Background(), waitlist.JoinRequest{InstanceID: instanceID, UserID: userID})
	if err != nil {
		t.Fatalf("failed to join waitlist: %v", err)
	}
	token, err := f.store.Issue(context.Background(), entryID, userID, instanceID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (f *testFixture) mustRedeem(t *testing.T, tokenString string, userID int64) Result {
	t.Helper()
	result, err := f.redeemer.Redeem(context.Background(), tokenString, userID)
	if err != nil {
		t.Fatalf("unexpected redeem error: %v", err)
	}
	return result
}

// waitlistedInstance is a baseline one-seat instance with its waitlist on.
func waitlistedInstance() enrollment.Instance {
	return enrollment.Instance{
		CourseName:           "Celestial Navigation",
		Enabled:              true,
		NewEnrolmentsAllowed: true,
		MaxEnrolled:          1,
		WaitlistEnabled:      true,
		ExpiredAction:        enrollment.ExpiredActionKeep,
	}
}

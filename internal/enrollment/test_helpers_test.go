package enrollment

import (
	"context"
	"fmt"
	"testing"
	"time"

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

// staticQueue satisfies QueueCounter with a fixed per-instance count.
type staticQueue struct {
	counts map[int64]int64
}

func (q *staticQueue) Count(_ context.Context, instanceID int64) (int64, error) {
	return q.counts[instanceID], nil
}

// staticDirectory satisfies UserDirectory with a fixed guest set.
type staticDirectory struct {
	guests map[int64]bool
}

func (d *staticDirectory) IsGuest(_ context.Context, userID int64) (bool, error) {
	return d.guests[userID], nil
}

type testFixture struct {
	db      *gorm.DB
	clock   *fakeClock
	queue   *staticQueue
	guests  *staticDirectory
	oracle  *Oracle
	service *Service
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:enrollment_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Instance{}, &Enrollment{}, &CategoryCompletion{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &fakeClock{current: time.Unix(1750000000, 0).UTC()}
	queue := &staticQueue{counts: map[int64]int64{}}
	guests := &staticDirectory{guests: map[int64]bool{}}
	counts := NewCountCache(time.Minute, clock.Now)

	oracle, err := NewOracle(OracleConfig{
		Database: db,
		Clock:    clock.Now,
		Counts:   counts,
		Queue:    queue,
		Users:    guests,
	})
	if err != nil {
		t.Fatalf("failed to construct oracle: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    clock.Now,
		Counts:   counts,
		Oracle:   oracle,
	})
	if err != nil {
		t.Fatalf("failed to construct enrollment service: %v", err)
	}

	return &testFixture{
		db:      db,
		clock:   clock,
		queue:   queue,
		guests:  guests,
		oracle:  oracle,
		service: service,
	}
}

func (f *testFixture) createInstance(t *testing.T, inst Instance) Instance {
	t.Helper()
	seed := inst
	if err := f.db.Create(&inst).Error; err != nil {
		t.Fatalf("failed to create instance: %v", err)
	}
	seed.ID = inst.ID
	// GORM omits zero-valued fields carrying a default tag from the insert
	// and back-fills the struct with the column default, so a fixture seeded
	// with Enabled or NewEnrolmentsAllowed false would silently come back
	// true. Write the intended values through.
	if seed.Enabled != inst.Enabled || seed.NewEnrolmentsAllowed != inst.NewEnrolmentsAllowed {
		err := f.db.Model(&Instance{}).Where("id = ?", seed.ID).Updates(map[string]interface{}{
			"enabled":                seed.Enabled,
			"new_enrolments_allowed": seed.NewEnrolmentsAllowed,
		}).Error
		if err != nil {
			t.Fatalf("failed to persist instance flags: %v", err)
		}
	}
	return seed
}

func (f *testFixture) mustEnrol(t *testing.T, instanceID, userID int64) {
	t.Helper()
	if err := f.service.Enrol(context.Background(), instanceID, userID); err != nil {
		t.Fatalf("failed to enrol user %d: %v", userID, err)
	}
}

func (f *testFixture) mustCanEnrol(t *testing.T, inst Instance, userID int64, opts EnrolOptions) Eligibility {
	t.Helper()
	eligibility, err := f.oracle.CanEnrol(context.Background(), inst, userID, opts)
	if err != nil {
		t.Fatalf("unexpected eligibility error: %v", err)
	}
	return eligibility
}

// openInstance is a baseline enabled instance with no bounds.
func openInstance() Instance {
	return Instance{
		CourseName:           "Advanced Navigation",
		Enabled:              true,
		NewEnrolmentsAllowed: true,
		ExpiredAction:        ExpiredActionKeep,
	}
}

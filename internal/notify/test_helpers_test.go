package notify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/registrar/backend/internal/claim"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/enrollment"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/users"
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

// recordingNotifier captures sent messages and can be told to fail
// delivery for specific users.
type recordingNotifier struct {
	sent    []Message
	failFor map[int64]bool
}

func (n *recordingNotifier) Send(_ context.Context, msg Message) error {
	if n.failFor[msg.UserID] {
		return errors.New("delivery refused")
	}
	n.sent = append(n.sent, msg)
	return nil
}

type testFixture struct {
	db        *gorm.DB
	clock     *fakeClock
	queue     *waitlist.Service
	tokens    *claim.Store
	notifier  *recordingNotifier
	scheduler *Scheduler
}

func newTestFixture(t *testing.T, notifyCount, notifyLimit int) *testFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:notify_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&enrollment.Instance{},
		&enrollment.Enrollment{},
		&enrollment.CategoryCompletion{},
		&waitlist.Entry{},
		&claim.Token{},
		&users.User{},
		&users.CourseAccess{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &fakeClock{current: time.Unix(1750000000, 0).UTC()}

	queue, err := waitlist.NewService(waitlist.ServiceConfig{
		Database:    db,
		Clock:       clock.Now,
		NotifyLimit: notifyLimit,
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
	tokens, err := claim.NewStore(claim.StoreConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: claim.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct token store: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct user service: %v", err)
	}

	notifier := &recordingNotifier{failFor: map[int64]bool{}}
	scheduler, err := NewScheduler(SchedulerConfig{
		Waitlist:    queue,
		Oracle:      oracle,
		Tokens:      tokens,
		Users:       userService,
		Notifier:    notifier,
		Clock:       clock.Now,
		NotifyCount: notifyCount,
		BaseURL:     "https://registrar.example.org",
	})
	if err != nil {
		t.Fatalf("failed to construct scheduler: %v", err)
	}

	return &testFixture{
		db:        db,
		clock:     clock,
		queue:     queue,
		tokens:    tokens,
		notifier:  notifier,
		scheduler: scheduler,
	}
}

func (f *testFixture) createInstance(t *testing.T, inst enrollment.Instance) enrollment.Instance {
	t.Helper()
	if err := f.db.Create(&inst).Error; err != nil {
		t.Fatalf("failed to create instance: %v", err)
	}
	return inst
}

func (f *testFixture) createUser(t *testing.T, id int64, name string) {
	t.Helper()
	user := users.User{ID: id, FullName: name, Email: fmt.Sprintf("user%d@example.org", id)}
	if err := f.db.Create(&user).Error; err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
}

func (f *testFixture) joinQueue(t *testing.T, instanceID, userID int64) int64 {
	t.Helper()
	entryID, err := f.queue.Join(context.Background(), waitlist.JoinRequest{InstanceID: instanceID, UserID: userID})
	if err != nil {
		t.Fatalf("failed to join waitlist: %v", err)
	}
	// Distinct creation stamps keep the FIFO order deterministic.
	f.clock.Advance(time.Second)
	return entryID
}

func (f *testFixture) mustRun(t *testing.T) RunReport {
	t.Helper()
	report, err := f.scheduler.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected scheduler error: %v", err)
	}
	return report
}

func (f *testFixture) entryFor(t *testing.T, instanceID, userID int64) waitlist.Entry {
	t.Helper()
	var entry waitlist.Entry
	if err := f.db.Where("instance_id = ? AND user_id = ?", instanceID, userID).Take(&entry).Error; err != nil {
		t.Fatalf("failed to load entry: %v", err)
	}
	return entry
}

// openWaitlisted is a baseline waitlisted instance with free seats.
func openWaitlisted(maxEnrolled int64) enrollment.Instance {
	return enrollment.Instance{
		CourseName:           "Coastal Piloting",
		Enabled:              true,
		NewEnrolmentsAllowed: true,
		MaxEnrolled:          maxEnrolled,
		WaitlistEnabled:      true,
		ExpiredAction:        enrollment.ExpiredActionKeep,
	}
}

package expiry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/registrar/backend/internal/enrollment"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/users"
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

type recordingNotifier struct {
	sent    []notify.Message
	failFor map[int64]bool
}

func (n *recordingNotifier) Send(_ context.Context, msg notify.Message) error {
	if n.failFor[msg.UserID] {
		return errors.New("delivery refused")
	}
	n.sent = append(n.sent, msg)
	return nil
}

type testFixture struct {
	db        *gorm.DB
	clock     *fakeClock
	users     *users.Service
	enrolment *enrollment.Service
	notifier  *recordingNotifier
	sync      *Sync
	warnings  *WarningTask
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:expiry_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&enrollment.Instance{},
		&enrollment.Enrollment{},
		&enrollment.CategoryCompletion{},
		&users.User{},
		&users.CourseAccess{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	// Noon UTC so the notify-hour gate is open by default.
	clock := &fakeClock{current: time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)}

	oracle, err := enrollment.NewOracle(enrollment.OracleConfig{Database: db, Clock: clock.Now})
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
	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct user service: %v", err)
	}

	sync, err := NewSync(SyncConfig{
		Enrolment: enrolment,
		Users:     userService,
		Clock:     clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct sync: %v", err)
	}

	notifier := &recordingNotifier{failFor: map[int64]bool{}}
	warnings, err := NewWarningTask(WarningTaskConfig{
		Enrolment: enrolment,
		Users:     userService,
		Notifier:  notifier,
		Clock:     clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct warning task: %v", err)
	}

	return &testFixture{
		db:        db,
		clock:     clock,
		users:     userService,
		enrolment: enrolment,
		notifier:  notifier,
		sync:      sync,
		warnings:  warnings,
	}
}

func (f *testFixture) createInstance(t *testing.T, inst enrollment.Instance) enrollment.Instance {
	t.Helper()
	if err := f.db.Create(&inst).Error; err != nil {
		t.Fatalf("failed to create instance: %v", err)
	}
	return inst
}

func (f *testFixture) createUser(t *testing.T, id int64, name string, lastAccess int64) {
	t.Helper()
	user := users.User{ID: id, FullName: name, Email: fmt.Sprintf("user%d@example.org", id), LastAccess: lastAccess}
	if err := f.db.Create(&user).Error; err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
}

func (f *testFixture) enrolWithEnd(t *testing.T, instanceID, userID, timeEnd int64) int64 {
	t.Helper()
	now := f.clock.Now().Unix()
	record := enrollment.Enrollment{
		InstanceID:   instanceID,
		UserID:       userID,
		Status:       enrollment.StatusActive,
		RoleGranted:  true,
		TimeStart:    now,
		TimeEnd:      timeEnd,
		TimeCreated:  now,
		TimeModified: now,
	}
	if err := f.db.Create(&record).Error; err != nil {
		t.Fatalf("failed to seed enrollment: %v", err)
	}
	return record.ID
}

func (f *testFixture) mustSync(t *testing.T) Report {
	t.Helper()
	report, err := f.sync.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}
	return report
}

func (f *testFixture) mustWarn(t *testing.T) WarningReport {
	t.Helper()
	report, err := f.warnings.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected warning error: %v", err)
	}
	return report
}

func (f *testFixture) activeUserIDs(t *testing.T, instanceID int64) []int64 {
	t.Helper()
	records, err := f.enrolment.ActiveEnrollments(context.Background(), instanceID)
	if err != nil {
		t.Fatalf("failed to list enrollments: %v", err)
	}
	ids := make([]int64, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.UserID)
	}
	return ids
}

func baseInstance() enrollment.Instance {
	return enrollment.Instance{
		CourseName:           "Dead Reckoning",
		Enabled:              true,
		NewEnrolmentsAllowed: true,
		ExpiredAction:        enrollment.ExpiredActionKeep,
	}
}

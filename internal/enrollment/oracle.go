package enrollment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// QueueCounter reports how many users are queued on an instance's
// waitlist. Satisfied by the waitlist engine.
type QueueCounter interface {
	Count(ctx context.Context, instanceID int64) (int64, error)
}

// UserDirectory resolves the account facts the oracle needs (guest flag).
type UserDirectory interface {
	IsGuest(ctx context.Context, userID int64) (bool, error)
}

// OracleConfig describes the dependencies of the capacity oracle.
type OracleConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Counts   *CountCache
	Queue    QueueCounter
	Users    UserDirectory
	Logger   *zap.Logger
}

// Oracle answers admission-eligibility questions over instance state and
// enrollment-count snapshots. It holds no mutable state of its own beyond
// the injected count cache.
type Oracle struct {
	db     *gorm.DB
	now    func() time.Time
	counts *CountCache
	queue  QueueCounter
	users  UserDirectory
	logger *zap.Logger
}

// NewOracle constructs the capacity oracle.
func NewOracle(cfg OracleConfig) (*Oracle, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("enrollment: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	counts := cfg.Counts
	if counts == nil {
		counts = NewCountCache(0, clock)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Oracle{
		db:     cfg.Database,
		now:    clock,
		counts: counts,
		queue:  cfg.Queue,
		users:  cfg.Users,
		logger: logger,
	}, nil
}

// ActiveCount returns the number of seat-occupying enrollments under the
// instance, served through the TTL cache.
func (o *Oracle) ActiveCount(ctx context.Context, instanceID int64) (int64, error) {
	if cached, ok := o.counts.Get(instanceID); ok {
		return cached, nil
	}
	var count int64
	err := o.db.WithContext(ctx).Model(&Enrollment{}).
		Where("instance_id = ? AND status = ?", instanceID, StatusActive).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	o.counts.Put(instanceID, count)
	return count, nil
}

// HasAvailableSpace reports whether the instance can seat one more user.
func (o *Oracle) HasAvailableSpace(ctx context.Context, inst Instance) (bool, error) {
	if inst.MaxEnrolled == 0 {
		return true, nil
	}
	active, err := o.ActiveCount(ctx, inst.ID)
	if err != nil {
		return false, err
	}
	return active < inst.MaxEnrolled, nil
}

// CanEnrol runs the full admission-eligibility check in order: guest
// rejection (self only), instance enabled, enrollment window, prerequisite
// completion, not already enrolled, capacity. IgnoreGate skips the window
// check and the queue-priority branch of the capacity check, never the raw
// seat count. A capacity rejection carries WaitlistOpen so the caller can
// offer the waitlist instead of a dead end.
func (o *Oracle) CanEnrol(ctx context.Context, inst Instance, userID int64, opts EnrolOptions) (Eligibility, error) {
	if userID <= 0 {
		return Eligibility{}, fmt.Errorf("enrollment: user id required")
	}
	now := o.now().UTC().Unix()

	if opts.Self && o.users != nil {
		guest, err := o.users.IsGuest(ctx, userID)
		if err != nil {
			return Eligibility{}, err
		}
		if guest {
			return rejected(CodeGuestNotAllowed), nil
		}
	}

	if !inst.Enabled || !inst.NewEnrolmentsAllowed {
		return rejected(CodeDisabled), nil
	}

	if !opts.IgnoreGate {
		if inst.EnrolStartDate != 0 && now < inst.EnrolStartDate {
			result := rejected(CodeWindowNotOpen)
			result.WindowOpensAt = inst.EnrolStartDate
			return result, nil
		}
		if inst.EnrolEndDate != 0 && now > inst.EnrolEndDate {
			result := rejected(CodeWindowClosed)
			result.WindowClosedAt = inst.EnrolEndDate
			return result, nil
		}
	}

	if inst.RequiredCategoryID != 0 {
		met, err := o.prerequisiteMet(ctx, inst, userID, now)
		if err != nil {
			return Eligibility{}, err
		}
		if !met {
			result := rejected(CodePrerequisiteNotMet)
			result.CategoryID = inst.RequiredCategoryID
			return result, nil
		}
	}

	enrolled, err := o.isActivelyEnrolled(ctx, inst.ID, userID)
	if err != nil {
		return Eligibility{}, err
	}
	if enrolled {
		return rejected(CodeAlreadyEnrolled), nil
	}

	if inst.MaxEnrolled > 0 {
		space, err := o.HasAvailableSpace(ctx, inst)
		if err != nil {
			return Eligibility{}, err
		}
		if !space {
			result := rejected(CodeCapacityReached)
			result.WaitlistOpen = inst.WaitlistEnabled
			return result, nil
		}
		// Free seats go to queued users first: with a non-empty waitlist a
		// direct enrolment is refused with the same capacity reason. Claim
		// redemption sets IgnoreGate because the redeemer is that queued user.
		if !opts.IgnoreGate && inst.WaitlistEnabled && o.queue != nil {
			queued, err := o.queue.Count(ctx, inst.ID)
			if err != nil {
				return Eligibility{}, err
			}
			if queued > 0 {
				result := rejected(CodeCapacityReached)
				result.WaitlistOpen = true
				return result, nil
			}
		}
	}

	return eligible(), nil
}

// prerequisiteMet checks the category-completion rule. The recency cutoff
// counts back from the instance's enrollment start when configured, else
// from now; a zero RequiredWithinS accepts any completion.
func (o *Oracle) prerequisiteMet(ctx context.Context, inst Instance, userID, now int64) (bool, error) {
	query := o.db.WithContext(ctx).Model(&CategoryCompletion{}).
		Where("user_id = ? AND category_id = ?", userID, inst.RequiredCategoryID)

	if inst.RequiredWithinS > 0 {
		reference := now
		if inst.CountFromEnrolStart && inst.EnrolStartDate > 0 {
			reference = inst.EnrolStartDate
		}
		query = query.Where("time_completed >= ?", reference-inst.RequiredWithinS)
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (o *Oracle) isActivelyEnrolled(ctx context.Context, instanceID, userID int64) (bool, error) {
	var enrollment Enrollment
	err := o.db.WithContext(ctx).
		Where("instance_id = ? AND user_id = ? AND status = ?", instanceID, userID, StatusActive).
		Take(&enrollment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SelectInstancesWithAvailableSpace returns every instance that is enabled,
// accepting new enrolments, inside its enrollment window, and below its
// seat cap. The capacity test runs inside the store query so the periodic
// scan stays a single pass over the instance population.
func (o *Oracle) SelectInstancesWithAvailableSpace(ctx context.Context) ([]Instance, error) {
	now := o.now().UTC().Unix()
	var instances []Instance
	err := o.db.WithContext(ctx).
		Where("enabled = ?", true).
		Where("new_enrolments_allowed = ?", true).
		Where("enrol_start_date = 0 OR enrol_start_date <= ?", now).
		Where("enrol_end_date = 0 OR enrol_end_date >= ?", now).
		Where("max_enrolled = 0 OR max_enrolled > (SELECT COUNT(*) FROM enrolments WHERE enrolments.instance_id = enrol_instances.id AND enrolments.status = ?)", StatusActive).
		Order("id ASC").
		Find(&instances).Error
	if err != nil {
		return nil, err
	}
	return instances, nil
}

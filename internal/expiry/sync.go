package expiry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/registrar/backend/internal/enrollment"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/users"
	"go.uber.org/zap"
)

const (
	opSyncNew = "expiry.sync.new"
	opSync    = "expiry.sync.run"
)

var (
	errMissingEnrolment = errors.New("enrollment service is required")
	errMissingUsers     = errors.New("user service is required")
)

// SyncConfig describes the reconciliation job's collaborators.
type SyncConfig struct {
	Enrolment *enrollment.Service
	Users     *users.Service
	Clock     func() time.Time
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Sync reconciles active enrollments against inactivity and end-date
// rules, freeing seats for the notification scheduler to hand out. Both
// sweeps are idempotent and resumable: each unenrollment is a single
// atomic store operation, and per-item failures are logged and skipped.
type Sync struct {
	enrolment *enrollment.Service
	users     *users.Service
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// Report summarizes one reconciliation run.
type Report struct {
	InactiveUnenrolled int
	Expired            int
	Errors             int
}

// NewSync constructs the reconciliation job.
func NewSync(cfg SyncConfig) (*Sync, error) {
	if cfg.Enrolment == nil {
		return nil, fmt.Errorf("%s: %w", opSyncNew, errMissingEnrolment)
	}
	if cfg.Users == nil {
		return nil, fmt.Errorf("%s: %w", opSyncNew, errMissingUsers)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sync{
		enrolment: cfg.Enrolment,
		users:     cfg.Users,
		now:       clock,
		metrics:   cfg.Metrics,
		logger:    logger,
	}, nil
}

// Run executes the inactivity sweep followed by the time-expiry sweep. A
// failure enumerating either work set aborts the run; the next scheduled
// run retries naturally.
func (s *Sync) Run(ctx context.Context) (Report, error) {
	report := Report{}
	if err := s.sweepInactive(ctx, &report); err != nil {
		return report, err
	}
	if err := s.sweepExpired(ctx, &report); err != nil {
		return report, err
	}
	if report.InactiveUnenrolled > 0 || report.Expired > 0 {
		s.logger.Info("expiry sync complete",
			zap.Int("inactive_unenrolled", report.InactiveUnenrolled),
			zap.Int("expired", report.Expired),
			zap.Int("errors", report.Errors))
	}
	return report, nil
}

// sweepInactive unenrolls users who have not accessed the course within
// the instance's inactivity threshold. Course-specific access wins over
// the account-wide last access; a user with no access record at all counts
// from when their enrollment was created, so a seat held without a single
// visit still ages out.
func (s *Sync) sweepInactive(ctx context.Context, report *Report) error {
	instances, err := s.enrolment.InstancesWithInactivityRule(ctx)
	if err != nil {
		return fmt.Errorf("%s.inactivity_scan_failed: %w", opSync, err)
	}
	now := s.now().UTC().Unix()

	for _, inst := range instances {
		records, err := s.enrolment.ActiveEnrollments(ctx, inst.ID)
		if err != nil {
			s.logger.Error("active enrollment scan failed",
				zap.String("operation", opSync),
				zap.Int64("instance_id", inst.ID),
				zap.Error(err))
			report.Errors++
			if s.metrics != nil {
				s.metrics.SweepErrors.Inc()
			}
			continue
		}
		for _, record := range records {
			lastAccess, err := s.users.LastAccess(ctx, inst.ID, record.UserID)
			if err != nil {
				s.itemError(report, "last access lookup failed", inst.ID, record.UserID, err)
				continue
			}
			if lastAccess == 0 {
				lastAccess = record.TimeCreated
			}
			if now-lastAccess <= inst.InactivityThresholdS {
				continue
			}
			if err := s.enrolment.Unenrol(ctx, inst.ID, record.UserID); err != nil {
				s.itemError(report, "inactivity unenrol failed", inst.ID, record.UserID, err)
				continue
			}
			report.InactiveUnenrolled++
			if s.metrics != nil {
				s.metrics.SeatsFreed.Inc()
			}
			s.logger.Info("inactive user unenrolled",
				zap.Int64("instance_id", inst.ID),
				zap.Int64("user_id", record.UserID),
				zap.Int64("last_access", lastAccess))
		}
	}
	return nil
}

// sweepExpired applies each instance's configured action to enrollments
// whose end date has passed.
func (s *Sync) sweepExpired(ctx context.Context, report *Report) error {
	now := s.now().UTC().Unix()
	records, err := s.enrolment.ExpiredEnrollments(ctx, now)
	if err != nil {
		return fmt.Errorf("%s.expired_scan_failed: %w", opSync, err)
	}

	instances := map[int64]enrollment.Instance{}
	for _, record := range records {
		inst, ok := instances[record.InstanceID]
		if !ok {
			inst, err = s.enrolment.Instance(ctx, record.InstanceID)
			if err != nil {
				s.itemError(report, "instance lookup failed", record.InstanceID, record.UserID, err)
				continue
			}
			instances[record.InstanceID] = inst
		}

		switch inst.ExpiredAction {
		case enrollment.ExpiredActionKeep:
			continue
		case enrollment.ExpiredActionSuspend:
			if err := s.enrolment.Suspend(ctx, record.ID); err != nil {
				s.itemError(report, "expired suspend failed", record.InstanceID, record.UserID, err)
				continue
			}
		case enrollment.ExpiredActionUnenrol:
			if err := s.enrolment.Unenrol(ctx, record.InstanceID, record.UserID); err != nil {
				s.itemError(report, "expired unenrol failed", record.InstanceID, record.UserID, err)
				continue
			}
		default:
			continue
		}
		report.Expired++
		if s.metrics != nil {
			s.metrics.SeatsFreed.Inc()
		}
		s.logger.Info("expired enrollment processed",
			zap.Int64("instance_id", record.InstanceID),
			zap.Int64("user_id", record.UserID),
			zap.String("action", string(inst.ExpiredAction)))
	}
	return nil
}

func (s *Sync) itemError(report *Report, message string, instanceID, userID int64, err error) {
	s.logger.Error(message,
		zap.String("operation", opSync),
		zap.Int64("instance_id", instanceID),
		zap.Int64("user_id", userID),
		zap.Error(err))
	report.Errors++
	if s.metrics != nil {
		s.metrics.SweepErrors.Inc()
	}
}

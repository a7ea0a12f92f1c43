package enrollment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingOracle   = errors.New("capacity oracle is required")
)

// ServiceError wraps an enrollment-store failure with a dotted operation code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code identifying the failure site.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "enrollment.service.new"
	opEnrol      = "enrollment.enrol"
	opUnenrol    = "enrollment.unenrol"
	opSuspend    = "enrollment.suspend"
	opSelfEnrol  = "enrollment.self_enrol"
	opInstance   = "enrollment.instance"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes the dependencies of the enrollment store.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Counts   *CountCache
	Oracle   *Oracle
	Logger   *zap.Logger
}

// Service owns enrollment records: creating them (directly or through the
// self-enrol admission flow), suspending them, and removing them. Every
// seat change invalidates the instance's cached active count.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	counts *CountCache
	oracle *Oracle
	logger *zap.Logger
}

// NewService constructs the enrollment service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Oracle == nil {
		return nil, newServiceError(opServiceNew, "missing_oracle", errMissingOracle)
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
	return &Service{
		db:     cfg.Database,
		now:    clock,
		counts: counts,
		oracle: cfg.Oracle,
		logger: logger,
	}, nil
}

// Oracle exposes the capacity oracle backing this service.
func (s *Service) Oracle() *Oracle {
	return s.oracle
}

// Instance loads a single enrollment instance.
func (s *Service) Instance(ctx context.Context, instanceID int64) (Instance, error) {
	var inst Instance
	err := s.db.WithContext(ctx).Where("id = ?", instanceID).Take(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Instance{}, newServiceError(opInstance, "not_found", err)
	}
	if err != nil {
		return Instance{}, newServiceError(opInstance, "query_failed", err)
	}
	return inst, nil
}

// Enrol creates an active enrollment for the user under the instance.
func (s *Service) Enrol(ctx context.Context, instanceID, userID int64) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.EnrolTx(tx, instanceID, userID)
	})
	if err != nil {
		return err
	}
	s.counts.Invalidate(instanceID)
	return nil
}

// EnrolTx creates an active enrollment inside an existing transaction. The
// caller is responsible for invalidating the count cache after commit.
func (s *Service) EnrolTx(tx *gorm.DB, instanceID, userID int64) error {
	now := s.now().UTC().Unix()
	record := Enrollment{
		InstanceID:   instanceID,
		UserID:       userID,
		Status:       StatusActive,
		RoleGranted:  true,
		TimeStart:    now,
		TimeCreated:  now,
		TimeModified: now,
	}
	if err := tx.Create(&record).Error; err != nil {
		return newServiceError(opEnrol, "insert_failed", err)
	}
	return nil
}

// ActiveCountTx counts seat-occupying enrollments inside an existing
// transaction, bypassing the TTL cache. Claim redemption uses it to decide
// the last seat against the live table rather than a cached snapshot.
func (s *Service) ActiveCountTx(tx *gorm.DB, instanceID int64) (int64, error) {
	var count int64
	err := tx.Model(&Enrollment{}).
		Where("instance_id = ? AND status = ?", instanceID, StatusActive).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// InvalidateCount drops the cached active count for an instance; used by
// collaborators that enrol through EnrolTx.
func (s *Service) InvalidateCount(instanceID int64) {
	s.counts.Invalidate(instanceID)
}

// Unenrol removes the user's enrollment under the instance, freeing the
// seat. Absent enrollments are a no-op.
func (s *Service) Unenrol(ctx context.Context, instanceID, userID int64) error {
	err := s.db.WithContext(ctx).
		Where("instance_id = ? AND user_id = ?", instanceID, userID).
		Delete(&Enrollment{}).Error
	if err != nil {
		return newServiceError(opUnenrol, "delete_failed", err)
	}
	s.counts.Invalidate(instanceID)
	return nil
}

// Suspend marks the enrollment suspended and strips its granted role,
// keeping the record for audit. The seat is freed.
func (s *Service) Suspend(ctx context.Context, enrollmentID int64) error {
	var record Enrollment
	err := s.db.WithContext(ctx).Where("id = ?", enrollmentID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return newServiceError(opSuspend, "query_failed", err)
	}

	updates := map[string]interface{}{
		"status":        StatusSuspended,
		"role_granted":  false,
		"time_modified": s.now().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Model(&Enrollment{}).
		Where("id = ?", enrollmentID).
		Updates(updates).Error; err != nil {
		return newServiceError(opSuspend, "update_failed", err)
	}
	s.counts.Invalidate(record.InstanceID)
	return nil
}

// ActiveEnrollments lists seat-occupying enrollments under the instance.
func (s *Service) ActiveEnrollments(ctx context.Context, instanceID int64) ([]Enrollment, error) {
	var records []Enrollment
	err := s.db.WithContext(ctx).
		Where("instance_id = ? AND status = ?", instanceID, StatusActive).
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// InstancesWithInactivityRule lists instances whose inactivity threshold is
// set; only these participate in the inactivity sweep.
func (s *Service) InstancesWithInactivityRule(ctx context.Context) ([]Instance, error) {
	var instances []Instance
	err := s.db.WithContext(ctx).
		Where("inactivity_threshold_s > 0").
		Order("id ASC").
		Find(&instances).Error
	if err != nil {
		return nil, err
	}
	return instances, nil
}

// InstancesWithExpiryWarning lists instances with a warning threshold set;
// only these participate in the advance-expiry warning task.
func (s *Service) InstancesWithExpiryWarning(ctx context.Context) ([]Instance, error) {
	var instances []Instance
	err := s.db.WithContext(ctx).
		Where("expiry_notify_threshold_s > 0").
		Order("id ASC").
		Find(&instances).Error
	if err != nil {
		return nil, err
	}
	return instances, nil
}

// ExpiredEnrollments lists active enrollments whose end date has passed.
func (s *Service) ExpiredEnrollments(ctx context.Context, now int64) ([]Enrollment, error) {
	var records []Enrollment
	err := s.db.WithContext(ctx).
		Where("status = ? AND time_end <> 0 AND time_end < ?", StatusActive, now).
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ExpiringEnrollments lists active enrollments under the instance that end
// within the given horizon but have not yet expired.
func (s *Service) ExpiringEnrollments(ctx context.Context, instanceID, now, horizon int64) ([]Enrollment, error) {
	var records []Enrollment
	err := s.db.WithContext(ctx).
		Where("instance_id = ? AND status = ? AND time_end <> 0 AND time_end > ? AND time_end <= ?",
			instanceID, StatusActive, now, now+horizon).
		Order("time_end ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// SetLastExpiryNotify advances the instance's expiry-warning watermark.
func (s *Service) SetLastExpiryNotify(ctx context.Context, instanceID, timestamp int64) error {
	return s.db.WithContext(ctx).Model(&Instance{}).
		Where("id = ?", instanceID).
		Update("last_expiry_notify", timestamp).Error
}

// SelfEnrolResult reports the outcome of a self-enrol attempt. When the
// user was not admitted, Eligibility explains why; CapacityReached with
// WaitlistOpen means the caller should offer the waitlist.
type SelfEnrolResult struct {
	Admitted    bool
	Eligibility Eligibility
}

// SelfEnrol runs the admission flow for a user enrolling themselves:
// oracle check with the gate active, then seat the user on success.
func (s *Service) SelfEnrol(ctx context.Context, inst Instance, userID int64) (SelfEnrolResult, error) {
	eligibility, err := s.oracle.CanEnrol(ctx, inst, userID, EnrolOptions{Self: true})
	if err != nil {
		s.logger.Error("self enrol eligibility check failed",
			zap.String("operation", opSelfEnrol),
			zap.Int64("instance_id", inst.ID),
			zap.Int64("user_id", userID),
			zap.Error(err))
		return SelfEnrolResult{}, newServiceError(opSelfEnrol, "eligibility_failed", err)
	}
	if !eligibility.Eligible() {
		return SelfEnrolResult{Admitted: false, Eligibility: eligibility}, nil
	}
	if err := s.Enrol(ctx, inst.ID, userID); err != nil {
		return SelfEnrolResult{}, err
	}
	return SelfEnrolResult{Admitted: true, Eligibility: eligibility}, nil
}

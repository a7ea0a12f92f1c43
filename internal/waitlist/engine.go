package waitlist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidUser indicates a zero or negative user identifier.
	ErrInvalidUser = errors.New("waitlist: user id required")
	// ErrInvalidInstance indicates a zero or negative instance identifier.
	ErrInvalidInstance = errors.New("waitlist: instance id required")
	// ErrEntryNotFound indicates the requested entry does not exist.
	ErrEntryNotFound = errors.New("waitlist: entry not found")

	errMissingDatabase = errors.New("database handle is required")
)

// ServiceError wraps a waitlist-store failure with a dotted operation code.
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
	opServiceNew   = "waitlist.service.new"
	opJoin         = "waitlist.join"
	opLeave        = "waitlist.leave"
	opRemoveBulk   = "waitlist.remove_bulk"
	opQueuedBulk   = "waitlist.is_queued_bulk"
	opPosition     = "waitlist.position"
	opSelect       = "waitlist.select_for_notification"
	opMarkNotified = "waitlist.mark_notified"
	opResetCounter = "waitlist.reset_notification_counter"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

const defaultNotifyLimit = 5

// ServiceConfig describes the waitlist engine's dependencies. NotifyLimit
// is the per-entry notification cap; entries at or past it are excluded
// from selection and from position reporting but stay queryable.
type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	NotifyLimit int
	Logger      *zap.Logger
}

// Service is the waitlist engine: join/leave/position bookkeeping and the
// FIFO selection the notification scheduler draws from. It does not check
// capacity or duplicate membership; the owning admission flow does that
// through the capacity oracle before calling Join.
type Service struct {
	db          *gorm.DB
	now         func() time.Time
	notifyLimit int
	logger      *zap.Logger
}

// NewService constructs the waitlist engine.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	limit := cfg.NotifyLimit
	if limit <= 0 {
		limit = defaultNotifyLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:          cfg.Database,
		now:         clock,
		notifyLimit: limit,
		logger:      logger,
	}, nil
}

// NotifyLimit returns the per-entry notification cap in force.
func (s *Service) NotifyLimit() int {
	return s.notifyLimit
}

// Join appends a new entry to the instance's queue and returns its id.
func (s *Service) Join(ctx context.Context, req JoinRequest) (int64, error) {
	if req.InstanceID <= 0 {
		return 0, ErrInvalidInstance
	}
	if req.UserID <= 0 {
		return 0, ErrInvalidUser
	}

	now := s.now().UTC().Unix()
	entry := Entry{
		InstanceID:    req.InstanceID,
		UserID:        req.UserID,
		GroupID:       req.GroupID,
		SeniorityDate: req.SeniorityDate,
		TimeCreated:   now,
		TimeModified:  now,
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		s.logError(opJoin, "insert_failed", err,
			zap.Int64("instance_id", req.InstanceID),
			zap.Int64("user_id", req.UserID))
		return 0, newServiceError(opJoin, "insert_failed", err)
	}
	return entry.ID, nil
}

// Leave deletes the user's entry for the instance. Absent entries are a
// no-op, not an error.
func (s *Service) Leave(ctx context.Context, instanceID, userID int64) error {
	err := s.db.WithContext(ctx).
		Where("instance_id = ? AND user_id = ?", instanceID, userID).
		Delete(&Entry{}).Error
	if err != nil {
		s.logError(opLeave, "delete_failed", err,
			zap.Int64("instance_id", instanceID),
			zap.Int64("user_id", userID))
		return newServiceError(opLeave, "delete_failed", err)
	}
	return nil
}

// RemoveBulk deletes the entries of all listed users under the instance.
// A zero-length input is a no-op; users without an entry are skipped.
func (s *Service) RemoveBulk(ctx context.Context, instanceID int64, userIDs []int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Where("instance_id = ? AND user_id IN ?", instanceID, userIDs).
		Delete(&Entry{}).Error
	if err != nil {
		s.logError(opRemoveBulk, "delete_failed", err, zap.Int64("instance_id", instanceID))
		return newServiceError(opRemoveBulk, "delete_failed", err)
	}
	return nil
}

// IsQueued reports whether the user holds an entry under the instance,
// regardless of its notification counter.
func (s *Service) IsQueued(ctx context.Context, instanceID, userID int64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Entry{}).
		Where("instance_id = ? AND user_id = ?", instanceID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// IsQueuedBulk partitions the input user ids into queued and not-queued,
// preserving the input ordering within each half. The batch-enrollment
// flow uses this as a race-safe cross-check before admitting a batch.
func (s *Service) IsQueuedBulk(ctx context.Context, instanceID int64, userIDs []int64) (Partition, error) {
	partition := Partition{Queued: []int64{}, NotQueued: []int64{}}
	if len(userIDs) == 0 {
		return partition, nil
	}

	var queuedIDs []int64
	err := s.db.WithContext(ctx).Model(&Entry{}).
		Where("instance_id = ? AND user_id IN ?", instanceID, userIDs).
		Pluck("user_id", &queuedIDs).Error
	if err != nil {
		s.logError(opQueuedBulk, "query_failed", err, zap.Int64("instance_id", instanceID))
		return Partition{}, newServiceError(opQueuedBulk, "query_failed", err)
	}

	queued := make(map[int64]struct{}, len(queuedIDs))
	for _, id := range queuedIDs {
		queued[id] = struct{}{}
	}
	for _, id := range userIDs {
		if _, ok := queued[id]; ok {
			partition.Queued = append(partition.Queued, id)
		} else {
			partition.NotQueued = append(partition.NotQueued, id)
		}
	}
	return partition, nil
}

// Count returns the number of entries under the instance, exhausted ones
// included.
func (s *Service) Count(ctx context.Context, instanceID int64) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Entry{}).
		Where("instance_id = ?", instanceID).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Position returns the user's 1-based rank among entries still inside the
// notification limit, or PositionNotFound when the user holds no such
// entry. An entry that exhausted its notifications still exists (IsQueued
// reports it) but is deliberately hidden from position display.
func (s *Service) Position(ctx context.Context, instanceID, userID int64, ordering Ordering) (int, error) {
	entries, err := s.rankable(ctx, instanceID, ordering, 0)
	if err != nil {
		s.logError(opPosition, "query_failed", err,
			zap.Int64("instance_id", instanceID),
			zap.Int64("user_id", userID))
		return 0, newServiceError(opPosition, "query_failed", err)
	}
	for rank, entry := range entries {
		if entry.UserID == userID {
			return rank + 1, nil
		}
	}
	return PositionNotFound, nil
}

// SelectForNotification returns up to perInstance entries for the
// instance, FIFO-ordered, skipping entries at the notification limit.
func (s *Service) SelectForNotification(ctx context.Context, instanceID int64, ordering Ordering, perInstance int) ([]Entry, error) {
	entries, err := s.rankable(ctx, instanceID, ordering, perInstance)
	if err != nil {
		s.logError(opSelect, "query_failed", err, zap.Int64("instance_id", instanceID))
		return nil, newServiceError(opSelect, "query_failed", err)
	}
	return entries, nil
}

func (s *Service) rankable(ctx context.Context, instanceID int64, ordering Ordering, limit int) ([]Entry, error) {
	query := s.db.WithContext(ctx).
		Where("instance_id = ? AND notified < ?", instanceID, s.notifyLimit).
		Order(ordering.orderClause())
	if limit > 0 {
		query = query.Limit(limit)
	}
	var entries []Entry
	if err := query.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// MarkNotified increments the notification counter of every listed entry
// by exactly one. The scheduler calls it once per run for all entries it
// selected, regardless of individual delivery outcomes.
func (s *Service) MarkNotified(ctx context.Context, entryIDs []int64) error {
	if len(entryIDs) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&Entry{}).
		Where("id IN ?", entryIDs).
		UpdateColumns(map[string]interface{}{
			"notified":      gorm.Expr("notified + 1"),
			"time_modified": s.now().UTC().Unix(),
		}).Error
	if err != nil {
		s.logError(opMarkNotified, "update_failed", err)
		return newServiceError(opMarkNotified, "update_failed", err)
	}
	return nil
}

// ResetNotificationCounter zeroes the user's notification counter so they
// re-enter the scheduler's rotation. It does not change queue position;
// the entry keeps its original creation time and id.
func (s *Service) ResetNotificationCounter(ctx context.Context, instanceID, userID int64) error {
	err := s.db.WithContext(ctx).Model(&Entry{}).
		Where("instance_id = ? AND user_id = ?", instanceID, userID).
		UpdateColumns(map[string]interface{}{
			"notified":      0,
			"time_modified": s.now().UTC().Unix(),
		}).Error
	if err != nil {
		s.logError(opResetCounter, "update_failed", err,
			zap.Int64("instance_id", instanceID),
			zap.Int64("user_id", userID))
		return newServiceError(opResetCounter, "update_failed", err)
	}
	return nil
}

// EntryByID loads a single entry.
func (s *Service) EntryByID(ctx context.Context, entryID int64) (Entry, error) {
	var entry Entry
	err := s.db.WithContext(ctx).Where("id = ?", entryID).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, ErrEntryNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// RemoveEntryTx deletes an entry by id inside an existing transaction;
// claim redemption pairs it with the enrollment insert so no observer ever
// sees a user removed from the queue but not yet enrolled.
func (s *Service) RemoveEntryTx(tx *gorm.DB, entryID int64) error {
	return tx.Where("id = ?", entryID).Delete(&Entry{}).Error
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("waitlist engine error", attrs...)
}

package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrUserNotFound indicates the requested account does not exist.
var ErrUserNotFound = errors.New("users: user not found")

// ServiceConfig describes the dependencies required for account lookups.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service reads and maintains user account records.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// Get returns the account record for the given user id.
func (s *Service) Get(ctx context.Context, userID int64) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// IsGuest reports whether the account is a guest account. Guest accounts
// are never admission-eligible.
func (s *Service) IsGuest(ctx context.Context, userID int64) (bool, error) {
	user, err := s.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return user.Guest, nil
}

// LastAccess returns the most relevant last-access timestamp for the user
// under the given instance: the course-specific access record when one
// exists, otherwise the account-wide last access. Zero means never.
func (s *Service) LastAccess(ctx context.Context, instanceID, userID int64) (int64, error) {
	var access CourseAccess
	err := s.db.WithContext(ctx).
		Where("instance_id = ? AND user_id = ?", instanceID, userID).
		Take(&access).Error
	if err == nil {
		return access.TimeAccess, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	user, err := s.Get(ctx, userID)
	if err != nil {
		return 0, err
	}
	return user.LastAccess, nil
}

// RecordCourseAccess upserts the course-specific last-access record.
func (s *Service) RecordCourseAccess(ctx context.Context, instanceID, userID int64) error {
	now := s.now().UTC().Unix()
	result := s.db.WithContext(ctx).Model(&CourseAccess{}).
		Where("instance_id = ? AND user_id = ?", instanceID, userID).
		Update("time_access", now)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&CourseAccess{
		InstanceID: instanceID,
		UserID:     userID,
		TimeAccess: now,
	}).Error
}

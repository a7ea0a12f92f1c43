package claim

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// tokenBytes is the entropy of the opaque bearer string; hex-encoded it
	// yields a fixed 64-character token.
	tokenBytes = 32

	defaultMaxAge = 24 * time.Hour
)

var (
	// ErrTokenNotFound indicates the token is absent, malformed, or expired.
	ErrTokenNotFound = errors.New("claim: token not found")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// Token is a single-use, time-limited credential binding one waitlist
// entry and one user to a claimable seat.
type Token struct {
	ID          string `gorm:"column:id;primaryKey;size:190;not null"`
	Token       string `gorm:"column:token;size:64;not null;uniqueIndex"`
	EntryID     int64  `gorm:"column:entry_id;not null;index"`
	UserID      int64  `gorm:"column:user_id;not null"`
	InstanceID  int64  `gorm:"column:instance_id;not null"`
	TimeCreated int64  `gorm:"column:time_created;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Token) TableName() string {
	return "claim_tokens"
}

// IDProvider issues primary keys for token records.
type IDProvider interface {
	NewID() (string, error)
}

// StoreConfig describes the token store's dependencies.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	MaxAge     time.Duration
	Logger     *zap.Logger
}

// Store persists claim tokens. Tokens older than MaxAge are treated as
// invalid on lookup and removed by PurgeExpired.
type Store struct {
	db         *gorm.DB
	now        func() time.Time
	idProvider IDProvider
	maxAge     time.Duration
	logger     *zap.Logger
}

// NewStore constructs the token store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("claim: %w", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("claim: %w", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:         cfg.Database,
		now:        clock,
		idProvider: cfg.IDProvider,
		maxAge:     maxAge,
		logger:     logger,
	}, nil
}

// Issue creates a token bound to the given entry, user, and instance.
func (s *Store) Issue(ctx context.Context, entryID, userID, instanceID int64) (Token, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		return Token{}, err
	}
	secret, err := newTokenString()
	if err != nil {
		return Token{}, err
	}
	record := Token{
		ID:          id,
		Token:       secret,
		EntryID:     entryID,
		UserID:      userID,
		InstanceID:  instanceID,
		TimeCreated: s.now().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return Token{}, err
	}
	return record, nil
}

// Lookup resolves an opaque token string. Expired tokens are reported as
// not found, same as absent ones.
func (s *Store) Lookup(ctx context.Context, token string) (Token, error) {
	if len(token) != tokenBytes*2 {
		return Token{}, ErrTokenNotFound
	}
	var record Token
	err := s.db.WithContext(ctx).Where("token = ?", token).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Token{}, ErrTokenNotFound
	}
	if err != nil {
		return Token{}, err
	}
	if s.expired(record) {
		return Token{}, ErrTokenNotFound
	}
	return record, nil
}

// LiveEntryIDs reports which of the given waitlist entries currently hold
// an unexpired token. The notification scheduler skips these entries so a
// rerun before the offer ages out sends nothing new.
func (s *Store) LiveEntryIDs(ctx context.Context, entryIDs []int64) (map[int64]struct{}, error) {
	live := make(map[int64]struct{}, len(entryIDs))
	if len(entryIDs) == 0 {
		return live, nil
	}
	cutoff := s.now().UTC().Add(-s.maxAge).Unix()
	var held []int64
	err := s.db.WithContext(ctx).Model(&Token{}).
		Where("entry_id IN ? AND time_created >= ?", entryIDs, cutoff).
		Pluck("entry_id", &held).Error
	if err != nil {
		return nil, err
	}
	for _, entryID := range held {
		live[entryID] = struct{}{}
	}
	return live, nil
}

// Delete removes a token record; absent records are a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&Token{}).Error
}

// DeleteTx removes a token record inside an existing transaction.
func (s *Store) DeleteTx(tx *gorm.DB, id string) error {
	return tx.Where("id = ?", id).Delete(&Token{}).Error
}

// PurgeExpired removes every token past its maximum age and returns how
// many were dropped.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.maxAge).Unix()
	result := s.db.WithContext(ctx).
		Where("time_created < ?", cutoff).
		Delete(&Token{})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		s.logger.Info("expired claim tokens purged", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

func (s *Store) expired(record Token) bool {
	return s.now().UTC().Unix()-record.TimeCreated > int64(s.maxAge/time.Second)
}

func newTokenString() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

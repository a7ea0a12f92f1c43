package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/registrar/backend/internal/enrollment"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/waitlist"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Outcome tags the result of a redemption attempt. Every non-admitted
// outcome maps to a distinct user-facing message; none of them is fatal to
// the system.
type Outcome string

const (
	// OutcomeAdmitted means the seat was claimed: the user is enrolled and
	// their waitlist entry removed.
	OutcomeAdmitted Outcome = "admitted"
	// OutcomeTokenInvalid means the token is absent, malformed, or expired.
	OutcomeTokenInvalid Outcome = "token_invalid"
	// OutcomeWrongUser means the token belongs to a different user; tokens
	// are not transferable.
	OutcomeWrongUser Outcome = "wrong_user"
	// OutcomeNotOnWaitlist means the bound entry no longer exists (already
	// claimed or left).
	OutcomeNotOnWaitlist Outcome = "not_on_waitlist"
	// OutcomeChanceMissed means admission is no longer valid, typically
	// because another queued user claimed the last seat first. The user's
	// notification counter is reset so the lost race does not count
	// against them.
	OutcomeChanceMissed Outcome = "chance_missed"
)

// Result reports a redemption attempt. Eligibility is populated for
// ChanceMissed so callers can render the underlying reason.
type Result struct {
	Outcome     Outcome
	InstanceID  int64
	Eligibility enrollment.Eligibility
}

const (
	opRedeemerNew = "claim.redeemer.new"
	opRedeem      = "claim.redeem"
)

// RedeemerConfig describes the redemption service's dependencies.
type RedeemerConfig struct {
	Database  *gorm.DB
	Tokens    *Store
	Waitlist  *waitlist.Service
	Enrolment *enrollment.Service
	Clock     func() time.Time
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Redeemer turns a valid claim token into an enrollment. Admission is
// re-validated at redemption time; the notification that delivered the
// token was advisory, not a reservation.
type Redeemer struct {
	db        *gorm.DB
	tokens    *Store
	waitlist  *waitlist.Service
	enrolment *enrollment.Service
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewRedeemer constructs the redemption service.
func NewRedeemer(cfg RedeemerConfig) (*Redeemer, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s: %w", opRedeemerNew, errMissingDatabase)
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("%s: token store required", opRedeemerNew)
	}
	if cfg.Waitlist == nil {
		return nil, fmt.Errorf("%s: waitlist engine required", opRedeemerNew)
	}
	if cfg.Enrolment == nil {
		return nil, fmt.Errorf("%s: enrollment service required", opRedeemerNew)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redeemer{
		db:        cfg.Database,
		tokens:    cfg.Tokens,
		waitlist:  cfg.Waitlist,
		enrolment: cfg.Enrolment,
		now:       clock,
		metrics:   cfg.Metrics,
		logger:    logger,
	}, nil
}

// Redeem validates the token for the requesting user and, when admission
// still holds, enrolls them and removes their waitlist entry in one
// transaction. Definitive failures (wrong user, stale entry, missed
// chance) consume the token; a fresh one may be issued by a later
// scheduler run if the user is still queued.
func (r *Redeemer) Redeem(ctx context.Context, tokenString string, requestingUserID int64) (Result, error) {
	token, err := r.tokens.Lookup(ctx, tokenString)
	if errors.Is(err, ErrTokenNotFound) {
		return Result{Outcome: OutcomeTokenInvalid}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("%s.token_lookup_failed: %w", opRedeem, err)
	}

	if token.UserID != requestingUserID {
		if err := r.tokens.Delete(ctx, token.ID); err != nil {
			r.logger.Warn("token cleanup failed",
				zap.String("operation", opRedeem), zap.Error(err))
		}
		return Result{Outcome: OutcomeWrongUser, InstanceID: token.InstanceID}, nil
	}

	entry, err := r.waitlist.EntryByID(ctx, token.EntryID)
	if errors.Is(err, waitlist.ErrEntryNotFound) {
		if err := r.tokens.Delete(ctx, token.ID); err != nil {
			r.logger.Warn("token cleanup failed",
				zap.String("operation", opRedeem), zap.Error(err))
		}
		return Result{Outcome: OutcomeNotOnWaitlist, InstanceID: token.InstanceID}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("%s.entry_lookup_failed: %w", opRedeem, err)
	}

	inst, err := r.enrolment.Instance(ctx, token.InstanceID)
	if err != nil {
		return Result{}, fmt.Errorf("%s.instance_lookup_failed: %w", opRedeem, err)
	}

	eligibility, err := r.enrolment.Oracle().CanEnrol(ctx, inst, requestingUserID, enrollment.EnrolOptions{IgnoreGate: true})
	if err != nil {
		return Result{}, fmt.Errorf("%s.eligibility_failed: %w", opRedeem, err)
	}
	if !eligibility.Eligible() {
		return r.missChance(ctx, token, entry, eligibility), nil
	}

	// The eligibility check above may have read a cached count; the last
	// seat is decided here, against the live table, so two concurrent
	// redemptions cannot both commit past the cap.
	seatTaken := false
	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if inst.MaxEnrolled > 0 {
			active, err := r.enrolment.ActiveCountTx(tx, token.InstanceID)
			if err != nil {
				return err
			}
			if active >= inst.MaxEnrolled {
				seatTaken = true
				return nil
			}
		}
		if err := r.enrolment.EnrolTx(tx, token.InstanceID, requestingUserID); err != nil {
			return err
		}
		if err := r.waitlist.RemoveEntryTx(tx, entry.ID); err != nil {
			return err
		}
		return r.tokens.DeleteTx(tx, token.ID)
	})
	if txErr != nil {
		return Result{}, fmt.Errorf("%s.admit_failed: %w", opRedeem, txErr)
	}
	if seatTaken {
		lost := enrollment.Eligibility{
			Code:         enrollment.CodeCapacityReached,
			WaitlistOpen: inst.WaitlistEnabled,
		}
		return r.missChance(ctx, token, entry, lost), nil
	}
	r.enrolment.InvalidateCount(token.InstanceID)
	if r.metrics != nil {
		r.metrics.SeatsClaimed.Inc()
	}

	r.logger.Info("waitlist seat claimed",
		zap.Int64("instance_id", token.InstanceID),
		zap.Int64("user_id", requestingUserID),
		zap.Int64("entry_id", entry.ID))
	return Result{Outcome: OutcomeAdmitted, InstanceID: token.InstanceID, Eligibility: eligibility}, nil
}

// missChance closes out a redemption whose admission no longer holds: the
// token is consumed, the entry stays queued, and its notification counter
// is reset so the lost race does not count against the user.
func (r *Redeemer) missChance(ctx context.Context, token Token, entry waitlist.Entry, eligibility enrollment.Eligibility) Result {
	if resetErr := r.waitlist.ResetNotificationCounter(ctx, entry.InstanceID, entry.UserID); resetErr != nil {
		r.logger.Error("notification counter reset failed",
			zap.String("operation", opRedeem),
			zap.Int64("instance_id", entry.InstanceID),
			zap.Int64("user_id", entry.UserID),
			zap.Error(resetErr))
	}
	if err := r.tokens.Delete(ctx, token.ID); err != nil {
		r.logger.Warn("token cleanup failed",
			zap.String("operation", opRedeem), zap.Error(err))
	}
	return Result{
		Outcome:     OutcomeChanceMissed,
		InstanceID:  token.InstanceID,
		Eligibility: eligibility,
	}
}

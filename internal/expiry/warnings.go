package expiry

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/registrar/backend/internal/enrollment"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/users"
	"go.uber.org/zap"
)

const (
	opWarningsNew = "expiry.warnings.new"
	opWarnings    = "expiry.warnings.run"
)

// WarningTaskConfig describes the advance-warning job's collaborators.
type WarningTaskConfig struct {
	Enrolment  *enrollment.Service
	Users      *users.Service
	Notifier   notify.Notifier
	Clock      func() time.Time
	FromUserID int64
	Logger     *zap.Logger
}

// WarningTask sends advance-expiry warnings: an individual message to each
// soon-to-expire user and a digest to the instance's approver. Each
// instance gates sends on its notify hour and a last-notified watermark so
// reruns within the same day stay silent.
type WarningTask struct {
	enrolment  *enrollment.Service
	users      *users.Service
	notifier   notify.Notifier
	now        func() time.Time
	fromUserID int64
	logger     *zap.Logger
}

// WarningReport summarizes one warning-task run.
type WarningReport struct {
	Warned  int
	Digests int
	Errors  int
}

// NewWarningTask constructs the advance-warning job.
func NewWarningTask(cfg WarningTaskConfig) (*WarningTask, error) {
	if cfg.Enrolment == nil {
		return nil, fmt.Errorf("%s: %w", opWarningsNew, errMissingEnrolment)
	}
	if cfg.Users == nil {
		return nil, fmt.Errorf("%s: %w", opWarningsNew, errMissingUsers)
	}
	if cfg.Notifier == nil {
		return nil, fmt.Errorf("%s: notifier is required", opWarningsNew)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WarningTask{
		enrolment:  cfg.Enrolment,
		users:      cfg.Users,
		notifier:   cfg.Notifier,
		now:        clock,
		fromUserID: cfg.FromUserID,
		logger:     logger,
	}, nil
}

// Run executes one warning pass over every instance with a warning
// threshold configured.
func (t *WarningTask) Run(ctx context.Context) (WarningReport, error) {
	report := WarningReport{}
	now := t.now().UTC()

	instances, err := t.enrolment.InstancesWithExpiryWarning(ctx)
	if err != nil {
		return report, fmt.Errorf("%s.scan_failed: %w", opWarnings, err)
	}

	for _, inst := range instances {
		if now.Hour() < inst.NotifyHour {
			continue
		}
		if sameDay(inst.LastExpiryNotify, now) {
			continue
		}

		expiring, err := t.enrolment.ExpiringEnrollments(ctx, inst.ID, now.Unix(), inst.ExpiryNotifyThresholdS)
		if err != nil {
			t.logger.Error("expiring enrollment scan failed",
				zap.String("operation", opWarnings),
				zap.Int64("instance_id", inst.ID),
				zap.Error(err))
			report.Errors++
			continue
		}
		if len(expiring) == 0 {
			continue
		}

		var names []string
		for _, record := range expiring {
			user, err := t.users.Get(ctx, record.UserID)
			if err != nil {
				t.itemError(&report, "user lookup failed", inst.ID, record.UserID, err)
				continue
			}
			names = append(names, user.FullName)

			subject, body, err := notify.BuildExpiryWarning(notify.ExpiryWarningData{
				FullName:   user.FullName,
				CourseName: inst.CourseName,
				EndsAt:     time.Unix(record.TimeEnd, 0).UTC().Format("2006-01-02"),
			})
			if err != nil {
				t.itemError(&report, "warning render failed", inst.ID, record.UserID, err)
				continue
			}
			if err := t.notifier.Send(ctx, notify.Message{
				UserID:     user.ID,
				Email:      user.Email,
				Subject:    subject,
				BodyPlain:  body,
				FromUserID: t.fromUserID,
			}); err != nil {
				t.itemError(&report, "warning send failed", inst.ID, record.UserID, err)
				continue
			}
			report.Warned++
		}

		if inst.ApproverUserID != 0 && len(names) > 0 {
			if err := t.sendDigest(ctx, inst, names); err != nil {
				t.itemError(&report, "digest send failed", inst.ID, inst.ApproverUserID, err)
			} else {
				report.Digests++
			}
		}

		if err := t.enrolment.SetLastExpiryNotify(ctx, inst.ID, now.Unix()); err != nil {
			t.itemError(&report, "watermark update failed", inst.ID, 0, err)
		}
	}
	return report, nil
}

func (t *WarningTask) sendDigest(ctx context.Context, inst enrollment.Instance, names []string) error {
	approver, err := t.users.Get(ctx, inst.ApproverUserID)
	if err != nil {
		return err
	}
	subject, body, err := notify.BuildExpiryDigest(notify.ExpiryDigestData{
		CourseName: inst.CourseName,
		Names:      names,
	})
	if err != nil {
		return err
	}
	return t.notifier.Send(ctx, notify.Message{
		UserID:     approver.ID,
		Email:      approver.Email,
		Subject:    subject,
		BodyPlain:  body,
		FromUserID: t.fromUserID,
	})
}

func (t *WarningTask) itemError(report *WarningReport, message string, instanceID, userID int64, err error) {
	t.logger.Error(message,
		zap.String("operation", opWarnings),
		zap.Int64("instance_id", instanceID),
		zap.Int64("user_id", userID),
		zap.Error(err))
	report.Errors++
}

func sameDay(watermark int64, now time.Time) bool {
	if watermark == 0 {
		return false
	}
	last := time.Unix(watermark, 0).UTC()
	return last.Year() == now.Year() && last.YearDay() == now.YearDay()
}

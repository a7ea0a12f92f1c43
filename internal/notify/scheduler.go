package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/registrar/backend/internal/claim"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/enrollment"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/users"
	"github.com/MarcoPoloResearchLab/registrar/backend/internal/waitlist"
	"go.uber.org/zap"
)

const (
	opSchedulerNew = "notify.scheduler.new"
	opSchedulerRun = "notify.scheduler.run"

	defaultNotifyCount = 5
)

var (
	errMissingWaitlist = errors.New("waitlist engine is required")
	errMissingOracle   = errors.New("capacity oracle is required")
	errMissingTokens   = errors.New("token store is required")
	errMissingUsers    = errors.New("user service is required")
	errMissingNotifier = errors.New("notifier is required")
	errMissingBaseURL  = errors.New("base url is required")
)

// SchedulerConfig describes the batch job's collaborators.
type SchedulerConfig struct {
	Waitlist    *waitlist.Service
	Oracle      *enrollment.Oracle
	Tokens      *claim.Store
	Users       *users.Service
	Notifier    Notifier
	Clock       func() time.Time
	NotifyCount int
	BaseURL     string
	FromUserID  int64
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Scheduler is the periodic batch job that offers freed seats to queued
// users: it scans instances with available space, selects the next
// NotifyCount entries per instance in FIFO order, issues claim tokens, and
// hands the rendered offers to the Notifier. Entries holding an unexpired
// token are skipped, so rerunning the job early is a no-op. Every selected
// entry's counter is incremented exactly once per run, delivered or not.
type Scheduler struct {
	waitlist    *waitlist.Service
	oracle      *enrollment.Oracle
	tokens      *claim.Store
	users       *users.Service
	notifier    Notifier
	now         func() time.Time
	notifyCount int
	baseURL     string
	fromUserID  int64
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// RunReport summarizes one scheduler run.
type RunReport struct {
	Instances int
	Selected  int
	Delivered int
	Errors    int
}

// NewScheduler constructs the notification scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Waitlist == nil {
		return nil, fmt.Errorf("%s: %w", opSchedulerNew, errMissingWaitlist)
	}
	if cfg.Oracle == nil {
		return nil, fmt.Errorf("%s: %w", opSchedulerNew, errMissingOracle)
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("%s: %w", opSchedulerNew, errMissingTokens)
	}
	if cfg.Users == nil {
		return nil, fmt.Errorf("%s: %w", opSchedulerNew, errMissingUsers)
	}
	if cfg.Notifier == nil {
		return nil, fmt.Errorf("%s: %w", opSchedulerNew, errMissingNotifier)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%s: %w", opSchedulerNew, errMissingBaseURL)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	notifyCount := cfg.NotifyCount
	if notifyCount <= 0 {
		notifyCount = defaultNotifyCount
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		waitlist:    cfg.Waitlist,
		oracle:      cfg.Oracle,
		tokens:      cfg.Tokens,
		users:       cfg.Users,
		notifier:    cfg.Notifier,
		now:         clock,
		notifyCount: notifyCount,
		baseURL:     cfg.BaseURL,
		fromUserID:  cfg.FromUserID,
		metrics:     cfg.Metrics,
		logger:      logger,
	}, nil
}

// Run executes one scheduler pass. A failure to enumerate candidate
// instances aborts the run; per-user failures are logged and skipped.
func (s *Scheduler) Run(ctx context.Context) (RunReport, error) {
	report := RunReport{}

	if purged, err := s.tokens.PurgeExpired(ctx); err != nil {
		s.logger.Warn("claim token purge failed",
			zap.String("operation", opSchedulerRun), zap.Error(err))
	} else if s.metrics != nil && purged > 0 {
		s.metrics.TokensPurged.Add(float64(purged))
	}

	candidates, err := s.oracle.SelectInstancesWithAvailableSpace(ctx)
	if err != nil {
		s.logger.Error("candidate instance scan failed",
			zap.String("operation", opSchedulerRun), zap.Error(err))
		return report, fmt.Errorf("%s.candidate_scan_failed: %w", opSchedulerRun, err)
	}
	if len(candidates) == 0 {
		return report, nil
	}

	var selectedIDs []int64
	for _, inst := range candidates {
		if !inst.WaitlistEnabled {
			continue
		}
		ordering := waitlist.OrderByCreation
		if inst.OrderBySeniority {
			ordering = waitlist.OrderBySeniority
		}
		entries, err := s.waitlist.SelectForNotification(ctx, inst.ID, ordering, s.notifyCount)
		if err != nil {
			s.logger.Error("waitlist selection failed",
				zap.String("operation", opSchedulerRun),
				zap.Int64("instance_id", inst.ID),
				zap.Error(err))
			report.Errors++
			continue
		}
		if len(entries) == 0 {
			continue
		}

		entryIDs := make([]int64, len(entries))
		for i, entry := range entries {
			entryIDs[i] = entry.ID
		}
		live, err := s.tokens.LiveEntryIDs(ctx, entryIDs)
		if err != nil {
			s.logger.Error("live token scan failed",
				zap.String("operation", opSchedulerRun),
				zap.Int64("instance_id", inst.ID),
				zap.Error(err))
			report.Errors++
			continue
		}
		// An entry whose offer has not aged out keeps it: rerunning the
		// job before the token expires must not double-notify anyone.
		fresh := make([]waitlist.Entry, 0, len(entries))
		for _, entry := range entries {
			if _, held := live[entry.ID]; held {
				continue
			}
			fresh = append(fresh, entry)
		}
		if len(fresh) == 0 {
			continue
		}
		report.Instances++

		for _, entry := range fresh {
			// An entry stays selected once picked: its counter advances
			// even when token issuance or delivery fails, so permanently
			// undeliverable users cannot pin the rotation.
			selectedIDs = append(selectedIDs, entry.ID)
			report.Selected++
			if err := s.notifyEntry(ctx, inst, entry, len(fresh)-1); err != nil {
				s.logger.Error("waitlist notification failed",
					zap.String("operation", opSchedulerRun),
					zap.Int64("instance_id", inst.ID),
					zap.Int64("user_id", entry.UserID),
					zap.Error(err))
				if s.metrics != nil {
					s.metrics.NotificationErrors.Inc()
				}
				report.Errors++
				continue
			}
			report.Delivered++
			if s.metrics != nil {
				s.metrics.NotificationsSent.Inc()
			}
		}
	}

	if err := s.waitlist.MarkNotified(ctx, selectedIDs); err != nil {
		return report, fmt.Errorf("%s.mark_notified_failed: %w", opSchedulerRun, err)
	}

	if s.metrics != nil {
		s.metrics.SchedulerRuns.Inc()
	}
	if report.Selected > 0 {
		s.logger.Info("notification scheduler run complete",
			zap.Int("instances", report.Instances),
			zap.Int("selected", report.Selected),
			zap.Int("delivered", report.Delivered),
			zap.Int("errors", report.Errors))
	}
	return report, nil
}

func (s *Scheduler) notifyEntry(ctx context.Context, inst enrollment.Instance, entry waitlist.Entry, competitors int) error {
	user, err := s.users.Get(ctx, entry.UserID)
	if err != nil {
		return err
	}

	token, err := s.tokens.Issue(ctx, entry.ID, entry.UserID, entry.InstanceID)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.TokensIssued.Inc()
	}

	subject, plain, html, err := BuildClaimMessage(ClaimData{
		FullName:    user.FullName,
		CourseName:  inst.CourseName,
		ClaimURL:    ClaimURL(s.baseURL, token.Token),
		LeaveURL:    LeaveURL(s.baseURL, inst.ID),
		Competitors: competitors,
	})
	if err != nil {
		return err
	}

	return s.notifier.Send(ctx, Message{
		UserID:     user.ID,
		Email:      user.Email,
		Subject:    subject,
		BodyPlain:  plain,
		BodyHTML:   html,
		FromUserID: s.fromUserID,
	})
}

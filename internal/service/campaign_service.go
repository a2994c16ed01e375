package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/digkill/arcano/internal/metrics"
	"github.com/digkill/arcano/internal/models"
)

var (
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrCampaignState    = errors.New("campaign is not in a valid state for this operation")
)

type CampaignStore interface {
	Create(ctx context.Context, c *models.Campaign) (*models.Campaign, error)
	GetByID(ctx context.Context, id int64) (*models.Campaign, error)
	List(ctx context.Context, limit int) ([]models.Campaign, error)
	MarkSending(ctx context.Context, id int64, now time.Time) (bool, error)
	ReportProgress(ctx context.Context, id int64, sent int, done bool, now time.Time) (bool, error)
	ListStalled(ctx context.Context, before time.Time) ([]models.Campaign, error)
	ClaimResume(ctx context.Context, id int64, before, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, id int64, reason string, now time.Time) (bool, error)
}

// FunctionInvoker calls a remote function by name.
type FunctionInvoker interface {
	Invoke(ctx context.Context, name string, payload any) ([]byte, error)
}

type CampaignService struct {
	log        *slog.Logger
	campaigns  CampaignStore
	invoker    FunctionInvoker
	sender     string
	stallAfter time.Duration
	maxResumes int
	now        func() time.Time
}

func NewCampaignService(log *slog.Logger, campaigns CampaignStore, invoker FunctionInvoker, sender string, stallAfter time.Duration, maxResumes int) *CampaignService {
	return &CampaignService{
		log:        log,
		campaigns:  campaigns,
		invoker:    invoker,
		sender:     sender,
		stallAfter: stallAfter,
		maxResumes: maxResumes,
		now:        time.Now,
	}
}

func (s *CampaignService) Create(ctx context.Context, name, subject string, recipients int) (*models.Campaign, error) {
	name = strings.TrimSpace(name)
	if name == "" || recipients < 0 {
		return nil, fmt.Errorf("%w: name required and recipients must not be negative", ErrInvalidInput)
	}
	return s.campaigns.Create(ctx, &models.Campaign{Name: name, Subject: subject, TotalRecipients: recipients})
}

func (s *CampaignService) List(ctx context.Context, limit int) ([]models.Campaign, error) {
	return s.campaigns.List(ctx, limit)
}

func (s *CampaignService) Get(ctx context.Context, id int64) (*models.Campaign, error) {
	c, err := s.campaigns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrCampaignNotFound
	}
	return c, nil
}

// Start moves a draft to sending and hands it to the sender function. A
// failed invocation leaves the campaign sending; the watchdog retries it.
func (s *CampaignService) Start(ctx context.Context, id int64) (*models.Campaign, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	ok, err := s.campaigns.MarkSending(ctx, id, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCampaignState
	}
	payload := map[string]any{"campaign_id": id, "resume": false}
	if _, err := s.invoker.Invoke(ctx, s.sender, payload); err != nil {
		s.log.Warn("campaign sender invocation failed", "campaign_id", id, "err", err)
	}
	s.log.Info("campaign started", "campaign_id", id)
	return s.Get(ctx, id)
}

// ReportProgress is called by the sender function as it works through
// recipients. The sent count never moves backwards.
func (s *CampaignService) ReportProgress(ctx context.Context, id int64, sent int, done bool) (*models.Campaign, error) {
	if sent < 0 {
		return nil, fmt.Errorf("%w: sent must not be negative", ErrInvalidInput)
	}
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	ok, err := s.campaigns.ReportProgress(ctx, id, sent, done, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCampaignState
	}
	if done {
		s.log.Info("campaign sent", "campaign_id", id, "sent", sent)
	}
	return s.Get(ctx, id)
}

// ResumeStalled re-invokes the sender for sending campaigns that made no
// progress within the stall window. It returns how many were resumed.
func (s *CampaignService) ResumeStalled(ctx context.Context) (int, error) {
	now := s.now().UTC()
	before := now.Add(-s.stallAfter)
	stalled, err := s.campaigns.ListStalled(ctx, before)
	if err != nil {
		return 0, err
	}

	resumed := 0
	var errs []error
	for _, c := range stalled {
		if c.ResumeAttempts >= s.maxResumes {
			reason := fmt.Sprintf("sender stalled after %d resume attempts", c.ResumeAttempts)
			if _, err := s.campaigns.MarkFailed(ctx, c.ID, reason, now); err != nil {
				errs = append(errs, fmt.Errorf("fail campaign %d: %w", c.ID, err))
				continue
			}
			metrics.RecordCampaignResume("exhausted")
			s.log.Warn("campaign failed", "campaign_id", c.ID, "attempts", c.ResumeAttempts)
			continue
		}

		claimed, err := s.campaigns.ClaimResume(ctx, c.ID, before, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("claim campaign %d: %w", c.ID, err))
			continue
		}
		if !claimed {
			continue
		}
		payload := map[string]any{"campaign_id": c.ID, "resume": true, "sent_count": c.SentCount}
		if _, err := s.invoker.Invoke(ctx, s.sender, payload); err != nil {
			metrics.RecordCampaignResume("error")
			errs = append(errs, fmt.Errorf("resume campaign %d: %w", c.ID, err))
			continue
		}
		metrics.RecordCampaignResume("resumed")
		s.log.Info("campaign resumed", "campaign_id", c.ID, "attempt", c.ResumeAttempts+1, "sent", c.SentCount)
		resumed++
	}
	return resumed, errors.Join(errs...)
}

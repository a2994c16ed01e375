package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/digkill/arcano/internal/config"
	"github.com/digkill/arcano/internal/metrics"
	"github.com/digkill/arcano/internal/models"
	"github.com/digkill/arcano/internal/repository"
	"github.com/digkill/arcano/internal/runninghub"
	"github.com/digkill/arcano/internal/storage"
)

var (
	ErrCreditsRequired   = errors.New("insufficient credits, payment required")
	ErrActiveJob         = errors.New("another job is still running")
	ErrJobNotFound       = errors.New("job not found")
	ErrJobNotCancellable = errors.New("job can no longer be cancelled")
	ErrUnknownTool       = errors.New("unknown tool")
	ErrToolUnavailable   = errors.New("tool is not configured")
	ErrInvalidInput      = errors.New("invalid input")
	ErrDispatchFailed    = errors.New("could not start the job")
	ErrInvalidWebhook    = errors.New("invalid webhook")
)

type JobStore interface {
	CreateWithDebit(ctx context.Context, job *models.Job) error
	Transition(ctx context.Context, id string, to models.JobStatus, upd models.JobUpdate) (*models.Job, bool, error)
	SetProviderTask(ctx context.Context, id, taskID string) error
	GetByID(ctx context.Context, id string) (*models.Job, error)
	GetByProviderTask(ctx context.Context, taskID string) (*models.Job, error)
	ActiveForUser(ctx context.Context, userID int64) (*models.Job, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]models.Job, error)
	ListByStatus(ctx context.Context, statuses []models.JobStatus, updatedBefore time.Time, limit int) ([]models.Job, error)
}

type TaskProvider interface {
	CreateTask(ctx context.Context, in runninghub.TaskInput) (string, error)
	TaskStatus(ctx context.Context, taskID string) (string, error)
	TaskOutputs(ctx context.Context, taskID string) ([]runninghub.Output, error)
	CancelTask(ctx context.Context, taskID string) error
}

type MediaStore interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

type JobPublisher interface {
	PublishJob(job *models.Job)
}

type JobNotifier interface {
	JobFinished(ctx context.Context, chatID int64, job *models.Job) error
}

type UserLookup interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
}

type JobService struct {
	log      *slog.Logger
	jobs     JobStore
	provider TaskProvider
	media    MediaStore
	users    UserLookup
	hub      JobPublisher
	notifier JobNotifier
	tools    map[models.Tool]config.ToolConfig

	dispatchTimeout time.Duration
	pendingTimeout  time.Duration
	reconcileAfter  time.Duration
	maxDuration     time.Duration
	now             func() time.Time
}

// SubmitRequest is one tool run. Params override workflow node fields and
// are keyed "<nodeId>.<fieldName>".
type SubmitRequest struct {
	Tool        string
	Data        []byte
	ContentType string
	Params      map[string]string
}

func NewJobService(cfg config.Config, log *slog.Logger, jobs JobStore, provider TaskProvider, media MediaStore, users UserLookup, hub JobPublisher, notifier JobNotifier) *JobService {
	return &JobService{
		log:             log,
		jobs:            jobs,
		provider:        provider,
		media:           media,
		users:           users,
		hub:             hub,
		notifier:        notifier,
		tools:           cfg.Tools,
		dispatchTimeout: cfg.DispatchTimeout,
		pendingTimeout:  cfg.PendingTimeout,
		reconcileAfter:  cfg.ReconcileInterval,
		maxDuration:     cfg.JobMaxDuration,
		now:             time.Now,
	}
}

// Submit validates the request, stores the input, admits and debits the job
// and hands it to the provider. A dispatch failure fails the job and returns
// the credits.
func (s *JobService) Submit(ctx context.Context, user *models.User, req SubmitRequest) (*models.Job, error) {
	tool, ok := models.ParseTool(req.Tool)
	if !ok {
		return nil, ErrUnknownTool
	}
	toolCfg, ok := s.tools[tool]
	if !ok || toolCfg.WorkflowID == "" {
		return nil, ErrToolUnavailable
	}
	nodes, err := buildNodes(toolCfg, req.Params)
	if err != nil {
		return nil, err
	}
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: input file is required", ErrInvalidInput)
	}
	if !storage.Supported(req.ContentType) {
		return nil, fmt.Errorf("%w: unsupported content type %q", ErrInvalidInput, req.ContentType)
	}
	if storage.IsVideo(req.ContentType) != (tool == models.ToolVideoUpscaler) {
		return nil, fmt.Errorf("%w: %s does not accept %s", ErrInvalidInput, tool, req.ContentType)
	}

	if user.Credits() < toolCfg.Cost {
		return nil, ErrCreditsRequired
	}
	active, err := s.jobs.ActiveForUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, ErrActiveJob
	}

	inputURL, err := s.media.Upload(ctx, req.Data, req.ContentType)
	if err != nil {
		return nil, fmt.Errorf("store input: %w", err)
	}

	job := &models.Job{
		ID:       uuid.NewString(),
		UserID:   user.ID,
		Tool:     tool,
		Cost:     toolCfg.Cost,
		InputURL: inputURL,
	}
	if err := s.jobs.CreateWithDebit(ctx, job); err != nil {
		switch {
		case errors.Is(err, repository.ErrInsufficientCredits):
			return nil, ErrCreditsRequired
		case errors.Is(err, repository.ErrActiveJobExists):
			return nil, ErrActiveJob
		}
		return nil, err
	}
	s.log.Info("job admitted", "job_id", job.ID, "user_id", user.ID, "tool", tool, "cost", job.Cost)
	s.announce(ctx, job)

	nodes = append([]runninghub.NodeInput{{NodeID: toolCfg.ImageNodeID, FieldName: toolCfg.ImageField, Value: inputURL}}, nodes...)
	return s.dispatch(context.WithoutCancel(ctx), job, toolCfg.WorkflowID, nodes)
}

func (s *JobService) dispatch(ctx context.Context, job *models.Job, workflowID string, nodes []runninghub.NodeInput) (*models.Job, error) {
	dctx, cancel := context.WithTimeout(ctx, s.dispatchTimeout)
	defer cancel()

	taskID, err := s.provider.CreateTask(dctx, runninghub.TaskInput{WorkflowID: workflowID, Nodes: nodes})
	if err != nil {
		s.log.Error("dispatch job", "job_id", job.ID, "err", err)
		if _, ferr := s.fail(ctx, job.ID, "could not start the job"); ferr != nil {
			s.log.Error("fail undispatched job", "job_id", job.ID, "err", ferr)
		}
		return nil, ErrDispatchFailed
	}

	if err := s.jobs.SetProviderTask(ctx, job.ID, taskID); err != nil {
		s.log.Error("record provider task", "job_id", job.ID, "task_id", taskID, "err", err)
	}
	updated, changed, err := s.jobs.Transition(ctx, job.ID, models.JobQueued, models.JobUpdate{ProviderTaskID: taskID})
	if err != nil {
		return nil, err
	}
	if changed {
		s.announce(ctx, updated)
	}
	if updated == nil {
		return job, nil
	}
	if !changed && (updated.Status == models.JobCancelled || updated.Status == models.JobFailed) {
		// Cancelled or failed while CreateTask was in flight.
		s.cancelProviderTask(ctx, &models.Job{ID: job.ID, ProviderTaskID: taskID})
	}
	return updated, nil
}

func buildNodes(toolCfg config.ToolConfig, params map[string]string) ([]runninghub.NodeInput, error) {
	nodes := make([]runninghub.NodeInput, 0, len(params))
	for key, value := range params {
		nodeID, field, ok := strings.Cut(key, ".")
		if !ok || strings.TrimSpace(nodeID) == "" || strings.TrimSpace(field) == "" {
			return nil, fmt.Errorf("%w: parameter %q must look like <nodeId>.<field>", ErrInvalidInput, key)
		}
		if nodeID == toolCfg.ImageNodeID && field == toolCfg.ImageField {
			return nil, fmt.Errorf("%w: parameter %q is reserved for the input file", ErrInvalidInput, key)
		}
		nodes = append(nodes, runninghub.NodeInput{NodeID: nodeID, FieldName: field, Value: value})
	}
	return nodes, nil
}

// HandleWebhook applies a provider callback. Callbacks for tasks we do not
// know yet are accepted and left to the reconcile sweep.
func (s *JobService) HandleWebhook(ctx context.Context, body []byte) error {
	evt, err := runninghub.ParseWebhook(body)
	if err != nil {
		metrics.RecordWebhook("runninghub", "invalid")
		return fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}

	job, err := s.jobs.GetByProviderTask(ctx, evt.TaskID)
	if err != nil {
		return err
	}
	if job == nil {
		metrics.RecordWebhook("runninghub", "unknown_task")
		s.log.Info("webhook for unknown task", "task_id", evt.TaskID)
		return nil
	}
	if job.Status.Terminal() {
		metrics.RecordWebhook("runninghub", "duplicate")
		return nil
	}

	if evt.Success {
		_, err = s.complete(ctx, job.ID, evt.OutputURLs[0])
	} else {
		_, err = s.fail(ctx, job.ID, providerMessage(evt.Message))
	}
	if err != nil {
		return err
	}
	metrics.RecordWebhook("runninghub", "applied")
	return nil
}

// Reconcile refreshes one of the user's jobs from the provider.
func (s *JobService) Reconcile(ctx context.Context, userID int64, jobID string) (*models.Job, error) {
	job, err := s.owned(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	return s.reconcileJob(ctx, job)
}

// ReconcileActive polls the provider for queued and running jobs that have
// not changed for a reconcile interval.
func (s *JobService) ReconcileActive(ctx context.Context) error {
	jobs, err := s.jobs.ListByStatus(ctx, []models.JobStatus{models.JobQueued, models.JobRunning}, s.now().Add(-s.reconcileAfter), 100)
	if err != nil {
		return err
	}
	var errs []error
	for i := range jobs {
		if _, err := s.reconcileJob(ctx, &jobs[i]); err != nil {
			s.log.Warn("reconcile job", "job_id", jobs[i].ID, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FailStalePending fails jobs stuck in pending. A job that did get a
// provider task is reconciled instead, since the provider may be running it.
func (s *JobService) FailStalePending(ctx context.Context) error {
	jobs, err := s.jobs.ListByStatus(ctx, []models.JobStatus{models.JobPending}, s.now().Add(-s.pendingTimeout), 100)
	if err != nil {
		return err
	}
	var errs []error
	for i := range jobs {
		job := &jobs[i]
		if job.ProviderTaskID != "" {
			if _, err := s.reconcileJob(ctx, job); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		s.log.Warn("pending job timed out", "job_id", job.ID)
		if _, err := s.fail(ctx, job.ID, "job did not start in time"); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *JobService) reconcileJob(ctx context.Context, job *models.Job) (*models.Job, error) {
	if job.Status.Terminal() {
		return job, nil
	}
	if s.maxDuration > 0 && s.now().Sub(job.CreatedAt) > s.maxDuration {
		s.cancelProviderTask(ctx, job)
		return s.fail(ctx, job.ID, "job timed out")
	}
	if job.ProviderTaskID == "" {
		if job.Status == models.JobPending && s.now().Sub(job.CreatedAt) > s.pendingTimeout {
			return s.fail(ctx, job.ID, "job did not start in time")
		}
		return job, nil
	}

	state, err := s.provider.TaskStatus(ctx, job.ProviderTaskID)
	if err != nil {
		if errors.Is(err, runninghub.ErrTaskNotFound) {
			return s.fail(ctx, job.ID, "task was lost by the provider")
		}
		return job, err
	}

	switch state {
	case runninghub.StateQueued:
		if job.Status == models.JobPending {
			return s.move(ctx, job, models.JobQueued)
		}
	case runninghub.StateRunning:
		if job.Status != models.JobRunning {
			return s.move(ctx, job, models.JobRunning)
		}
	case runninghub.StateSuccess:
		outputs, err := s.provider.TaskOutputs(ctx, job.ProviderTaskID)
		if err != nil {
			return job, err
		}
		for _, o := range outputs {
			if o.FileURL != "" {
				return s.complete(ctx, job.ID, o.FileURL)
			}
		}
		return s.fail(ctx, job.ID, "task produced no output")
	case runninghub.StateFailed:
		return s.fail(ctx, job.ID, "task failed at the provider")
	default:
		s.log.Warn("unknown provider state", "job_id", job.ID, "state", state)
	}
	return job, nil
}

// Cancel stops one of the user's jobs and returns its credits. Cancelling an
// already cancelled job returns it unchanged.
func (s *JobService) Cancel(ctx context.Context, userID int64, jobID string) (*models.Job, error) {
	job, err := s.owned(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == models.JobCancelled {
		return job, nil
	}
	if job.Status.Terminal() {
		return nil, ErrJobNotCancellable
	}

	updated, changed, err := s.jobs.Transition(ctx, job.ID, models.JobCancelled, models.JobUpdate{ErrorMessage: "cancelled by user", Refund: true})
	if err != nil {
		return nil, err
	}
	if !changed {
		if updated != nil && updated.Status == models.JobCancelled {
			return updated, nil
		}
		return nil, ErrJobNotCancellable
	}
	s.log.Info("job cancelled", "job_id", job.ID, "user_id", userID, "refunded", updated.Refunded)
	s.announce(ctx, updated)
	s.cancelProviderTask(ctx, updated)
	return updated, nil
}

// CancelAll cancels every active job, optionally only those of one tool.
func (s *JobService) CancelAll(ctx context.Context, tool string) (int, error) {
	if tool != "" {
		if _, ok := models.ParseTool(tool); !ok {
			return 0, ErrUnknownTool
		}
	}
	jobs, err := s.jobs.ListByStatus(ctx, models.ActiveStatuses, s.now().Add(time.Minute), 1000)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	var errs []error
	for _, job := range jobs {
		if tool != "" && string(job.Tool) != tool {
			continue
		}
		updated, changed, err := s.jobs.Transition(ctx, job.ID, models.JobCancelled, models.JobUpdate{ErrorMessage: "cancelled by administrator", Refund: true})
		if err != nil {
			errs = append(errs, fmt.Errorf("cancel job %s: %w", job.ID, err))
			continue
		}
		if !changed {
			continue
		}
		cancelled++
		s.announce(ctx, updated)
		s.cancelProviderTask(ctx, updated)
	}
	s.log.Info("mass cancel finished", "tool", tool, "cancelled", cancelled, "errors", len(errs))
	return cancelled, errors.Join(errs...)
}

func (s *JobService) Get(ctx context.Context, userID int64, jobID string) (*models.Job, error) {
	return s.owned(ctx, userID, jobID)
}

func (s *JobService) List(ctx context.Context, userID int64, limit int) ([]models.Job, error) {
	return s.jobs.ListByUser(ctx, userID, limit)
}

// Active returns the user's unfinished job or nil. Clients use it to keep
// the user on the page while a job runs.
func (s *JobService) Active(ctx context.Context, userID int64) (*models.Job, error) {
	return s.jobs.ActiveForUser(ctx, userID)
}

func (s *JobService) owned(ctx context.Context, userID int64, jobID string) (*models.Job, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil || job.UserID != userID {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (s *JobService) move(ctx context.Context, job *models.Job, to models.JobStatus) (*models.Job, error) {
	updated, changed, err := s.jobs.Transition(ctx, job.ID, to, models.JobUpdate{})
	if err != nil {
		return job, err
	}
	if changed {
		s.announce(ctx, updated)
	}
	if updated == nil {
		return job, nil
	}
	return updated, nil
}

func (s *JobService) complete(ctx context.Context, jobID, outputURL string) (*models.Job, error) {
	updated, changed, err := s.jobs.Transition(ctx, jobID, models.JobCompleted, models.JobUpdate{OutputURL: outputURL})
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, ErrJobNotFound
	}
	if changed {
		s.log.Info("job completed", "job_id", jobID)
		s.announce(ctx, updated)
	}
	return updated, nil
}

func (s *JobService) fail(ctx context.Context, jobID, reason string) (*models.Job, error) {
	updated, changed, err := s.jobs.Transition(ctx, jobID, models.JobFailed, models.JobUpdate{ErrorMessage: reason, Refund: true})
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, ErrJobNotFound
	}
	if changed {
		s.log.Warn("job failed", "job_id", jobID, "reason", reason, "refunded", updated.Refunded)
		s.announce(ctx, updated)
	}
	return updated, nil
}

func (s *JobService) cancelProviderTask(ctx context.Context, job *models.Job) {
	if job.ProviderTaskID == "" {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.dispatchTimeout)
	defer cancel()
	if err := s.provider.CancelTask(cctx, job.ProviderTaskID); err != nil {
		s.log.Warn("cancel provider task", "job_id", job.ID, "task_id", job.ProviderTaskID, "err", err)
	}
}

// announce pushes a changed job to the realtime feed and, once it is
// finished, to the owner's Telegram chat.
func (s *JobService) announce(ctx context.Context, job *models.Job) {
	metrics.RecordTransition(string(job.Tool), string(job.Status))
	if s.hub != nil {
		s.hub.PublishJob(job)
	}
	if !job.Status.Terminal() {
		return
	}
	if job.Refunded {
		metrics.RecordRefund(string(job.Tool))
	}
	if s.notifier == nil || s.users == nil {
		return
	}
	user, err := s.users.GetByID(ctx, job.UserID)
	if err != nil || user == nil || user.TelegramChatID == 0 {
		return
	}
	if err := s.notifier.JobFinished(ctx, user.TelegramChatID, job); err != nil {
		s.log.Warn("notify job finished", "job_id", job.ID, "err", err)
	}
}

func providerMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "task failed at the provider"
	}
	return truncateRunes(msg, 250)
}

// truncateRunes cuts s to at most limit bytes without splitting a rune.
func truncateRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

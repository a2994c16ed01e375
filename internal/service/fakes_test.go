package service

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/digkill/arcano/internal/models"
	"github.com/digkill/arcano/internal/repository"
	"github.com/digkill/arcano/internal/runninghub"
)

var discardLog = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeJobStore struct {
	mu     sync.Mutex
	jobs   map[string]*models.Job
	now    func() time.Time
	active bool
	debits int
}

func newFakeJobStore(now func() time.Time) *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]*models.Job), now: now}
}

func (f *fakeJobStore) put(job models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = &job
}

func (f *fakeJobStore) get(id string) models.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.jobs[id]
}

func (f *fakeJobStore) CreateWithDebit(ctx context.Context, job *models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active {
		return repository.ErrActiveJobExists
	}
	for _, j := range f.jobs {
		if j.UserID == job.UserID && j.Status.Active() {
			return repository.ErrActiveJobExists
		}
	}
	job.Status = models.JobPending
	job.CreatedAt = f.now()
	job.UpdatedAt = job.CreatedAt
	cp := *job
	f.jobs[job.ID] = &cp
	f.debits++
	return nil
}

func (f *fakeJobStore) Transition(ctx context.Context, id string, to models.JobStatus, upd models.JobUpdate) (*models.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, false, nil
	}
	if !models.CanTransition(job.Status, to) {
		cp := *job
		return &cp, false, nil
	}
	job.Status = to
	job.UpdatedAt = f.now()
	if upd.OutputURL != "" {
		job.OutputURL = upd.OutputURL
	}
	if upd.ProviderTaskID != "" {
		job.ProviderTaskID = upd.ProviderTaskID
	}
	if upd.ErrorMessage != "" {
		job.ErrorMessage = upd.ErrorMessage
	}
	if upd.Refund && (to == models.JobFailed || to == models.JobCancelled) && job.Cost > 0 {
		job.Refunded = true
	}
	cp := *job
	return &cp, true, nil
}

func (f *fakeJobStore) SetProviderTask(ctx context.Context, id, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[id]; ok {
		job.ProviderTaskID = taskID
	}
	return nil
}

func (f *fakeJobStore) GetByID(ctx context.Context, id string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (f *fakeJobStore) GetByProviderTask(ctx context.Context, taskID string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, job := range f.jobs {
		if job.ProviderTaskID == taskID {
			cp := *job
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeJobStore) ActiveForUser(ctx context.Context, userID int64) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, job := range f.jobs {
		if job.UserID == userID && job.Status.Active() {
			cp := *job
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeJobStore) ListByUser(ctx context.Context, userID int64, limit int) ([]models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Job
	for _, job := range f.jobs {
		if job.UserID == userID {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (f *fakeJobStore) ListByStatus(ctx context.Context, statuses []models.JobStatus, updatedBefore time.Time, limit int) ([]models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Job
	for _, job := range f.jobs {
		for _, s := range statuses {
			if job.Status == s && job.UpdatedAt.Before(updatedBefore) {
				out = append(out, *job)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type fakeProvider struct {
	mu        sync.Mutex
	createErr error
	onCreate  func()
	created   []runninghub.TaskInput
	states    map[string]string
	statusErr error
	outputs   map[string][]runninghub.Output
	cancelled []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{states: map[string]string{}, outputs: map[string][]runninghub.Output{}}
}

func (p *fakeProvider) CreateTask(ctx context.Context, in runninghub.TaskInput) (string, error) {
	if p.onCreate != nil {
		p.onCreate()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return "", p.createErr
	}
	p.created = append(p.created, in)
	return "task-1", nil
}

func (p *fakeProvider) TaskStatus(ctx context.Context, taskID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.statusErr != nil {
		return "", p.statusErr
	}
	return p.states[taskID], nil
}

func (p *fakeProvider) TaskOutputs(ctx context.Context, taskID string) ([]runninghub.Output, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outputs[taskID], nil
}

func (p *fakeProvider) CancelTask(ctx context.Context, taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, taskID)
	return nil
}

type fakeMedia struct {
	uploads int
}

func (m *fakeMedia) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	m.uploads++
	return "https://cdn.example.com/inputs/in.png", nil
}

type fakeHub struct {
	mu     sync.Mutex
	events []models.JobStatus
}

func (h *fakeHub) PublishJob(job *models.Job) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, job.Status)
}

type fakeNotifier struct {
	chats []int64
}

func (n *fakeNotifier) JobFinished(ctx context.Context, chatID int64, job *models.Job) error {
	n.chats = append(n.chats, chatID)
	return nil
}

type fakeUsers struct {
	users map[int64]*models.User
}

func (u *fakeUsers) GetByID(ctx context.Context, id int64) (*models.User, error) {
	return u.users[id], nil
}

type fakeInvoker struct {
	mu    sync.Mutex
	err   error
	calls []map[string]any
}

func (i *fakeInvoker) Invoke(ctx context.Context, name string, payload any) ([]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if p, ok := payload.(map[string]any); ok {
		i.calls = append(i.calls, p)
	}
	return nil, i.err
}

type fakeUserStore struct {
	mu    sync.Mutex
	users map[int64]*models.User
	chats map[int64]int64
}

func newFakeUserStore(users ...models.User) *fakeUserStore {
	s := &fakeUserStore{users: map[int64]*models.User{}, chats: map[int64]int64{}}
	for _, u := range users {
		s.users[u.ID] = &u
	}
	return s
}

func (s *fakeUserStore) Ensure(ctx context.Context, authID, email string) (*models.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.AuthID == authID {
			cp := *u
			return &cp, false, nil
		}
	}
	u := &models.User{ID: int64(len(s.users) + 1), AuthID: authID, Email: email}
	s.users[u.ID] = u
	cp := *u
	return &cp, true, nil
}

func (s *fakeUserStore) GetByID(ctx context.Context, id int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *fakeUserStore) SetTelegramChatID(ctx context.Context, userID, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[userID] = chatID
	return nil
}

func (s *fakeUserStore) ListTelegramChatIDs(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for _, id := range s.chats {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// fakeLedger applies entries to the user store and ignores repeated references.
type fakeLedger struct {
	mu      sync.Mutex
	users   *fakeUserStore
	entries []models.CreditTransaction
	refs    map[string]bool
}

func newFakeLedger(users *fakeUserStore) *fakeLedger {
	return &fakeLedger{users: users, refs: map[string]bool{}}
}

func (l *fakeLedger) Grant(ctx context.Context, e models.CreditTransaction) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refs[e.Reference] {
		return false, nil
	}
	l.refs[e.Reference] = true
	l.entries = append(l.entries, e)
	if l.users != nil {
		l.users.mu.Lock()
		if u, ok := l.users.users[e.UserID]; ok {
			u.MonthlyCredits += e.MonthlyDelta
			u.LifetimeCredits += e.LifetimeDelta
		}
		l.users.mu.Unlock()
	}
	return true, nil
}

func (l *fakeLedger) History(ctx context.Context, userID int64, limit int) ([]models.CreditTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.CreditTransaction
	for _, e := range l.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

type appliedSubscription struct {
	userID, planID int64
	days, credits  int
	reference      string
}

type fakePremium struct {
	mu      sync.Mutex
	rows    map[int64]*models.Premium
	applied []appliedSubscription
	expired []int64
}

func newFakePremium() *fakePremium {
	return &fakePremium{rows: map[int64]*models.Premium{}}
}

func (p *fakePremium) Get(ctx context.Context, userID int64) (*models.Premium, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	row, ok := p.rows[userID]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (p *fakePremium) ApplySubscription(ctx context.Context, userID, planID int64, days, credits int, reference string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.applied {
		if a.reference == reference {
			return false, nil
		}
	}
	p.applied = append(p.applied, appliedSubscription{userID: userID, planID: planID, days: days, credits: credits, reference: reference})
	return true, nil
}

func (p *fakePremium) ListExpired(ctx context.Context, now time.Time, limit int) ([]models.Premium, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Premium
	for _, row := range p.rows {
		if row.Status == "active" && !row.ExpiresAt.After(now) {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (p *fakePremium) Expire(ctx context.Context, userID int64, now time.Time) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	row, ok := p.rows[userID]
	if !ok || row.Status != "active" {
		return false, nil
	}
	row.Status = "expired"
	p.expired = append(p.expired, userID)
	return true, nil
}

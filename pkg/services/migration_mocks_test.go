package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/crm-migrations/pkg/apperrors"
	"github.com/ekaya-inc/crm-migrations/pkg/models"
	"github.com/ekaya-inc/crm-migrations/pkg/services/rowproc"
	"github.com/ekaya-inc/crm-migrations/pkg/services/workqueue"
)

// passthroughScope stands in for database.NewScopeFunc in unit tests.
func passthroughScope(ctx context.Context) (context.Context, func(), error) {
	return ctx, func() {}, nil
}

// mockMigrationRepository keeps migrations in memory and applies the same
// status guards as the SQL repository.
type mockMigrationRepository struct {
	mu         sync.Mutex
	migrations map[uuid.UUID]*models.Migration

	completedCalls int
	errorCalls     int
	progress       []models.MigrationProgress
	progressErr    error
	// claimErr fails the next ClaimForProcessing call once.
	claimErr error
}

func newMockMigrationRepository() *mockMigrationRepository {
	return &mockMigrationRepository{migrations: make(map[uuid.UUID]*models.Migration)}
}

// seed stores a migration in the given state.
func (r *mockMigrationRepository) seed(t models.EntityType, status models.MigrationStatus, highPriority bool, createdAt time.Time) *models.Migration {
	cfg, _ := models.NewMigrationConfig(t)
	m := &models.Migration{
		ID:             uuid.New(),
		EntityType:     t,
		SourceID:       "generic",
		Config:         cfg,
		Status:         status,
		IsHighPriority: highPriority,
		CreatedBy:      "user-1",
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
	if status == models.MigrationStatusInProgress {
		hb := time.Now()
		m.LastHeartbeat = &hb
	}
	r.mu.Lock()
	r.migrations[m.ID] = m
	r.mu.Unlock()
	return m
}

func (r *mockMigrationRepository) status(id uuid.UUID) models.MigrationStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.migrations[id].Status
}

func (r *mockMigrationRepository) snapshot(id uuid.UUID) models.Migration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.migrations[id]
}

func (r *mockMigrationRepository) Create(_ context.Context, m *models.Migration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Status == "" {
		m.Status = models.MigrationStatusCreated
	}
	m.CreatedAt = time.Now()
	cp := *m
	r.migrations[m.ID] = &cp
	return nil
}

func (r *mockMigrationRepository) GetByID(_ context.Context, id uuid.UUID) (*models.Migration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.migrations[id]
	if !ok {
		return nil, fmt.Errorf("%w: migration %s", apperrors.ErrNotFound, id)
	}
	cp := *m
	return &cp, nil
}

func (r *mockMigrationRepository) List(_ context.Context, f models.MigrationListFilter) ([]*models.Migration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Migration
	for _, m := range r.migrations {
		if m.CreatedBy == f.CreatedBy && (f.EntityType == "" || m.EntityType == f.EntityType) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *mockMigrationRepository) Count(ctx context.Context, f models.MigrationListFilter) (int, error) {
	items, err := r.List(ctx, f)
	return len(items), err
}

func (r *mockMigrationRepository) UpdateConfig(_ context.Context, id uuid.UUID, cfg models.MigrationConfig) (*models.Migration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.migrations[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	if !m.Status.IsConfigurable() {
		return nil, apperrors.ErrInvalidState
	}
	m.Config = cfg
	m.UpdatedAt = time.Now()
	cp := *m
	return &cp, nil
}

func (r *mockMigrationRepository) CompleteConfig(ctx context.Context, id uuid.UUID, cfg models.MigrationConfig, hp bool) (*models.Migration, error) {
	if _, err := r.UpdateConfig(ctx, id, cfg); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.migrations[id]
	m.Status = models.MigrationStatusConfigCompleted
	m.IsHighPriority = hp
	cp := *m
	return &cp, nil
}

func (r *mockMigrationRepository) claimLocked(m *models.Migration) *models.Migration {
	now := time.Now()
	m.Status = models.MigrationStatusInProgress
	m.StartedAt = &now
	m.LastHeartbeat = &now
	cp := *m
	return &cp
}

func (r *mockMigrationRepository) ClaimForProcessing(_ context.Context, id uuid.UUID) (*models.Migration, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.claimErr; err != nil {
		r.claimErr = nil
		return nil, false, err
	}
	m, ok := r.migrations[id]
	if !ok || m.Status != models.MigrationStatusConfigCompleted {
		return nil, false, nil
	}
	return r.claimLocked(m), true, nil
}

func (r *mockMigrationRepository) ListStalledPriority(_ context.Context, completedBefore time.Time) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stalled []*models.Migration
	for _, m := range r.migrations {
		if m.Status == models.MigrationStatusConfigCompleted && m.IsHighPriority && m.UpdatedAt.Before(completedBefore) {
			stalled = append(stalled, m)
		}
	}
	sort.Slice(stalled, func(i, j int) bool { return stalled[i].CreatedAt.Before(stalled[j].CreatedAt) })
	ids := make([]uuid.UUID, len(stalled))
	for i, m := range stalled {
		ids[i] = m.ID
	}
	return ids, nil
}

func (r *mockMigrationRepository) ClaimNextPending(_ context.Context) (*models.Migration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var next *models.Migration
	for _, m := range r.migrations {
		if m.Status != models.MigrationStatusConfigCompleted || m.IsHighPriority {
			continue
		}
		if next == nil || m.CreatedAt.Before(next.CreatedAt) {
			next = m
		}
	}
	if next == nil {
		return nil, nil
	}
	return r.claimLocked(next), nil
}

func (r *mockMigrationRepository) CountInProgress(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.migrations {
		if m.Status == models.MigrationStatusInProgress {
			n++
		}
	}
	return n, nil
}

func (r *mockMigrationRepository) MarkIdleAsError(_ context.Context, idleSince time.Time, msg string) ([]*models.Migration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Migration
	for _, m := range r.migrations {
		if m.Status == models.MigrationStatusInProgress && m.LastHeartbeat != nil && m.LastHeartbeat.Before(idleSince) {
			m.Status = models.MigrationStatusError
			m.ErrorMessage = &msg
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *mockMigrationRepository) UpdateProgress(_ context.Context, id uuid.UUID, p models.MigrationProgress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.progressErr != nil {
		return r.progressErr
	}
	r.progress = append(r.progress, p)
	m := r.migrations[id]
	if m.Status == models.MigrationStatusInProgress {
		m.ItemsProcessed, m.ItemsError, m.LastProgress = p.ItemsProcessed, p.ItemsError, p.LastProgress
	}
	return nil
}

func (r *mockMigrationRepository) Heartbeat(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m := r.migrations[id]; m.Status == models.MigrationStatusInProgress {
		now := time.Now()
		m.LastHeartbeat = &now
	}
	return nil
}

func (r *mockMigrationRepository) MarkCompleted(_ context.Context, id uuid.UUID, processed, failed int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completedCalls++
	m := r.migrations[id]
	if m.Status != models.MigrationStatusInProgress {
		return false, nil
	}
	m.Status = models.MigrationStatusCompleted
	m.ItemsProcessed, m.ItemsError, m.LastProgress = processed, failed, 100
	return true, nil
}

func (r *mockMigrationRepository) MarkError(_ context.Context, id uuid.UUID, msg string, processed, failed int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errorCalls++
	m := r.migrations[id]
	if m.Status != models.MigrationStatusInProgress {
		return false, nil
	}
	m.Status = models.MigrationStatusError
	m.ErrorMessage = &msg
	m.ItemsProcessed, m.ItemsError = processed, failed
	return true, nil
}

// mockQueue records enqueued tasks without running them.
type mockQueue struct {
	mu    sync.Mutex
	tasks []workqueue.Task
	err   error
	// busy is what Running reports for the batch lane.
	busy int
}

func (q *mockQueue) Running(lane workqueue.Lane) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if lane == workqueue.LaneBatch {
		return q.busy
	}
	return 0
}

func (q *mockQueue) Enqueue(task workqueue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *mockQueue) lanes() []workqueue.Lane {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]workqueue.Lane, len(q.tasks))
	for i, t := range q.tasks {
		out[i] = t.Lane()
	}
	return out
}

// completingRunner marks every run completed, like a worker over an empty sheet.
type completingRunner struct {
	repo *mockMigrationRepository
	mu   sync.Mutex
	runs []uuid.UUID
}

func (r *completingRunner) Run(ctx context.Context, m *models.Migration) error {
	r.mu.Lock()
	r.runs = append(r.runs, m.ID)
	r.mu.Unlock()
	_, err := r.repo.MarkCompleted(ctx, m.ID, 0, 0)
	return err
}

func (r *completingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// recordingBroadcaster keeps every published event.
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []models.ProgressEvent
	chans  []string
}

func (b *recordingBroadcaster) Publish(_ context.Context, channel string, event any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ev, ok := event.(models.ProgressEvent); ok {
		b.events = append(b.events, ev)
		b.chans = append(b.chans, channel)
	}
}

func (b *recordingBroadcaster) messages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Message
	}
	return out
}

// mockFileStore keeps files in memory.
type mockFileStore struct {
	mu      sync.Mutex
	files   map[string][]byte
	saveErr map[string]error // by file name
	n       int
}

func newMockFileStore() *mockFileStore {
	return &mockFileStore{files: make(map[string][]byte), saveErr: make(map[string]error)}
}

func (s *mockFileStore) Save(_ context.Context, folder, name string, r io.Reader) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.saveErr[name]; err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.n++
	p := fmt.Sprintf("%s/%d-%s", folder, s.n, name)
	s.files[p] = data
	return p, nil
}

func (s *mockFileStore) Open(_ context.Context, p string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrNotFound, p)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *mockFileStore) URL(p string) string { return "https://files.test/" + p }

func (s *mockFileStore) put(p, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[p] = []byte(content)
}

func (s *mockFileStore) savedWithSuffix(suffix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for p := range s.files {
		if strings.HasSuffix(p, suffix) {
			out = append(out, p)
		}
	}
	return out
}

// mockReporter records reports.
type mockReporter struct {
	mu      sync.Mutex
	reports []*models.Migration
	results []*rowproc.Result
	err     error
}

func (r *mockReporter) Report(_ context.Context, m *models.Migration, res *rowproc.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, m)
	r.results = append(r.results, res)
	return r.err
}

// mockPeople and mockSearchProjects back search project runs.
type mockPeople struct {
	emails map[models.PersonKind]map[string]int64
}

func (p *mockPeople) FindIDByEmail(_ context.Context, kind models.PersonKind, email string) (int64, bool, error) {
	id, ok := p.emails[kind][strings.ToLower(strings.TrimSpace(email))]
	return id, ok, nil
}

func (p *mockPeople) CreateName(context.Context, *models.Name) error { return nil }

type mockSearchProjects struct {
	mu      sync.Mutex
	members map[int64]models.SearchProjectMembers
}

func (s *mockSearchProjects) GetByID(_ context.Context, id int64) (*models.SearchProject, error) {
	return &models.SearchProject{ID: id, Name: "roster"}, nil
}

func (s *mockSearchProjects) Create(_ context.Context, p *models.SearchProject) error {
	p.ID = 1
	return nil
}

func (s *mockSearchProjects) AddMembers(_ context.Context, id int64, m models.SearchProjectMembers) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members == nil {
		s.members = make(map[int64]models.SearchProjectMembers)
	}
	s.members[id] = m
	return nil
}

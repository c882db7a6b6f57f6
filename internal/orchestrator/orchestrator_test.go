package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossdock/pricing-engine/internal/exporter"
	"github.com/crossdock/pricing-engine/internal/lookup"
	"github.com/crossdock/pricing-engine/internal/observability"
	"github.com/crossdock/pricing-engine/internal/progress"
	"github.com/crossdock/pricing-engine/internal/task"
)

// memoryRepository is an in-memory task.Repository with the same
// compare-and-set semantics as the SQL implementation.
type memoryRepository struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*task.Task
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{tasks: make(map[uuid.UUID]*task.Task)}
}

func (r *memoryRepository) Create(ctx context.Context, t *task.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.Status = task.StatusPending
	t.CreatedAt = time.Now().UTC()
	clone := *t
	r.tasks[t.ID] = &clone
	return nil
}

func (r *memoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	clone := *t
	return &clone, nil
}

func (r *memoryRepository) Claim(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	if t.Status != task.StatusPending {
		return task.ErrAlreadyClaimed
	}
	now := time.Now().UTC()
	t.Status = task.StatusRunning
	t.StartedAt = &now
	return nil
}

func (r *memoryRepository) MarkSuccess(ctx context.Context, id uuid.UUID, resultLocation string) error {
	return r.finish(id, task.StatusSuccess, resultLocation, "")
}

func (r *memoryRepository) MarkFailure(ctx context.Context, id uuid.UUID, errorDetail string) error {
	return r.finish(id, task.StatusFailure, "", errorDetail)
}

func (r *memoryRepository) finish(id uuid.UUID, status task.Status, location, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	if t.Status != task.StatusRunning {
		return task.ErrNotRunning
	}
	now := time.Now().UTC()
	t.Status = status
	t.ResultLocation = location
	t.ErrorDetail = detail
	t.CompletedAt = &now
	return nil
}

func (r *memoryRepository) List(ctx context.Context, limit int) ([]*task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*task.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		clone := *t
		out = append(out, &clone)
	}
	return out, nil
}

// stubOffers maps "brand|article" to offers; unknown items fail the lookup.
type stubOffers struct {
	mu     sync.Mutex
	offers map[string][]lookup.Offer
	calls  int
	inTask int
}

func (s *stubOffers) GetOffers(ctx context.Context, brand, article, group string) ([]lookup.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if _, ok := progress.TaskIDFromContext(ctx); ok {
		s.inTask++
	}
	offers, ok := s.offers[brand+"|"+article]
	if !ok {
		return nil, fmt.Errorf("%w: no path succeeded", lookup.ErrLookupFailed)
	}
	return offers, nil
}

// recordingExporter captures exported rows.
type recordingExporter struct {
	mu       sync.Mutex
	rows     [][]exporter.Row
	err      error
	location string
}

func (e *recordingExporter) Export(ctx context.Context, rows []exporter.Row) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rows = append(e.rows, rows)
	if e.err != nil {
		return "", e.err
	}
	if e.location == "" {
		return "/media/exports/cross_dock_test.xlsx", nil
	}
	return e.location, nil
}

func (e *recordingExporter) lastRows() []exporter.Row {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.rows) == 0 {
		return nil
	}
	return e.rows[len(e.rows)-1]
}

// recordingReporter captures progress updates per task.
type recordingReporter struct {
	mu      sync.Mutex
	updates []progress.Update
}

func (r *recordingReporter) Publish(ctx context.Context, taskID uuid.UUID, u progress.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recordingReporter) stages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.updates))
	for _, u := range r.updates {
		out = append(out, u.Stage)
	}
	return out
}

type testHarness struct {
	repo     *memoryRepository
	offers   *stubOffers
	exporter *recordingExporter
	reporter *recordingReporter
	orch     *Orchestrator
}

func newTestHarness(cfg Config) *testHarness {
	h := &testHarness{
		repo: newMemoryRepository(),
		offers: &stubOffers{offers: map[string][]lookup.Offer{
			"bosch|0986452041": {
				{Price: 10, Quantity: 5, Supplier: "B"},
				{Price: 10, Quantity: 9, Supplier: "A"},
				{Price: 5, Quantity: 1, Supplier: "C"},
				{Price: 20, Quantity: 1, Supplier: "D"},
			},
		}},
		exporter: &recordingExporter{},
		reporter: &recordingReporter{},
	}
	h.orch = New(observability.Discard(), h.repo, h.offers, h.exporter, h.reporter, cfg)
	return h
}

func TestSubmit_RejectsInvalidInput(t *testing.T) {
	h := newTestHarness(Config{})

	tests := []struct {
		name  string
		items []task.Item
		group string
	}{
		{"no items", nil, "west"},
		{"empty group", []task.Item{{Brand: "b", SKU: "a"}}, ""},
		{"blank group", []task.Item{{Brand: "b", SKU: "a"}}, "   "},
		{"empty brand", []task.Item{{Brand: "", SKU: "a"}}, "west"},
		{"empty article", []task.Item{{Brand: "b", SKU: ""}}, "west"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Submit(context.Background(), tt.items, tt.group)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}

	assert.Empty(t, h.repo.tasks, "rejected submissions must not create tasks")
}

func TestSubmit_CreatesPendingTask(t *testing.T) {
	h := newTestHarness(Config{})

	id, err := h.orch.Submit(context.Background(), []task.Item{{Brand: "bosch", SKU: "0986452041"}}, "west")
	require.NoError(t, err)

	got, err := h.orch.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
}

func submitAndRun(t *testing.T, h *testHarness, items []task.Item) *task.Task {
	t.Helper()
	ctx := context.Background()

	id, err := h.orch.Submit(ctx, items, "west")
	require.NoError(t, err)
	require.NoError(t, h.orch.Run(ctx, id))

	got, err := h.repo.GetByID(ctx, id)
	require.NoError(t, err)
	return got
}

func TestRun_SuccessRanksAndExports(t *testing.T) {
	h := newTestHarness(Config{TopN: 3})

	got := submitAndRun(t, h, []task.Item{{Brand: "bosch", SKU: "0986452041"}})

	assert.Equal(t, task.StatusSuccess, got.Status)
	assert.Equal(t, "/media/exports/cross_dock_test.xlsx", got.ResultLocation)
	require.NotNil(t, got.CompletedAt)

	rows := h.exporter.lastRows()
	require.Len(t, rows, 1)
	require.Len(t, rows[0].Offers, 3, "only the top offers survive ranking")
	assert.Equal(t, "C", rows[0].Offers[0].Supplier)
	assert.Equal(t, "A", rows[0].Offers[1].Supplier)
	assert.Equal(t, "B", rows[0].Offers[2].Supplier)

	stages := h.reporter.stages()
	require.NotEmpty(t, stages)
	assert.Equal(t, progress.StageFinished, stages[len(stages)-1])
}

func TestRun_FailedItemGetsBlankRowTaskSucceeds(t *testing.T) {
	h := newTestHarness(Config{TopN: 3})

	got := submitAndRun(t, h, []task.Item{
		{Brand: "bosch", SKU: "0986452041"},
		{Brand: "nosuch", SKU: "unknown"},
	})

	assert.Equal(t, task.StatusSuccess, got.Status, "item failure must not fail the task")

	rows := h.exporter.lastRows()
	require.Len(t, rows, 2)
	assert.NotEmpty(t, rows[0].Offers)
	assert.Empty(t, rows[1].Offers, "failed item keeps its row, with no offers")
	assert.Equal(t, "nosuch", rows[1].Brand)
}

func TestRun_RowsStayInInputOrder(t *testing.T) {
	h := newTestHarness(Config{TopN: 3, ItemConcurrency: 4})
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("brand%d|art%d", i, i)
		h.offers.offers[key] = []lookup.Offer{{Price: float64(i), Quantity: 1, Supplier: "s"}}
	}

	items := make([]task.Item, 20)
	for i := range items {
		items[i] = task.Item{Brand: fmt.Sprintf("brand%d", i), SKU: fmt.Sprintf("art%d", i)}
	}

	got := submitAndRun(t, h, items)
	require.Equal(t, task.StatusSuccess, got.Status)

	rows := h.exporter.lastRows()
	require.Len(t, rows, 20)
	for i, row := range rows {
		assert.Equal(t, fmt.Sprintf("brand%d", i), row.Brand)
		require.Len(t, row.Offers, 1)
		assert.Equal(t, float64(i), row.Offers[0].Price)
	}
}

func TestRun_ExportFailureFailsTask(t *testing.T) {
	h := newTestHarness(Config{TopN: 3})
	h.exporter.err = fmt.Errorf("%w: disk full", exporter.ErrExportFailed)

	got := submitAndRun(t, h, []task.Item{{Brand: "bosch", SKU: "0986452041"}})

	assert.Equal(t, task.StatusFailure, got.Status)
	assert.Contains(t, got.ErrorDetail, "disk full")
	assert.Empty(t, got.ResultLocation)

	stages := h.reporter.stages()
	require.NotEmpty(t, stages)
	assert.Equal(t, progress.StageFailed, stages[len(stages)-1])
}

func TestRun_LostClaimRaceIsANoOp(t *testing.T) {
	h := newTestHarness(Config{TopN: 3})
	ctx := context.Background()

	id, err := h.orch.Submit(ctx, []task.Item{{Brand: "bosch", SKU: "0986452041"}}, "west")
	require.NoError(t, err)

	require.NoError(t, h.orch.Run(ctx, id))
	exports := len(h.exporter.rows)

	// Second run observes the task already terminal and does nothing.
	require.NoError(t, h.orch.Run(ctx, id))
	assert.Equal(t, exports, len(h.exporter.rows))

	got, err := h.repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, got.Status)
}

func TestRun_ConcurrentRunsProduceOneTerminalTransition(t *testing.T) {
	h := newTestHarness(Config{TopN: 3})
	ctx := context.Background()

	id, err := h.orch.Submit(ctx, []task.Item{{Brand: "bosch", SKU: "0986452041"}}, "west")
	require.NoError(t, err)

	const runners = 6
	var wg sync.WaitGroup
	errs := make([]error, runners)
	for i := 0; i < runners; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			errs[slot] = h.orch.Run(ctx, id)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, h.exporter.rows, 1, "exactly one runner may process the task")
}

func TestRun_MissingTaskIsAnError(t *testing.T) {
	h := newTestHarness(Config{})

	err := h.orch.Run(context.Background(), uuid.New())
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestRun_TaskIDTravelsToLookups(t *testing.T) {
	h := newTestHarness(Config{TopN: 3})

	submitAndRun(t, h, []task.Item{{Brand: "bosch", SKU: "0986452041"}})

	assert.Equal(t, 1, h.offers.inTask, "lookups must carry the task id in context")
}

func TestStartStop_ProcessesQueuedTasks(t *testing.T) {
	h := newTestHarness(Config{TopN: 3, Workers: 2})
	ctx := context.Background()

	h.orch.Start(ctx)

	id, err := h.orch.Submit(ctx, []task.Item{{Brand: "bosch", SKU: "0986452041"}}, "west")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := h.repo.GetByID(ctx, id)
		return err == nil && got.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	h.orch.Stop()

	got, err := h.repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, got.Status)
}

func TestRun_ProgressCoversEveryItem(t *testing.T) {
	h := newTestHarness(Config{TopN: 3, ItemConcurrency: 2})
	for i := 0; i < 4; i++ {
		key := fmt.Sprintf("b%d|a%d", i, i)
		h.offers.offers[key] = []lookup.Offer{{Price: 1, Quantity: 1, Supplier: "s"}}
	}

	items := make([]task.Item, 4)
	for i := range items {
		items[i] = task.Item{Brand: fmt.Sprintf("b%d", i), SKU: fmt.Sprintf("a%d", i)}
	}

	submitAndRun(t, h, items)

	processing := 0
	sawFull := false
	for _, u := range h.reporter.updates {
		if u.Stage == progress.StageProcessing {
			processing++
			if u.Percent == 100 {
				sawFull = true
			}
		}
	}
	assert.Equal(t, 4, processing, "one processing update per item")
	assert.True(t, sawFull, "last item must report 100 percent")
}

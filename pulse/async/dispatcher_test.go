package async

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Dm1try555/banister-backend-sub001/am"
	"github.com/Dm1try555/banister-backend-sub001/errors"
	"github.com/Dm1try555/banister-backend-sub001/export"
)

// ============================================================================
// Mission Control Dispatcher Test Universe
// ============================================================================
//
// Characters:
//   - Mission Control: accepts launch requests and assigns launch pads
//   - The launch pads: only MaxInflight of them, never more
// ============================================================================

// blockingSource holds every page read until released
type blockingSource struct {
	records []export.Record

	mu      sync.Mutex
	inPage  int
	maxSeen int
	release chan struct{}
}

func newBlockingSource(n int) *blockingSource {
	return &blockingSource{records: fakeUsers(n), release: make(chan struct{})}
}

func (b *blockingSource) Build(ctx context.Context, kind export.Kind, filters map[string]any, from, to *time.Time) (export.ResultSet, error) {
	return b, nil
}

func (b *blockingSource) Count(ctx context.Context) (int, error) {
	return len(b.records), nil
}

func (b *blockingSource) Page(ctx context.Context, page, size int) ([]export.Record, error) {
	b.mu.Lock()
	b.inPage++
	b.maxSeen = max(b.maxSeen, b.inPage)
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.inPage--
		b.mu.Unlock()
	}()

	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	start := (page - 1) * size
	return b.records[start:min(start+size, len(b.records))], nil
}

func (b *blockingSource) MaxConcurrent() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxSeen
}

func testDispatcherConfig() DispatcherConfig {
	cfg := DefaultDispatcherConfig()
	cfg.PollInterval = 20 * time.Millisecond
	cfg.StopTimeout = 5 * time.Second
	return cfg
}

func newTestDispatcher(t *testing.T, h *harness, src RecordSource, cfg DispatcherConfig) *Dispatcher {
	t.Helper()
	d := NewDispatcher(context.Background(), h.queue, h.workerWith(src), cfg, zaptest.NewLogger(t).Sugar())
	t.Cleanup(d.Stop)
	return d
}

func waitForStatus(t *testing.T, h *harness, id string, want JobStatus) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		job = h.job(id)
		return job.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func TestMissionControlRejectsInvalidSubmissions(t *testing.T) {
	h := newHarness(t)
	d := newTestDispatcher(t, h, &fakeSource{}, testDispatcherConfig())
	ctx := context.Background()

	from := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		spec JobSpec
	}{
		{"unknown filter", JobSpec{Kind: export.KindBookings, Filters: map[string]any{"colour": "blue"}}},
		{"unknown kind", JobSpec{Kind: "invoices_export"}},
		{"negative batch", JobSpec{Kind: export.KindUsers, BatchSize: -1}},
		{"batch over max", JobSpec{Kind: export.KindUsers, BatchSize: am.DefaultMaxBatchSize + 1}},
		{"inverted dates", JobSpec{Kind: export.KindUsers, DateFrom: &from, DateTo: &to}},
		{"malformed int filter", JobSpec{Kind: export.KindPayments, Filters: map[string]any{"user_id": "abc"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := d.Submit(ctx, tt.spec, "houston")
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrInvalidJobDefinition))
			assert.True(t, errors.IsInvalidRequestError(err))
			assert.Empty(t, id)
		})
	}

	page, err := d.ListJobs(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total, "no job is created")
}

func TestMissionControlAppliesDefaultBatchSize(t *testing.T) {
	h := newHarness(t)
	d := newTestDispatcher(t, h, &fakeSource{}, testDispatcherConfig())

	id, err := d.Submit(context.Background(), JobSpec{Kind: export.KindUsers, Filters: map[string]any{"is_active": "true"}}, "houston")
	require.NoError(t, err)

	job, err := d.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, am.DefaultBatchSize, job.BatchSize)
	assert.Equal(t, true, job.Filters["is_active"], "filters are stored normalised")
	assert.Equal(t, JobStatusPending, job.Status, "nothing runs before Start")
}

func TestMissionControlRunsSubmittedJob(t *testing.T) {
	h := newHarness(t)
	d := newTestDispatcher(t, h, &fakeSource{records: fakeUsers(12)}, testDispatcherConfig())
	d.Start()

	ch := d.Subscribe()
	defer d.Unsubscribe(ch)

	id, err := d.Submit(context.Background(), JobSpec{Kind: export.KindUsers, BatchSize: 5}, "houston")
	require.NoError(t, err)

	job := waitForStatus(t, h, id, JobStatusCompleted)
	assert.Equal(t, 12, job.ProcessedRecords)
	assert.Len(t, h.lines(job), 13)

	// Subscribers saw the job go through processing to completed
	seen := map[JobStatus]bool{}
	require.Eventually(t, func() bool {
		for len(ch) > 0 {
			if j := <-ch; j.ID == id {
				seen[j.Status] = true
			}
		}
		return seen[JobStatusCompleted]
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, seen[JobStatusProcessing])
}

func TestMissionControlCapsInflight(t *testing.T) {
	t.Log("🚀 Six launches, four pads")

	h := newHarness(t)
	src := newBlockingSource(3)
	cfg := testDispatcherConfig()
	cfg.MaxInflight = 4
	d := newTestDispatcher(t, h, src, cfg)
	d.Start()

	var ids []string
	for range 6 {
		id, err := d.Submit(context.Background(), JobSpec{Kind: export.KindUsers, BatchSize: 10}, "houston")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.Eventually(t, func() bool { return d.Active() == 4 }, 5*time.Second, 10*time.Millisecond)

	// Let the polling loop have a few goes; the cap must hold
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 4, d.Active())
	stats, err := h.queue.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Processing)
	assert.Equal(t, 2, stats.Pending)

	close(src.release)
	for _, id := range ids {
		waitForStatus(t, h, id, JobStatusCompleted)
	}
	assert.LessOrEqual(t, src.MaxConcurrent(), 4)
}

func TestMissionControlPollsPendingJobs(t *testing.T) {
	h := newHarness(t)

	// Submitted while no dispatcher is running, like the CLI does
	id := h.submit(JobSpec{Kind: export.KindUsers, BatchSize: 10})

	d := newTestDispatcher(t, h, &fakeSource{records: fakeUsers(3)}, testDispatcherConfig())
	d.Start()

	waitForStatus(t, h, id, JobStatusCompleted)
}

func TestMissionControlCancel(t *testing.T) {
	h := newHarness(t)
	d := newTestDispatcher(t, h, &fakeSource{records: fakeUsers(3)}, testDispatcherConfig())
	ctx := context.Background()

	id, err := d.Submit(ctx, JobSpec{Kind: export.KindUsers}, "houston")
	require.NoError(t, err)

	status, err := d.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, status)

	status, err = d.Cancel(ctx, id)
	require.NoError(t, err, "cancel is idempotent")
	assert.Equal(t, JobStatusCancelled, status)

	_, err = d.Cancel(ctx, "ghost")
	assert.True(t, errors.Is(err, errors.ErrJobNotFound))

	_, err = d.Status(ctx, "ghost")
	assert.True(t, errors.Is(err, errors.ErrJobNotFound))
}

func TestMissionControlCancelsRunningJob(t *testing.T) {
	h := newHarness(t)
	src := newBlockingSource(30)
	d := newTestDispatcher(t, h, src, testDispatcherConfig())
	d.Start()
	ctx := context.Background()

	id, err := d.Submit(ctx, JobSpec{Kind: export.KindUsers, BatchSize: 10}, "houston")
	require.NoError(t, err)
	waitForStatus(t, h, id, JobStatusProcessing)

	status, err := d.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobStatusProcessing, status)

	close(src.release)
	job := waitForStatus(t, h, id, JobStatusCancelled)
	assert.LessOrEqual(t, job.ProcessedRecords, 10, "stops within one page")
}

func TestMissionControlRecoversOrphans(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.submit(JobSpec{Kind: export.KindUsers})
	ok, err := h.queue.Claim(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = h.db.ExecContext(ctx, `UPDATE export_jobs SET heartbeat_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Hour), id)
	require.NoError(t, err)

	cfg := testDispatcherConfig()
	cfg.OrphanTimeout = time.Minute
	d := newTestDispatcher(t, h, &fakeSource{}, cfg)

	n, err := d.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job := h.job(id)
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, MessageOrphaned, *job.ErrorMessage)

	n, err = d.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMissionControlStopFailsRunningJobs(t *testing.T) {
	h := newHarness(t)
	src := newBlockingSource(30)
	d := newTestDispatcher(t, h, src, testDispatcherConfig())
	d.Start()

	id, err := d.Submit(context.Background(), JobSpec{Kind: export.KindUsers, BatchSize: 10}, "houston")
	require.NoError(t, err)
	waitForStatus(t, h, id, JobStatusProcessing)

	d.Stop()

	job := h.job(id)
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, MessageShutdown, *job.ErrorMessage)
	assert.Equal(t, 0, d.Active())

	// Submissions after Stop are persisted but not run
	next, err := d.Submit(context.Background(), JobSpec{Kind: export.KindUsers}, "houston")
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, h.job(next).Status)
}

func TestMissionControlRestart(t *testing.T) {
	h := newHarness(t)
	d := newTestDispatcher(t, h, &fakeSource{records: fakeUsers(2)}, testDispatcherConfig())

	d.Start()
	d.Stop()
	d.Start()

	id, err := d.Submit(context.Background(), JobSpec{Kind: export.KindUsers}, "houston")
	require.NoError(t, err)
	waitForStatus(t, h, id, JobStatusCompleted)
}

func TestMissionControlApplyConfig(t *testing.T) {
	h := newHarness(t)
	d := newTestDispatcher(t, h, &fakeSource{}, testDispatcherConfig())

	cfg := &am.Config{}
	cfg.Dispatcher.MaxInflight = 4
	cfg.Dispatcher.PollIntervalSeconds = 3
	cfg.Dispatcher.OrphanTimeoutSeconds = 60
	cfg.Dispatcher.StopTimeoutSeconds = 9
	cfg.Export.DefaultBatchSize = 25
	cfg.Export.MaxBatchSize = 50
	require.NoError(t, d.ApplyConfig(cfg))

	d.mu.Lock()
	got := d.config
	d.mu.Unlock()
	assert.Equal(t, 3*time.Second, got.PollInterval)
	assert.Equal(t, time.Minute, got.OrphanTimeout)
	assert.Equal(t, 25, got.DefaultBatchSize)

	_, err := d.Submit(context.Background(), JobSpec{Kind: export.KindUsers, BatchSize: 51}, "houston")
	assert.True(t, errors.Is(err, errors.ErrInvalidJobDefinition))
}

func TestMissionControlReloadsDuringLaunchRequests(t *testing.T) {
	h := newHarness(t)
	d := newTestDispatcher(t, h, &fakeSource{}, testDispatcherConfig())

	t.Log("Houston rewrites the flight rules while launch requests keep arriving")

	const rounds = 25
	var wg sync.WaitGroup
	ids := make(chan string, 2*rounds)
	errs := make(chan error, 2*rounds)

	for i := range rounds {
		wg.Add(2)
		go func() {
			defer wg.Done()
			cfg := &am.Config{}
			cfg.Dispatcher.MaxInflight = 4
			cfg.Dispatcher.PollIntervalSeconds = 10
			cfg.Dispatcher.OrphanTimeoutSeconds = 60 + i
			cfg.Dispatcher.StopTimeoutSeconds = 5
			cfg.Export.DefaultBatchSize = 10
			cfg.Export.MaxBatchSize = 50 + i*10
			errs <- d.ApplyConfig(cfg)
		}()
		go func() {
			defer wg.Done()
			batch := 0
			if i%2 == 0 {
				batch = 40
			}
			id, err := d.Submit(context.Background(), JobSpec{Kind: export.KindUsers, BatchSize: batch}, "houston")
			errs <- err
			ids <- id
		}()
	}
	wg.Wait()
	close(errs)
	close(ids)

	for err := range errs {
		require.NoError(t, err)
	}

	count := 0
	for id := range ids {
		job := h.job(id)
		assert.Equal(t, JobStatusPending, job.Status, "nothing launches before Start")
		assert.Contains(t, []int{10, 40}, job.BatchSize)
		count++
	}
	assert.Equal(t, rounds, count)
	t.Log("Every launch request was accepted under whichever rules were in force")
}

func TestMetrics(t *testing.T) {
	h := newHarness(t)
	d := newTestDispatcher(t, h, &fakeSource{}, testDispatcherConfig())
	h.submit(JobSpec{Kind: export.KindUsers})

	restore := getMemoryStats
	getMemoryStats = func() (uint64, uint64, error) { return 16 << 30, 4 << 30, nil }
	defer func() { getMemoryStats = restore }()

	m := d.Metrics(context.Background())
	assert.Equal(t, 4, m.WorkersTotal)
	assert.Equal(t, 0, m.WorkersActive)
	assert.InDelta(t, 16.0, m.MemoryTotalGB, 0.001)
	assert.InDelta(t, 75.0, m.MemoryPercent, 0.001)
	require.NotNil(t, m.Jobs)
	assert.Equal(t, 1, m.Jobs.Pending)
}

func TestCheckMemoryPressure(t *testing.T) {
	h := newHarness(t)
	cfg := testDispatcherConfig()
	cfg.MaxInflight = 8
	d := newTestDispatcher(t, h, &fakeSource{}, cfg)

	restore := getMemoryStats
	defer func() { getMemoryStats = restore }()

	getMemoryStats = func() (uint64, uint64, error) { return 2 << 30, 1 << 29, nil }
	assert.Contains(t, d.checkMemoryPressure(), "MaxInflight (8)")

	getMemoryStats = func() (uint64, uint64, error) { return 64 << 30, 32 << 30, nil }
	assert.Empty(t, d.checkMemoryPressure())

	getMemoryStats = func() (uint64, uint64, error) { return 0, 0, fmt.Errorf("unsupported") }
	assert.Empty(t, d.checkMemoryPressure())
}

func TestCalculateSafeWorkerCount(t *testing.T) {
	assert.Equal(t, 1, calculateSafeWorkerCount(0.5))
	assert.Equal(t, 4, calculateSafeWorkerCount(2.0))
	assert.Equal(t, 64, calculateSafeWorkerCount(512))
}

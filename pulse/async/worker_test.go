package async

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Dm1try555/banister-backend-sub001/errors"
	"github.com/Dm1try555/banister-backend-sub001/export"
	"github.com/Dm1try555/banister-backend-sub001/export/csv"
	"github.com/Dm1try555/banister-backend-sub001/export/source"
	banistertest "github.com/Dm1try555/banister-backend-sub001/internal/testing"
)

// ============================================================================
// Kirby Export Test Universe
// ============================================================================
//
// Characters:
//   - Kirby: The worker who inhales a result set page by page
//   - King Dedede: Keeps asking Kirby to stop halfway through
//
// Theme: Kirby swallows records in batches and spits out a CSV. Whatever
// he rejects never reaches the file, and when Dedede interrupts, nothing
// half-eaten is left lying around.
// ============================================================================

var seedBase = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type harness struct {
	t     *testing.T
	db    *sql.DB
	queue *Queue
	seed  *banistertest.Seeder
	dir   string
	sink  *recordingSink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := banistertest.CreateMigratedDB(t)
	dir := t.TempDir()
	return &harness{
		t:     t,
		db:    db,
		queue: NewQueue(db),
		seed:  banistertest.NewSeeder(t, db, seedBase),
		dir:   dir,
		sink:  &recordingSink{store: csv.NewStore(dir)},
	}
}

func (h *harness) worker(opts ...WorkerOption) *Worker {
	return h.workerWith(source.NewProvider(h.db), opts...)
}

func (h *harness) workerWith(src RecordSource, opts ...WorkerOption) *Worker {
	return NewWorker(h.queue, src, csv.NewRenderer(), h.sink, zaptest.NewLogger(h.t).Sugar(), opts...)
}

func (h *harness) submit(spec JobSpec) string {
	h.t.Helper()
	if spec.BatchSize == 0 {
		spec.BatchSize = 100
	}
	job, err := h.queue.Enqueue(context.Background(), spec, "kirby")
	require.NoError(h.t, err)
	return job.ID
}

func (h *harness) job(id string) *Job {
	h.t.Helper()
	job, err := h.queue.GetJob(context.Background(), id)
	require.NoError(h.t, err)
	return job
}

// lines returns the published artifact split into lines
func (h *harness) lines(job *Job) []string {
	h.t.Helper()
	require.NotNil(h.t, job.ResultArtifactRef)
	data, err := os.ReadFile(filepath.Join(h.dir, *job.ResultArtifactRef))
	require.NoError(h.t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

// files lists everything left in the results directory
func (h *harness) files() []string {
	h.t.Helper()
	entries, err := os.ReadDir(h.dir)
	require.NoError(h.t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// recordingSink remembers how many rows each discarded artifact held
type recordingSink struct {
	store     ArtifactSink
	appendErr error

	mu        sync.Mutex
	discarded []int
}

func (s *recordingSink) Open(kind export.Kind, jobID string, at time.Time, header []string) (export.Artifact, error) {
	a, err := s.store.Open(kind, jobID, at, header)
	if err != nil {
		return nil, err
	}
	return &recordingArtifact{Artifact: a, sink: s}, nil
}

func (s *recordingSink) Discarded() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.discarded...)
}

type recordingArtifact struct {
	export.Artifact
	sink *recordingSink
	once sync.Once
}

func (a *recordingArtifact) Append(rows [][]string) error {
	if a.sink.appendErr != nil {
		return a.sink.appendErr
	}
	return a.Artifact.Append(rows)
}

func (a *recordingArtifact) Discard() error {
	a.once.Do(func() {
		a.sink.mu.Lock()
		a.sink.discarded = append(a.sink.discarded, a.Artifact.Rows())
		a.sink.mu.Unlock()
	})
	return a.Artifact.Discard()
}

// fakeSource serves an in-memory result set
type fakeSource struct {
	records   []export.Record
	failPages map[int]bool
	buildErr  error
	panicMsg  string
}

func (f *fakeSource) Build(ctx context.Context, kind export.Kind, filters map[string]any, from, to *time.Time) (export.ResultSet, error) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	return f, nil
}

func (f *fakeSource) Count(ctx context.Context) (int, error) {
	return len(f.records), nil
}

func (f *fakeSource) Page(ctx context.Context, page, size int) ([]export.Record, error) {
	if f.failPages[page] {
		return nil, errors.Newf("disk I/O error reading page %d", page)
	}
	start := (page - 1) * size
	end := min(start+size, len(f.records))
	return f.records[start:end], nil
}

func fakeUsers(n int) []export.Record {
	recs := make([]export.Record, n)
	for i := range recs {
		fields := make(map[string]any)
		for _, col := range export.Columns(export.KindUsers) {
			fields[col] = nil
		}
		fields["id"] = int64(i + 1)
		fields["email"] = fmt.Sprintf("user%d@dreamland.test", i+1)
		recs[i] = export.Record{ID: int64(i + 1), Fields: fields}
	}
	return recs
}

func TestKirbyExportsEmptyResult(t *testing.T) {
	t.Log("⭐ Kirby is asked for ghosts and finds none")

	h := newHarness(t)
	h.seed.User("a@dreamland.test", "customer", true)

	id := h.submit(JobSpec{Kind: export.KindUsers, Filters: map[string]any{"role": "ghost"}})
	require.NoError(t, h.worker().Run(context.Background(), id))

	job := h.job(id)
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Equal(t, 0, job.TotalRecords)
	assert.Equal(t, 0, job.ProcessedRecords)
	assert.Nil(t, job.ErrorMessage)

	lines := h.lines(job)
	assert.Equal(t, []string{strings.Join(export.Columns(export.KindUsers), ",")}, lines)
}

func TestKirbyExportsSinglePage(t *testing.T) {
	h := newHarness(t)
	customer := h.seed.User("c@dreamland.test", "customer", true)
	provider := h.seed.User("p@dreamland.test", "provider", true)
	service := h.seed.Service(provider, "Deep clean", "80.00")

	var want []int64
	for i := range 42 {
		want = append(want, h.seed.Booking(customer, provider, service, "confirmed", fmt.Sprintf("%d.50", i)))
	}
	h.seed.Booking(customer, provider, service, "cancelled", "1.00")

	id := h.submit(JobSpec{Kind: export.KindBookings, Filters: map[string]any{"status": "confirmed"}})
	require.NoError(t, h.worker().Run(context.Background(), id))

	job := h.job(id)
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Equal(t, 42, job.TotalRecords)
	assert.Equal(t, 42, job.ProcessedRecords)

	lines := h.lines(job)
	require.Len(t, lines, 43)
	for i, line := range lines[1:] {
		assert.True(t, strings.HasPrefix(line, fmt.Sprintf("%d,", want[i])), "row %d out of order: %s", i, line)
	}
	assert.True(t, strings.HasPrefix(*job.ResultArtifactRef, "bookings_export_"+id+"_"))
}

func TestKirbyReportsProgressPerPage(t *testing.T) {
	h := newHarness(t)
	user := h.seed.User("payer@dreamland.test", "customer", true)
	for range 250 {
		h.seed.Payment(user, "12.00", "paid")
	}

	id := h.submit(JobSpec{Kind: export.KindPayments})

	observed := []int{h.job(id).ProcessedRecords}
	listener := func(ev ProgressEvent) {
		if ev.State == StateProgressCommitted {
			observed = append(observed, h.job(id).ProcessedRecords)
		}
	}
	require.NoError(t, h.worker(WithProgressListener(listener)).Run(context.Background(), id))

	assert.Equal(t, []int{0, 100, 200, 250}, observed)
	job := h.job(id)
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Len(t, h.lines(job), 251)
}

func TestKirbySpitsOutRejectedPayments(t *testing.T) {
	h := newHarness(t)
	user := h.seed.User("payer@dreamland.test", "customer", true)
	for _, amount := range []string{"10.00", "0.00", "5.25", "-3.00", "7.00", "8.00", "0", "9.99", "1.00", "2.00"} {
		h.seed.Payment(user, amount, "paid")
	}

	id := h.submit(JobSpec{Kind: export.KindPayments, BatchSize: 4})
	require.NoError(t, h.worker().Run(context.Background(), id))

	job := h.job(id)
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Equal(t, 10, job.TotalRecords)
	assert.Equal(t, 7, job.ProcessedRecords)

	lines := h.lines(job)
	assert.Len(t, lines, 8)
	for _, line := range lines[1:] {
		assert.NotContains(t, line, ",0.00,")
		assert.NotContains(t, line, ",-3.00,")
	}
}

func TestDededeCancelsMidRun(t *testing.T) {
	t.Log("👑 King Dedede interrupts Kirby after the first page")

	h := newHarness(t)
	for i := range 1000 {
		h.seed.User(fmt.Sprintf("u%d@dreamland.test", i), "customer", true)
	}

	id := h.submit(JobSpec{Kind: export.KindUsers})

	var states []WorkerState
	listener := func(ev ProgressEvent) {
		states = append(states, ev.State)
		if ev.State == StateProgressCommitted && ev.Processed >= 100 && ev.Processed < 200 {
			status, err := h.queue.CancelJob(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, JobStatusProcessing, status)
		}
	}
	require.NoError(t, h.worker(WithProgressListener(listener)).Run(context.Background(), id))

	job := h.job(id)
	assert.Equal(t, JobStatusCancelled, job.Status)
	assert.Equal(t, 100, job.ProcessedRecords, "stops at the next page boundary")
	assert.Nil(t, job.ResultArtifactRef)
	assert.Nil(t, job.ErrorMessage)
	assert.NotContains(t, states, StateFinalizing)
	assert.Equal(t, StateCancelled, states[len(states)-1])

	assert.Equal(t, []int{100}, h.sink.Discarded(), "partial artifact held exactly the committed rows")
	assert.Empty(t, h.files(), "nothing published or left partial")
}

func TestKirbyLosesClaimRace(t *testing.T) {
	h := newHarness(t)
	id := h.submit(JobSpec{Kind: export.KindUsers})

	ok, err := h.queue.Claim(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.worker().Run(context.Background(), id))

	job := h.job(id)
	assert.Equal(t, JobStatusProcessing, job.Status, "the loser leaves the winner's job alone")
	assert.Empty(t, h.files())
}

func TestKirbyRunsUnknownJob(t *testing.T) {
	h := newHarness(t)
	err := h.worker().Run(context.Background(), "ghost")
	assert.True(t, errors.Is(err, errors.ErrJobNotFound))
}

func TestKirbySkipsUnreadablePages(t *testing.T) {
	h := newHarness(t)
	src := &fakeSource{records: fakeUsers(25), failPages: map[int]bool{2: true}}

	id := h.submit(JobSpec{Kind: export.KindUsers, BatchSize: 10})
	require.NoError(t, h.workerWith(src).Run(context.Background(), id))

	job := h.job(id)
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Equal(t, 25, job.TotalRecords)
	assert.Equal(t, 15, job.ProcessedRecords)
	assert.Len(t, h.lines(job), 16)
}

func TestKirbyKeepsBreathingThroughUnreadablePages(t *testing.T) {
	h := newHarness(t)
	src := &fakeSource{records: fakeUsers(25), failPages: map[int]bool{1: true, 2: true, 3: true}}
	id := h.submit(JobSpec{Kind: export.KindUsers, BatchSize: 10})

	t.Log("🌬️ Every page is unreadable, Kirby's heartbeat must keep moving anyway")

	var mu sync.Mutex
	tick := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h.queue.Store().now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick = tick.Add(time.Minute)
		return tick
	}

	require.NoError(t, h.workerWith(src).Run(context.Background(), id))

	job := h.job(id)
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Equal(t, 0, job.ProcessedRecords)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.HeartbeatAt)

	// claim, count, then one refresh per skipped page
	assert.Equal(t, 4*time.Minute, job.HeartbeatAt.Sub(*job.StartedAt))
}

func TestKirbySkipsUnrenderableRecords(t *testing.T) {
	h := newHarness(t)
	recs := fakeUsers(3)
	recs[1].Fields["phone_number"] = struct{}{}

	id := h.submit(JobSpec{Kind: export.KindUsers})
	require.NoError(t, h.workerWith(&fakeSource{records: recs}).Run(context.Background(), id))

	job := h.job(id)
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.ProcessedRecords)
}

func TestKirbyFailsWhenArtifactWriteFails(t *testing.T) {
	h := newHarness(t)
	h.sink.appendErr = errors.New("no space left on device")

	id := h.submit(JobSpec{Kind: export.KindUsers})
	err := h.workerWith(&fakeSource{records: fakeUsers(5)}).Run(context.Background(), id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrFatalWorker))

	job := h.job(id)
	assert.Equal(t, JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "no space left on device")
	assert.Nil(t, job.ResultArtifactRef)
	assert.Equal(t, 0, job.ProcessedRecords)
	assert.Empty(t, h.files())
}

func TestKirbyRecoversFromPanic(t *testing.T) {
	h := newHarness(t)

	id := h.submit(JobSpec{Kind: export.KindUsers})
	err := h.workerWith(&fakeSource{panicMsg: "bad query plan"}).Run(context.Background(), id)
	require.Error(t, err)

	job := h.job(id)
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Contains(t, *job.ErrorMessage, "bad query plan")
}

func TestKirbyTimesOut(t *testing.T) {
	h := newHarness(t)
	h.seed.User("a@dreamland.test", "customer", true)

	id := h.submit(JobSpec{Kind: export.KindUsers})
	err := h.worker(WithJobTimeout(time.Nanosecond)).Run(context.Background(), id)
	require.Error(t, err)

	job := h.job(id)
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, MessageTimeout, *job.ErrorMessage)
}

func TestKirbyStopsOnShutdown(t *testing.T) {
	h := newHarness(t)
	id := h.submit(JobSpec{Kind: export.KindUsers, BatchSize: 10})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	listener := func(ev ProgressEvent) {
		if ev.State == StateProgressCommitted {
			cancel()
		}
	}

	err := h.workerWith(&fakeSource{records: fakeUsers(50)}, WithProgressListener(listener)).Run(ctx, id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	job := h.job(id)
	assert.Equal(t, JobStatusFailed, job.Status, "a claimed job never returns to pending")
	assert.Equal(t, MessageShutdown, *job.ErrorMessage)
	assert.Equal(t, 10, job.ProcessedRecords)
	assert.Equal(t, []int{10}, h.sink.Discarded())
}

func TestKirbyIsDeterministic(t *testing.T) {
	h := newHarness(t)
	for i := range 30 {
		h.seed.User(fmt.Sprintf("u%d@dreamland.test", i), "customer", i%3 != 0)
	}

	spec := JobSpec{Kind: export.KindUsers, Filters: map[string]any{"is_active": true}, BatchSize: 7}
	a := h.submit(spec)
	b := h.submit(spec)
	w := h.worker()
	require.NoError(t, w.Run(context.Background(), a))
	require.NoError(t, w.Run(context.Background(), b))

	assert.Equal(t, h.lines(h.job(a)), h.lines(h.job(b)))
}

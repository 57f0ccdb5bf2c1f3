package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/medscan/internal/repository"
	"github.com/example/medscan/internal/scanner"
	"github.com/example/medscan/internal/session"
)

var (
	pngBytes  = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")
	jpegBytes = []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00\x01\x01\x00\x00\x01\x00\x01\x00\x00")

	paracetamol = scanner.MedicineRecord{
		Name:        "Paracetamol",
		Uses:        "Pain relief",
		Dosage:      "500mg",
		SideEffects: "Nausea",
		Precautions: "Avoid alcohol",
	}
)

type scanCall struct {
	image   scanner.Image
	release chan struct{}
	record  *scanner.MedicineRecord
	err     error
}

// stubScanner answers each call with the next queued response. Calls with
// a release channel block until it is closed.
type stubScanner struct {
	mu        sync.Mutex
	responses []*scanCall
	calls     []scanner.Image
	started   chan struct{}
}

func (s *stubScanner) Scan(ctx context.Context, img scanner.Image) (*scanner.MedicineRecord, error) {
	s.mu.Lock()
	s.calls = append(s.calls, img)
	var call *scanCall
	if len(s.responses) > 0 {
		call = s.responses[0]
		s.responses = s.responses[1:]
	}
	s.mu.Unlock()

	if s.started != nil {
		s.started <- struct{}{}
	}
	if call == nil {
		return nil, errors.New("no response queued")
	}
	if call.release != nil {
		<-call.release
	}
	return call.record, call.err
}

func (s *stubScanner) Ping(ctx context.Context) error { return nil }

func (s *stubScanner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type stubHistory struct {
	mu      sync.Mutex
	saved   []*repository.ScanLog
	saveErr error
	counts  []repository.OutcomeCount
}

func (s *stubHistory) SaveLog(ctx context.Context, log *repository.ScanLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, log)
	return s.saveErr
}

func (s *stubHistory) FindByRequestID(ctx context.Context, requestID string) (*repository.ScanLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, log := range s.saved {
		if log.RequestID == requestID {
			return log, nil
		}
	}
	return nil, errors.New("not found")
}

func (s *stubHistory) ListRecent(ctx context.Context, limit int) ([]*repository.ScanLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > len(s.saved) {
		limit = len(s.saved)
	}
	return s.saved[:limit], nil
}

// CountByOutcome groups the saved logs unless counts is preset.
func (s *stubHistory) CountByOutcome(ctx context.Context) ([]repository.OutcomeCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts != nil {
		return s.counts, nil
	}

	var rows []repository.OutcomeCount
	index := make(map[string]int)
	for _, log := range s.saved {
		i, ok := index[log.Outcome]
		if !ok {
			i = len(rows)
			index[log.Outcome] = i
			rows = append(rows, repository.OutcomeCount{Outcome: log.Outcome})
		}
		rows[i].Count++
	}
	return rows, nil
}

type stubRecorder struct {
	mu       sync.Mutex
	outcomes []string
	stored   int
	revoked  int
	sessions int
}

func (s *stubRecorder) RecordScan(outcome string, duration time.Duration) {
	s.mu.Lock()
	s.outcomes = append(s.outcomes, outcome)
	s.mu.Unlock()
}

func (s *stubRecorder) PreviewStored() {
	s.mu.Lock()
	s.stored++
	s.mu.Unlock()
}

func (s *stubRecorder) PreviewRevoked() {
	s.mu.Lock()
	s.revoked++
	s.mu.Unlock()
}

func (s *stubRecorder) SetSessions(n int) {
	s.mu.Lock()
	s.sessions = n
	s.mu.Unlock()
}

type fixture struct {
	uc       *ScanUseCase
	scanner  *stubScanner
	history  *stubHistory
	recorder *stubRecorder
	cache    *MemoryCache
	sessions *session.Registry
}

func newFixture(responses ...*scanCall) *fixture {
	f := &fixture{
		scanner:  &stubScanner{responses: responses},
		history:  &stubHistory{},
		recorder: &stubRecorder{},
		cache:    NewMemoryCache(),
		sessions: session.NewRegistry(),
	}
	previews := NewPreviewStore(f.cache, time.Minute, zap.NewNop())
	f.uc = NewScanUseCase(f.sessions, previews, f.scanner, f.history, f.recorder, zap.NewNop())
	return f
}

func TestScanSuccessRendersRecord(t *testing.T) {
	f := newFixture(&scanCall{record: &paracetamol})
	sess, _ := f.uc.Session("")

	snap := f.uc.Scan(context.Background(), sess, scanner.Image{Filename: "pill.png", Data: pngBytes})

	if snap.State.Kind() != session.Success {
		t.Fatalf("expected success, got %s", snap.State.Kind())
	}
	record, _ := snap.State.Record()
	if record != paracetamol {
		t.Fatalf("unexpected record %+v", record)
	}
	if f.scanner.callCount() != 1 {
		t.Fatalf("expected one backend call, got %d", f.scanner.callCount())
	}
	if got := f.scanner.calls[0].ContentType; got != "image/png" {
		t.Fatalf("expected sniffed content type, got %q", got)
	}
	if snap.PreviewID == "" {
		t.Fatal("expected preview to be stored")
	}
	if len(f.history.saved) != 1 || f.history.saved[0].Outcome != "success" || f.history.saved[0].Medicine != "Paracetamol" {
		t.Fatalf("unexpected history %+v", f.history.saved)
	}
}

func TestScanBusinessErrorShowsMessage(t *testing.T) {
	f := newFixture(&scanCall{err: &scanner.BusinessError{Status: "error", Message: "Unrecognized medicine"}})
	sess, _ := f.uc.Session("")

	snap := f.uc.Scan(context.Background(), sess, scanner.Image{Data: pngBytes})

	msg, ok := snap.State.Message()
	if !ok || msg != "Unrecognized medicine" {
		t.Fatalf("unexpected state %s %q", snap.State.Kind(), msg)
	}
	if _, ok := snap.State.Record(); ok {
		t.Fatal("expected no record alongside an error")
	}
}

func TestScanTransportErrorKeepsCauseForOperators(t *testing.T) {
	cause := errors.New("dial tcp 127.0.0.1:5000: connect: connection refused")
	f := newFixture(&scanCall{err: &scanner.TransportError{Op: "post", Err: cause}})
	sess, _ := f.uc.Session("")

	snap := f.uc.Scan(context.Background(), sess, scanner.Image{Data: jpegBytes})

	msg, _ := snap.State.Message()
	if msg != scanner.GenericErrorMessage {
		t.Fatalf("unexpected message %q", msg)
	}
	if len(f.history.saved) != 1 {
		t.Fatalf("expected one history entry, got %d", len(f.history.saved))
	}
	saved := f.history.saved[0]
	if saved.Outcome != "transport" || saved.Message != scanner.GenericErrorMessage {
		t.Fatalf("unexpected history entry %+v", saved)
	}
	if saved.Cause == "" || saved.Cause == saved.Message {
		t.Fatalf("expected underlying cause to be persisted, got %q", saved.Cause)
	}
}

func TestScanRejectsMissingFileWithoutBackendCall(t *testing.T) {
	f := newFixture()
	sess, _ := f.uc.Session("")

	snap := f.uc.Scan(context.Background(), sess, scanner.Image{})

	msg, ok := snap.State.Message()
	if !ok || msg != scanner.ErrNoFile.Reason {
		t.Fatalf("unexpected state %s %q", snap.State.Kind(), msg)
	}
	if f.scanner.callCount() != 0 {
		t.Fatal("expected no backend call")
	}
	if f.recorder.outcomes[0] != "input" {
		t.Fatalf("unexpected outcome %v", f.recorder.outcomes)
	}
}

func TestScanRejectsNonImageContent(t *testing.T) {
	f := newFixture()
	sess, _ := f.uc.Session("")

	snap := f.uc.Scan(context.Background(), sess, scanner.Image{Filename: "notes.txt", Data: []byte("just some text")})

	msg, _ := snap.State.Message()
	if msg != scanner.ErrNotImage.Reason {
		t.Fatalf("unexpected message %q", msg)
	}
	if f.scanner.callCount() != 0 {
		t.Fatal("expected no backend call")
	}
}

func TestNewUploadRevokesPreviousPreview(t *testing.T) {
	f := newFixture(&scanCall{record: &paracetamol}, &scanCall{record: &paracetamol})
	sess, _ := f.uc.Session("")
	ctx := context.Background()

	first := f.uc.Scan(ctx, sess, scanner.Image{Data: pngBytes})
	second := f.uc.Scan(ctx, sess, scanner.Image{Data: pngBytes})

	firstRecord, _ := first.State.Record()
	secondRecord, _ := second.State.Record()
	if first.State.Kind() != second.State.Kind() || firstRecord != secondRecord {
		t.Fatalf("expected identical final states, got %+v and %+v", first.State, second.State)
	}
	if _, err := f.uc.previews.Get(ctx, first.PreviewID); !errors.Is(err, ErrPreviewNotFound) {
		t.Fatalf("expected first preview revoked, got %v", err)
	}
	if _, err := f.uc.Preview(ctx, sess, second.PreviewID); err != nil {
		t.Fatalf("expected live preview, got %v", err)
	}
	if f.cache.Len() != 1 {
		t.Fatalf("expected one stored preview, got %d", f.cache.Len())
	}
}

func TestSlowEarlierResponseDoesNotOverwriteLaterUpload(t *testing.T) {
	slow := &scanCall{release: make(chan struct{}), err: &scanner.BusinessError{Status: "error", Message: "stale"}}
	fast := &scanCall{record: &paracetamol}
	f := newFixture(slow, fast)
	f.scanner.started = make(chan struct{}, 2)
	sess, _ := f.uc.Session("")
	ctx := context.Background()

	f.uc.Submit(ctx, sess, scanner.Image{Data: pngBytes})
	<-f.scanner.started
	if sess.Snapshot().State.Kind() != session.Loading {
		t.Fatal("expected loading while the first scan is in flight")
	}

	f.uc.Submit(ctx, sess, scanner.Image{Data: jpegBytes})
	<-f.scanner.started

	deadline := time.Now().Add(2 * time.Second)
	for sess.Snapshot().State.Kind() != session.Success {
		if time.Now().After(deadline) {
			t.Fatal("second scan did not complete")
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(slow.release)
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := f.uc.Wait(waitCtx); err != nil {
		t.Fatalf("background scans did not finish: %v", err)
	}

	snap := sess.Snapshot()
	if snap.State.Kind() != session.Success {
		t.Fatalf("stale response overwrote state: %s", snap.State.Kind())
	}
	if snap.Sequence != 2 {
		t.Fatalf("unexpected sequence %d", snap.Sequence)
	}

	f.recorder.mu.Lock()
	defer f.recorder.mu.Unlock()
	if len(f.recorder.outcomes) != 2 || f.recorder.outcomes[1] != "stale" {
		t.Fatalf("expected stale outcome recorded last, got %v", f.recorder.outcomes)
	}
}

type panickingScanner struct{ stubScanner }

func (p *panickingScanner) Scan(ctx context.Context, img scanner.Image) (*scanner.MedicineRecord, error) {
	panic("backend client bug")
}

func TestDispatchPanicStillClearsLoading(t *testing.T) {
	f := newFixture()
	f.uc.scanner = &panickingScanner{}
	sess, _ := f.uc.Session("")

	snap := f.uc.Scan(context.Background(), sess, scanner.Image{Data: pngBytes})

	msg, ok := snap.State.Message()
	if !ok || msg != scanner.GenericErrorMessage {
		t.Fatalf("expected generic failure, got %s %q", snap.State.Kind(), msg)
	}
}

func TestResetRevokesPreview(t *testing.T) {
	f := newFixture(&scanCall{record: &paracetamol})
	sess, _ := f.uc.Session("")
	ctx := context.Background()

	snap := f.uc.Scan(ctx, sess, scanner.Image{Data: pngBytes})
	f.uc.Reset(ctx, sess.ID())

	if _, err := f.uc.previews.Get(ctx, snap.PreviewID); !errors.Is(err, ErrPreviewNotFound) {
		t.Fatalf("expected preview revoked, got %v", err)
	}
	if f.recorder.revoked != 1 || f.recorder.sessions != 0 {
		t.Fatalf("unexpected recorder state %+v", f.recorder)
	}
}

type failingCache struct{ *MemoryCache }

func (f *failingCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return errors.New("redis down")
}

type stuckCache struct{ *MemoryCache }

func (s *stuckCache) Del(ctx context.Context, key string) error {
	return errors.New("redis down")
}

func TestRevokeFailureNamesFailedOperation(t *testing.T) {
	f := newFixture(&scanCall{record: &paracetamol}, &scanCall{record: &paracetamol})
	core, logs := observer.New(zapcore.WarnLevel)
	previews := NewPreviewStore(&stuckCache{MemoryCache: NewMemoryCache()}, time.Minute, zap.NewNop())
	f.uc = NewScanUseCase(f.sessions, previews, f.scanner, f.history, f.recorder, zap.New(core))
	sess, _ := f.uc.Session("")

	f.uc.Scan(context.Background(), sess, scanner.Image{Data: pngBytes})
	f.uc.Scan(context.Background(), sess, scanner.Image{Data: jpegBytes})

	entries := logs.FilterMessage("failed to revoke preview").All()
	if len(entries) != 1 {
		t.Fatalf("expected one revoke failure, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["failed_operation"]; got != "preview.revoke" {
		t.Fatalf("unexpected failed operation %v", got)
	}
}

func TestScanProceedsWithoutPreviewWhenStoreFails(t *testing.T) {
	f := newFixture(&scanCall{record: &paracetamol})
	f.uc.previews = NewPreviewStore(&failingCache{MemoryCache: NewMemoryCache()}, time.Minute, zap.NewNop())
	sess, _ := f.uc.Session("")

	snap := f.uc.Scan(context.Background(), sess, scanner.Image{Data: pngBytes})

	if snap.State.Kind() != session.Success {
		t.Fatalf("expected success, got %s", snap.State.Kind())
	}
	if snap.PreviewID != "" {
		t.Fatalf("expected no preview, got %q", snap.PreviewID)
	}
}

func TestMemoryCacheReportsMissAsRedisNil(t *testing.T) {
	cache := NewMemoryCache()
	now := time.Now()
	cache.now = func() time.Time { return now }

	if _, err := cache.Get(context.Background(), "missing"); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil, got %v", err)
	}

	_ = cache.Set(context.Background(), "k", "v", time.Second)
	now = now.Add(2 * time.Second)
	if _, err := cache.Get(context.Background(), "k"); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected expired entry to miss, got %v", err)
	}
}

func TestGetMetricsSummary(t *testing.T) {
	f := newFixture()
	f.history.counts = []repository.OutcomeCount{
		{Outcome: "success", Count: 3, AverageLatencyMs: 100},
		{Outcome: "transport", Count: 1, AverageLatencyMs: 500},
	}

	summary, err := f.uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.TotalScans != 4 || summary.SuccessfulScans != 3 {
		t.Fatalf("unexpected totals %+v", summary)
	}
	if summary.SuccessRate != 0.75 || summary.AverageLatencyMs != 200 {
		t.Fatalf("unexpected rates %+v", summary)
	}
}

func TestStaleResultIsKeptOutOfSummaryTotals(t *testing.T) {
	slow := &scanCall{release: make(chan struct{}), record: &paracetamol}
	fast := &scanCall{record: &paracetamol}
	f := newFixture(slow, fast)
	f.scanner.started = make(chan struct{}, 2)
	sess, _ := f.uc.Session("")
	ctx := context.Background()

	f.uc.Submit(ctx, sess, scanner.Image{Data: pngBytes})
	<-f.scanner.started
	f.uc.Submit(ctx, sess, scanner.Image{Data: jpegBytes})
	<-f.scanner.started

	deadline := time.Now().Add(2 * time.Second)
	for sess.Snapshot().State.Kind() != session.Success {
		if time.Now().After(deadline) {
			t.Fatal("second scan did not complete")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(slow.release)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := f.uc.Wait(waitCtx); err != nil {
		t.Fatalf("background scans did not finish: %v", err)
	}

	f.history.mu.Lock()
	var staleLog *repository.ScanLog
	for _, log := range f.history.saved {
		if log.Stale {
			staleLog = log
		}
	}
	f.history.mu.Unlock()
	if staleLog == nil || staleLog.Outcome != OutcomeStale || staleLog.Sequence != 1 {
		t.Fatalf("expected the superseded scan persisted as stale, got %+v", staleLog)
	}

	summary, err := f.uc.GetMetricsSummary(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.TotalScans != 1 || summary.SuccessfulScans != 1 || summary.SuccessRate != 1 {
		t.Fatalf("stale scan counted in totals: %+v", summary)
	}
	if summary.ByOutcome[OutcomeStale] != 1 {
		t.Fatalf("expected stale scan listed by outcome, got %v", summary.ByOutcome)
	}
}

func TestHistoryDisabledWithoutRepository(t *testing.T) {
	uc := NewScanUseCase(session.NewRegistry(), NewPreviewStore(NewMemoryCache(), time.Minute, zap.NewNop()), &stubScanner{}, nil, &stubRecorder{}, zap.NewNop())

	if _, err := uc.RecentScans(context.Background(), 10); !errors.Is(err, ErrHistoryDisabled) {
		t.Fatalf("expected ErrHistoryDisabled, got %v", err)
	}
	if _, err := uc.GetMetricsSummary(context.Background()); !errors.Is(err, ErrHistoryDisabled) {
		t.Fatalf("expected ErrHistoryDisabled, got %v", err)
	}
}

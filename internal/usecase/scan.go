package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/medscan/internal/logging"
	"github.com/example/medscan/internal/repository"
	"github.com/example/medscan/internal/scanner"
	"github.com/example/medscan/internal/session"
)

// ErrHistoryDisabled is returned by history queries when no database is
// configured.
var ErrHistoryDisabled = errors.New("scan history is not configured")

// OutcomeStale labels a result that arrived after a newer upload had
// started. It is logged and persisted but never shown.
const OutcomeStale = "stale"

// HistoryRepository defines the persistence operations needed by the use case.
type HistoryRepository interface {
	SaveLog(ctx context.Context, log *repository.ScanLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.ScanLog, error)
	ListRecent(ctx context.Context, limit int) ([]*repository.ScanLog, error)
	CountByOutcome(ctx context.Context) ([]repository.OutcomeCount, error)
}

// Recorder receives scan and preview events for metrics.
type Recorder interface {
	RecordScan(outcome string, duration time.Duration)
	PreviewStored()
	PreviewRevoked()
	SetSessions(n int)
}

// ScanUseCase runs the upload cycle: validate, store the preview, start a
// new sequence on the session, call the backend, and apply the outcome if
// it is still current.
type ScanUseCase struct {
	sessions *session.Registry
	previews *PreviewStore
	scanner  scanner.Client
	history  HistoryRepository
	metrics  Recorder
	logger   *zap.Logger

	inflight sync.WaitGroup
}

// NewScanUseCase wires the use case. history may be nil.
func NewScanUseCase(sessions *session.Registry, previews *PreviewStore, client scanner.Client, history HistoryRepository, metrics Recorder, logger *zap.Logger) *ScanUseCase {
	return &ScanUseCase{
		sessions: sessions,
		previews: previews,
		scanner:  client,
		history:  history,
		metrics:  metrics,
		logger:   logger.Named("scan_usecase"),
	}
}

// Session returns the visitor session for id, creating one when needed.
func (uc *ScanUseCase) Session(id string) (*session.Session, bool) {
	sess, created := uc.sessions.GetOrCreate(id)
	if created {
		uc.metrics.SetSessions(uc.sessions.Len())
	}
	return sess, created
}

// Submit starts a scan and returns once the session shows Loading. The
// backend call runs in the background and outlives ctx's cancellation.
func (uc *ScanUseCase) Submit(ctx context.Context, sess *session.Session, img scanner.Image) session.Ticket {
	job, err := uc.begin(ctx, sess, img)
	if err != nil {
		return job.ticket
	}

	bg := context.WithoutCancel(ctx)
	uc.inflight.Add(1)
	go func() {
		defer uc.inflight.Done()
		uc.dispatch(bg, sess, job)
	}()
	return job.ticket
}

// Scan runs one upload cycle to completion and returns the resulting
// snapshot.
func (uc *ScanUseCase) Scan(ctx context.Context, sess *session.Session, img scanner.Image) session.Snapshot {
	job, err := uc.begin(ctx, sess, img)
	if err == nil {
		uc.dispatch(ctx, sess, job)
	}
	return sess.Snapshot()
}

// Wait blocks until background scans finish or ctx is done.
func (uc *ScanUseCase) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		uc.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Preview returns the stored upload if it is the live preview of sess.
func (uc *ScanUseCase) Preview(ctx context.Context, sess *session.Session, id string) (*Preview, error) {
	if !sess.OwnsPreview(id) {
		return nil, ErrPreviewNotFound
	}
	return uc.previews.Get(ctx, id)
}

// Reset tears down the session and revokes its preview.
func (uc *ScanUseCase) Reset(ctx context.Context, sessionID string) {
	preview, ok := uc.sessions.Remove(sessionID)
	if !ok {
		return
	}
	uc.revoke(ctx, preview)
	uc.metrics.SetSessions(uc.sessions.Len())
	uc.logger.Debug("session reset", zap.String("session_id", sessionID))
}

// Sweep tears down sessions idle for longer than ttl.
func (uc *ScanUseCase) Sweep(ctx context.Context, ttl time.Duration) int {
	previews := uc.sessions.Sweep(ttl)
	for _, id := range previews {
		uc.revoke(ctx, id)
	}
	uc.metrics.SetSessions(uc.sessions.Len())
	return len(previews)
}

// RunSweeper sweeps every interval until ctx is cancelled.
func (uc *ScanUseCase) RunSweeper(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := uc.Sweep(ctx, ttl); n > 0 {
				uc.logger.Info("expired idle sessions", zap.Int("previews_revoked", n))
			}
		}
	}
}

type scanJob struct {
	requestID string
	ticket    session.Ticket
	image     scanner.Image
}

func (uc *ScanUseCase) begin(ctx context.Context, sess *session.Session, img scanner.Image) (scanJob, error) {
	job := scanJob{requestID: uuid.NewString()}

	img, err := normalizeImage(img)
	job.image = img
	if err != nil {
		ticket, released := sess.Begin("")
		job.ticket = ticket
		uc.revoke(ctx, released)
		uc.finish(ctx, sess, job, nil, err, 0)
		return job, err
	}

	previewID, err := uc.previews.Put(ctx, img)
	if err != nil {
		logging.WithOperation(uc.logger, "usecase.store_preview", job.requestID).
			Warn("scanning without preview", zap.Error(err))
		previewID = ""
	} else {
		uc.metrics.PreviewStored()
	}

	ticket, released := sess.Begin(previewID)
	job.ticket = ticket
	uc.revoke(ctx, released)
	return job, nil
}

func (uc *ScanUseCase) dispatch(ctx context.Context, sess *session.Session, job scanJob) {
	start := time.Now()
	var (
		record *scanner.MedicineRecord
		err    error
	)
	defer func() {
		if r := recover(); r != nil {
			record = nil
			err = &scanner.TransportError{Op: "dispatch", Err: fmt.Errorf("panic: %v", r)}
		}
		uc.finish(ctx, sess, job, record, err, time.Since(start))
	}()

	record, err = uc.scanner.Scan(ctx, job.image)
}

func (uc *ScanUseCase) finish(ctx context.Context, sess *session.Session, job scanJob, record *scanner.MedicineRecord, err error, elapsed time.Duration) {
	logger := logging.WithSession(logging.WithOperation(uc.logger, "usecase.scan", job.requestID), job.ticket.SessionID, job.ticket.Sequence)

	state := outcomeState(record, err)
	outcome := scanner.Outcome(err)
	applied := sess.Complete(job.ticket, state)

	switch {
	case !applied:
		logger.Info("discarding stale scan result", zap.String("outcome", outcome))
		uc.metrics.RecordScan(OutcomeStale, elapsed)
	case outcome == "transport":
		logger.Error("scan transport failure", zap.Error(err), zap.Duration("elapsed", elapsed))
		uc.metrics.RecordScan(outcome, elapsed)
	default:
		logger.Info("scan finished", zap.String("outcome", outcome), zap.Duration("elapsed", elapsed))
		uc.metrics.RecordScan(outcome, elapsed)
	}

	uc.saveHistory(ctx, job, record, err, !applied, elapsed)
}

func (uc *ScanUseCase) saveHistory(ctx context.Context, job scanJob, record *scanner.MedicineRecord, err error, stale bool, elapsed time.Duration) {
	if uc.history == nil {
		return
	}

	outcome := scanner.Outcome(err)
	if stale {
		outcome = OutcomeStale
	}

	log := &repository.ScanLog{
		RequestID: job.requestID,
		SessionID: job.ticket.SessionID,
		Sequence:  job.ticket.Sequence,
		Outcome:   outcome,
		Stale:     stale,
		ImageSize: int64(len(job.image.Data)),
		LatencyMs: elapsed.Milliseconds(),
		CreatedAt: time.Now().UTC(),
	}
	if len(job.image.Data) > 0 {
		hash := sha1.Sum(job.image.Data)
		log.ImageSHA1 = hex.EncodeToString(hash[:])
	}
	if record != nil {
		log.Medicine = record.Name
	}
	if err != nil {
		log.Message = scanner.UserMessage(err)
		log.Cause = err.Error()
	}

	if saveErr := uc.history.SaveLog(ctx, log); saveErr != nil {
		logging.WithOperation(uc.logger, "usecase.save_history", job.requestID).
			Warn("failed to persist scan log", zap.Error(saveErr))
	}
}

func (uc *ScanUseCase) revoke(ctx context.Context, previewID string) {
	if previewID == "" {
		return
	}
	if err := uc.previews.Revoke(ctx, previewID); err != nil {
		fields := []zap.Field{zap.String("preview_id", previewID), zap.Error(err)}
		if op, ok := logging.OperationOf(err); ok {
			fields = append(fields, zap.String("failed_operation", op))
		}
		uc.logger.Warn("failed to revoke preview", fields...)
		return
	}
	uc.metrics.PreviewRevoked()
}

func outcomeState(record *scanner.MedicineRecord, err error) session.State {
	if err != nil {
		return session.FailureState(scanner.UserMessage(err))
	}
	if record == nil {
		return session.FailureState(scanner.GenericErrorMessage)
	}
	return session.SuccessState(*record)
}

// normalizeImage rejects empty selections and non-image content, and
// replaces the client supplied content type with the sniffed one.
func normalizeImage(img scanner.Image) (scanner.Image, error) {
	if len(img.Data) == 0 {
		return img, scanner.ErrNoFile
	}
	mtype := mimetype.Detect(img.Data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return img, scanner.ErrNotImage
	}
	img.ContentType = mtype.String()
	return img, nil
}

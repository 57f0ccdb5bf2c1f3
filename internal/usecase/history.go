package usecase

import (
	"time"

	"github.com/example/medscan/internal/repository"
)

// ScanLogView is the operator facing shape of a scan log.
type ScanLogView struct {
	RequestID string    `json:"request_id"`
	SessionID string    `json:"session_id"`
	Sequence  uint64    `json:"sequence"`
	Outcome   string    `json:"outcome"`
	Stale     bool      `json:"stale"`
	Medicine  string    `json:"medicine,omitempty"`
	Message   string    `json:"message,omitempty"`
	Cause     string    `json:"cause,omitempty"`
	ImageSHA1 string    `json:"image_sha1,omitempty"`
	ImageSize int64     `json:"image_size"`
	LatencyMs int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}

func newScanLogView(log *repository.ScanLog) *ScanLogView {
	return &ScanLogView{
		RequestID: log.RequestID,
		SessionID: log.SessionID,
		Sequence:  log.Sequence,
		Outcome:   log.Outcome,
		Stale:     log.Stale,
		Medicine:  log.Medicine,
		Message:   log.Message,
		Cause:     log.Cause,
		ImageSHA1: log.ImageSHA1,
		ImageSize: log.ImageSize,
		LatencyMs: log.LatencyMs,
		CreatedAt: log.CreatedAt,
	}
}

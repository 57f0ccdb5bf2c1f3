package usecase

import "context"

// MetricsSummary represents aggregated scan insights.
type MetricsSummary struct {
	TotalScans       int64            `json:"total_scans"`
	SuccessfulScans  int64            `json:"successful_scans"`
	SuccessRate      float64          `json:"success_rate"`
	AverageLatencyMs float64          `json:"average_latency_ms"`
	ByOutcome        map[string]int64 `json:"by_outcome"`
}

// GetMetricsSummary aggregates scan outcomes from persisted logs. Stale
// results are listed under ByOutcome but left out of the totals.
func (uc *ScanUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.history == nil {
		return nil, ErrHistoryDisabled
	}
	rows, err := uc.history.CountByOutcome(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{ByOutcome: make(map[string]int64, len(rows))}
	var weightedLatency float64
	for _, row := range rows {
		summary.ByOutcome[row.Outcome] = row.Count
		if row.Outcome == OutcomeStale {
			continue
		}
		summary.TotalScans += row.Count
		weightedLatency += row.AverageLatencyMs * float64(row.Count)
		if row.Outcome == "success" {
			summary.SuccessfulScans = row.Count
		}
	}

	if summary.TotalScans > 0 {
		summary.SuccessRate = float64(summary.SuccessfulScans) / float64(summary.TotalScans)
		summary.AverageLatencyMs = weightedLatency / float64(summary.TotalScans)
	}

	return summary, nil
}

// RecentScans lists the newest scan logs. limit is clamped to [1, 100].
func (uc *ScanUseCase) RecentScans(ctx context.Context, limit int) ([]*ScanLogView, error) {
	if uc.history == nil {
		return nil, ErrHistoryDisabled
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	logs, err := uc.history.ListRecent(ctx, limit)
	if err != nil {
		return nil, err
	}
	views := make([]*ScanLogView, 0, len(logs))
	for _, log := range logs {
		views = append(views, newScanLogView(log))
	}
	return views, nil
}

// GetScan loads one scan log by request id.
func (uc *ScanUseCase) GetScan(ctx context.Context, requestID string) (*ScanLogView, error) {
	if uc.history == nil {
		return nil, ErrHistoryDisabled
	}
	log, err := uc.history.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return newScanLogView(log), nil
}

package usecase

import "context"

// MetricsSummary represents aggregated verification insights.
type MetricsSummary struct {
	TotalVerifications int64   `json:"total_verifications"`
	Verified           int64   `json:"verified"`
	Pending            int64   `json:"pending"`
	Rejected           int64   `json:"rejected"`
	Undetermined       int64   `json:"undetermined"`
	VerificationRate   float64 `json:"verification_rate"`
	AverageScore       float64 `json:"average_score"`
}

// GetMetricsSummary aggregates verification metrics from persisted records.
// The average covers determined scores only.
func (uc *VerificationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalVerifications: aggregation.TotalCount,
		Verified:           aggregation.VerifiedCount,
		Pending:            aggregation.PendingCount,
		Rejected:           aggregation.RejectedCount,
		Undetermined:       aggregation.TotalCount - aggregation.DeterminedCount,
		AverageScore:       aggregation.AverageScore,
	}

	if aggregation.TotalCount > 0 {
		summary.VerificationRate = float64(aggregation.VerifiedCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}

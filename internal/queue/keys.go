package queue

import "github.com/visionforge/visionforge/internal/profiles"

// Management queue keys (spec §4.C: "3 management queues (manual_review,
// priority, batch_completion)").
const (
	KeyManualReview     = "manual_review"
	KeyPriority         = "priority"
	KeyBatchCompletion  = "batch_completion"
)

// AnalysisKey returns the queue key for one of the 21 analysis types.
func AnalysisKey(t profiles.AnalysisType) string {
	return "analysis:" + string(t)
}

// CorrectiveKey returns the queue key for one of the 3 per-tier
// corrective queues.
func CorrectiveKey(tier profiles.Tier) string {
	return "corrective:" + string(tier)
}

// AllKeys enumerates every queue key the broker must provision at Open:
// 21 analysis + 3 corrective + 3 management = 27.
func AllKeys() []string {
	keys := make([]string, 0, len(profiles.ClosedTypes)+len(profiles.Tiers)+3)
	for _, t := range profiles.ClosedTypes {
		keys = append(keys, AnalysisKey(t))
	}
	for _, tier := range profiles.Tiers {
		keys = append(keys, CorrectiveKey(tier))
	}
	keys = append(keys, KeyManualReview, KeyPriority, KeyBatchCompletion)
	return keys
}

// Package scoring turns a similarity reading into a verification status.
// Both the persistence path and the result view go through Evaluate so the
// two can never disagree.
package scoring

import "github.com/example/ekyc/internal/markup"

// Threshold is the minimum similarity accepted as a face match.
const Threshold = 0.50

// Status is the outcome stored on a verification record.
type Status string

const (
	StatusVerified Status = "verified"
	StatusPending  Status = "pending"
	StatusRejected Status = "rejected"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusVerified, StatusPending, StatusRejected:
		return true
	}
	return false
}

// Reason explains an outcome to the result view.
type Reason string

const (
	ReasonMatched        Reason = "matched"
	ReasonBelowThreshold Reason = "below_threshold"
	ReasonNoSimilarity   Reason = "similarity_not_reported"
)

// Outcome is the classification of one comparison result.
type Outcome struct {
	Score           float64 `json:"score"`
	ScoreDetermined bool    `json:"score_determined"`
	Status          Status  `json:"status"`
	Reason          Reason  `json:"reason"`
}

// Verified reports whether the outcome passed.
func (o Outcome) Verified() bool {
	return o.Status == StatusVerified
}

// Classify is a pure function of score.
func Classify(score float64) Status {
	if score >= Threshold {
		return StatusVerified
	}
	return StatusRejected
}

// Evaluate classifies a parsed similarity. A missing similarity scores zero
// and is rejected, but keeps ScoreDetermined false so callers can tell it
// apart from a genuine zero.
func Evaluate(s markup.Similarity) Outcome {
	score := s.Score
	if !s.Found {
		score = 0
	}
	out := Outcome{Score: score, ScoreDetermined: s.Found, Status: Classify(score)}
	switch {
	case !s.Found:
		out.Reason = ReasonNoSimilarity
	case out.Status == StatusVerified:
		out.Reason = ReasonMatched
	default:
		out.Reason = ReasonBelowThreshold
	}
	return out
}

// EvaluateFragments parses the comparison fragments and evaluates them.
func EvaluateFragments(fragments []string) Outcome {
	return Evaluate(markup.ParseSimilarityFragments(fragments))
}

package scoring

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/ekyc/internal/markup"
)

func TestClassifyThreshold(t *testing.T) {
	cases := map[float64]Status{
		0:                      StatusRejected,
		0.12:                   StatusRejected,
		math.Nextafter(0.5, 0): StatusRejected,
		0.5:                    StatusVerified,
		0.73:                   StatusVerified,
		1:                      StatusVerified,
		-1:                     StatusRejected,
	}
	for score, want := range cases {
		require.Equal(t, want, Classify(score), "score %v", score)
	}
}

func TestEvaluateScenarios(t *testing.T) {
	cases := []struct {
		name     string
		fragment string
		status   Status
		score    float64
		found    bool
		reason   Reason
	}{
		{"match", "...Similarity: 0.73...", StatusVerified, 0.73, true, ReasonMatched},
		{"mismatch", "...Similarity: 0.12...", StatusRejected, 0.12, true, ReasonBelowThreshold},
		{"missing", "<p>No face detected</p>", StatusRejected, 0, false, ReasonNoSimilarity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := EvaluateFragments([]string{tc.fragment})
			require.Equal(t, tc.status, out.Status)
			require.Equal(t, tc.score, out.Score)
			require.Equal(t, tc.found, out.ScoreDetermined)
			require.Equal(t, tc.reason, out.Reason)
		})
	}
}

func TestEvaluateAgreesWithClassify(t *testing.T) {
	for i := 0; i <= 100; i++ {
		score := float64(i) / 100
		out := Evaluate(markup.Similarity{Score: score, Found: true})
		require.Equal(t, Classify(score), out.Status)
		require.Equal(t, out.Status == StatusVerified, out.Verified())
	}
}

func TestEvaluateIgnoresScoreWhenNotFound(t *testing.T) {
	out := Evaluate(markup.Similarity{Score: 0.9, Found: false})
	require.Equal(t, StatusRejected, out.Status)
	require.Zero(t, out.Score)
}

func TestStatusValid(t *testing.T) {
	require.True(t, StatusPending.Valid())
	require.False(t, Status("approved").Valid())
}

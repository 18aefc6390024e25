package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/ekyc/internal/capture"
	"github.com/example/ekyc/internal/dataurl"
	"github.com/example/ekyc/internal/imagestore"
	"github.com/example/ekyc/internal/logging"
	"github.com/example/ekyc/internal/recognition"
	"github.com/example/ekyc/internal/repository"
	"github.com/example/ekyc/internal/scoring"
	"github.com/example/ekyc/internal/session"
)

const portraitURI = "data:image/jpeg;base64,UE9SVFJBSVQ="

var (
	pngFront = append([]byte("\x89PNG\r\n\x1a\n"), []byte("front")...)
	pngBack  = append([]byte("\x89PNG\r\n\x1a\n"), []byte("back")...)
	pngLive  = append([]byte("\x89PNG\r\n\x1a\n"), []byte("live")...)
)

const extractionTable = `<table>
<tr><td>Surname</td><td>DOE</td></tr>
<tr><td>Portrait</td><td><img src="` + portraitURI + `"></td></tr>
</table>`

type stubRepository struct {
	created    []*repository.Verification
	createErr  error
	findRecord *repository.Verification
	duplicates []*repository.Verification
	aggregate  *repository.MetricsAggregation
	dupHash    string
	dupExclude string
}

func (s *stubRepository) Create(ctx context.Context, v *repository.Verification) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.created = append(s.created, v)
	return nil
}

func (s *stubRepository) List(ctx context.Context, filter repository.ListFilter) ([]*repository.Verification, error) {
	return s.created, nil
}

func (s *stubRepository) FindByUserID(ctx context.Context, userID string) (*repository.Verification, error) {
	if s.findRecord == nil {
		return nil, logging.NewOperationError("db.find.verification", userID, logging.ErrNotFound)
	}
	return s.findRecord, nil
}

func (s *stubRepository) FindDuplicatesByHash(ctx context.Context, hash, excludeUserID string) ([]*repository.Verification, error) {
	s.dupHash = hash
	s.dupExclude = excludeUserID
	return s.duplicates, nil
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	return s.aggregate, nil
}

type compareCall struct {
	portrait string
	live     string
}

type stubRecognizer struct {
	extractResp  *recognition.Response
	extractErr   error
	compareResp  *recognition.Response
	compareErr   error
	extractCalls int
	extractArgs  [2]string
	compares     []compareCall
}

func (s *stubRecognizer) Extract(ctx context.Context, sessionHash, front, back string, details *recognition.PersonalDetails) (*recognition.Response, error) {
	s.extractCalls++
	s.extractArgs = [2]string{front, back}
	if s.extractErr != nil {
		return nil, s.extractErr
	}
	return s.extractResp, nil
}

func (s *stubRecognizer) Compare(ctx context.Context, sessionHash, portrait, live string) (*recognition.Response, error) {
	s.compares = append(s.compares, compareCall{portrait: portrait, live: live})
	if s.compareErr != nil {
		return nil, s.compareErr
	}
	return s.compareResp, nil
}

type fixture struct {
	uc       *VerificationUseCase
	repo     *stubRepository
	rec      *stubRecognizer
	sessions *session.MemoryStore
	captures *capture.Registry
}

func newFixture(similarity string) *fixture {
	repo := &stubRepository{}
	rec := &stubRecognizer{
		extractResp: &recognition.Response{Data: []string{extractionTable}},
		compareResp: &recognition.Response{Data: []string{"<div>" + similarity + "</div>"}},
	}
	sessions := session.NewMemoryStore(time.Hour)
	captures := capture.NewRegistry(capture.Options{PromptDelay: time.Hour, CaptureDelay: time.Hour}, zap.NewNop())
	uc := NewVerificationUseCase(repo, sessions, rec, imagestore.Inline{}, captures, zap.NewNop())
	return &fixture{uc: uc, repo: repo, rec: rec, sessions: sessions, captures: captures}
}

// ready returns a session with documents submitted and a live image uploaded.
func (f *fixture) ready(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	view, err := f.uc.StartSession(ctx, session.DocumentIDCard)
	require.NoError(t, err)
	_, err = f.uc.SubmitDocuments(ctx, view.ID, pngFront, pngBack, nil)
	require.NoError(t, err)
	_, err = f.uc.UploadCapture(ctx, view.ID, pngLive)
	require.NoError(t, err)
	return view.ID
}

func TestStartSessionRejectsUnknownDocumentType(t *testing.T) {
	f := newFixture("")
	_, err := f.uc.StartSession(context.Background(), session.DocumentType("library_card"))
	require.True(t, errors.Is(err, logging.ErrValidation))
}

func TestStartSessionIssuesDistinctHashes(t *testing.T) {
	f := newFixture("")
	ctx := context.Background()

	a, err := f.uc.StartSession(ctx, session.DocumentPassport)
	require.NoError(t, err)
	b, err := f.uc.StartSession(ctx, session.DocumentPassport)
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)

	sa, err := f.sessions.Get(ctx, a.ID)
	require.NoError(t, err)
	sb, err := f.sessions.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, sa.SessionHash, 11)
	require.NotEqual(t, sa.SessionHash, sb.SessionHash)
}

func TestSubmitDocumentsRequiresBothSides(t *testing.T) {
	f := newFixture("")
	ctx := context.Background()
	view, err := f.uc.StartSession(ctx, session.DocumentIDCard)
	require.NoError(t, err)

	_, err = f.uc.SubmitDocuments(ctx, view.ID, pngFront, nil, nil)
	require.True(t, errors.Is(err, logging.ErrValidation))
	require.Zero(t, f.rec.extractCalls)
}

func TestExtractDocumentSendsStoredImagesAndFindsPortrait(t *testing.T) {
	f := newFixture("")
	ctx := context.Background()
	view, err := f.uc.StartSession(ctx, session.DocumentIDCard)
	require.NoError(t, err)
	_, err = f.uc.SubmitDocuments(ctx, view.ID, pngFront, pngBack, nil)
	require.NoError(t, err)

	result, err := f.uc.ExtractDocument(ctx, view.ID)
	require.NoError(t, err)
	require.True(t, result.PortraitFound)
	require.Equal(t, portraitURI, result.Portrait)
	require.Equal(t, dataurl.Encode(pngFront, "image/png"), f.rec.extractArgs[0])
	require.Equal(t, dataurl.Encode(pngBack, "image/png"), f.rec.extractArgs[1])
	require.NotEmpty(t, result.Fields)
	require.Equal(t, "Surname", result.Fields[0].Label)

	stored, err := f.uc.GetExtraction(ctx, view.ID)
	require.NoError(t, err)
	require.Equal(t, result.Fragments, stored.Fragments)
}

func TestExtractDocumentFailureClearsStaleExtraction(t *testing.T) {
	f := newFixture("")
	ctx := context.Background()
	view, err := f.uc.StartSession(ctx, session.DocumentIDCard)
	require.NoError(t, err)
	_, err = f.uc.SubmitDocuments(ctx, view.ID, pngFront, pngBack, nil)
	require.NoError(t, err)
	_, err = f.uc.ExtractDocument(ctx, view.ID)
	require.NoError(t, err)

	f.rec.extractErr = logging.WithKind(logging.ErrService, errors.New("502"))
	_, err = f.uc.ExtractDocument(ctx, view.ID)
	require.True(t, errors.Is(err, logging.ErrService))

	_, err = f.uc.GetExtraction(ctx, view.ID)
	require.True(t, errors.Is(err, logging.ErrNotFound))
}

func TestVerifyPairsPortraitWithLiveCapture(t *testing.T) {
	f := newFixture("Similarity: 0.73")
	id := f.ready(t)

	_, err := f.uc.Verify(context.Background(), id, false)
	require.NoError(t, err)

	require.Len(t, f.rec.compares, 1)
	require.Equal(t, portraitURI, f.rec.compares[0].portrait)
	require.Equal(t, dataurl.Encode(pngLive, "image/png"), f.rec.compares[0].live)
}

func TestVerifyPersistedStatusMatchesDisplayedStatus(t *testing.T) {
	cases := map[string]struct {
		body       string
		status     scoring.Status
		score      float64
		determined bool
	}{
		"match":         {body: "Similarity: 0.73", status: scoring.StatusVerified, score: 0.73, determined: true},
		"below":         {body: "Similarity: 0.12", status: scoring.StatusRejected, score: 0.12, determined: true},
		"threshold":     {body: "Similarity: 0.50", status: scoring.StatusVerified, score: 0.50, determined: true},
		"no similarity": {body: "Liveness: real", status: scoring.StatusRejected, score: 0, determined: false},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(tc.body)
			id := f.ready(t)
			ctx := context.Background()

			verified, err := f.uc.Verify(ctx, id, false)
			require.NoError(t, err)
			require.Len(t, f.repo.created, 1)
			record := f.repo.created[0]

			displayed, err := f.uc.Result(ctx, id)
			require.NoError(t, err)

			require.Equal(t, string(tc.status), record.Status)
			require.Equal(t, tc.status, displayed.Status)
			require.Equal(t, tc.status, verified.Status)
			require.InDelta(t, tc.score, record.VerificationScore, 1e-9)
			require.InDelta(t, tc.score, displayed.Score, 1e-9)
			require.Equal(t, tc.determined, record.ScoreDetermined)
			require.Equal(t, tc.determined, displayed.ScoreDetermined)
			require.Equal(t, record.UserID, displayed.UserID)
		})
	}
}

func TestVerifyRecordCarriesImagesAndHash(t *testing.T) {
	f := newFixture("Similarity: 0.9")
	id := f.ready(t)

	_, err := f.uc.Verify(context.Background(), id, false)
	require.NoError(t, err)

	record := f.repo.created[0]
	require.Equal(t, id, record.SessionID)
	require.Equal(t, "id_card", record.IDType)
	require.Equal(t, dataurl.Encode(pngFront, "image/png"), record.IDFrontImage)
	require.Equal(t, dataurl.Encode(pngBack, "image/png"), record.IDBackImage)
	require.Equal(t, dataurl.Encode(pngLive, "image/png"), record.SelfieImage)
	require.Equal(t, portraitURI, record.PortraitImage)
	require.Equal(t, documentHash(dataurl.Encode(pngFront, "image/png")), record.DocumentHash)
	require.Len(t, record.DocumentHash, 40)
	require.False(t, record.VerificationDate.IsZero())
}

func TestVerifyRequiresLiveCapture(t *testing.T) {
	f := newFixture("Similarity: 0.9")
	ctx := context.Background()
	view, err := f.uc.StartSession(ctx, session.DocumentIDCard)
	require.NoError(t, err)
	_, err = f.uc.SubmitDocuments(ctx, view.ID, pngFront, pngBack, nil)
	require.NoError(t, err)

	_, err = f.uc.Verify(ctx, view.ID, false)
	require.True(t, errors.Is(err, logging.ErrValidation))
	require.Zero(t, f.rec.extractCalls)
	require.Empty(t, f.rec.compares)
}

func TestVerifyWithoutPortraitSkipsComparison(t *testing.T) {
	f := newFixture("Similarity: 0.9")
	f.rec.extractResp = &recognition.Response{Data: []string{"<table><tr><td>Surname</td><td>DOE</td></tr></table>"}}
	id := f.ready(t)

	_, err := f.uc.Verify(context.Background(), id, false)
	require.True(t, errors.Is(err, logging.ErrExtractionIncomplete))
	require.Empty(t, f.rec.compares)
	require.Empty(t, f.repo.created)

	stored, err := f.uc.GetExtraction(context.Background(), id)
	require.NoError(t, err)
	require.False(t, stored.PortraitFound)
}

func TestVerifyReusesExtractionUnlessRefreshed(t *testing.T) {
	f := newFixture("Similarity: 0.9")
	id := f.ready(t)
	ctx := context.Background()

	_, err := f.uc.ExtractDocument(ctx, id)
	require.NoError(t, err)
	_, err = f.uc.Verify(ctx, id, false)
	require.NoError(t, err)
	require.Equal(t, 1, f.rec.extractCalls)

	_, err = f.uc.Verify(ctx, id, true)
	require.NoError(t, err)
	require.Equal(t, 2, f.rec.extractCalls)
	require.Len(t, f.repo.created, 2)
	require.Equal(t, dataurl.Encode(pngLive, "image/png"), f.rec.compares[1].live)
}

func TestVerifyServiceErrorPersistsNothing(t *testing.T) {
	f := newFixture("Similarity: 0.9")
	f.rec.compareErr = logging.WithKind(logging.ErrService, errors.New("timeout"))
	id := f.ready(t)

	_, err := f.uc.Verify(context.Background(), id, false)
	require.True(t, errors.Is(err, logging.ErrService))
	require.Empty(t, f.repo.created)

	_, err = f.uc.Result(context.Background(), id)
	require.True(t, errors.Is(err, logging.ErrNotFound))
}

func TestVerifyPersistenceErrorIsReported(t *testing.T) {
	f := newFixture("Similarity: 0.9")
	f.repo.createErr = logging.WithKind(logging.ErrPersistence, errors.New("duplicate key"))
	id := f.ready(t)

	_, err := f.uc.Verify(context.Background(), id, false)
	require.True(t, errors.Is(err, logging.ErrPersistence))
	require.Len(t, f.rec.compares, 1)
}

// recordSaveFailingStore fails every save that carries a record id.
type recordSaveFailingStore struct {
	*session.MemoryStore
}

func (s recordSaveFailingStore) Save(ctx context.Context, state *session.State) error {
	if state.RecordID != "" {
		return logging.WithKind(logging.ErrPersistence, errors.New("redis unavailable"))
	}
	return s.MemoryStore.Save(ctx, state)
}

func TestVerifyReturnsRecordedResultWhenSessionSaveFails(t *testing.T) {
	f := newFixture("Similarity: 0.9")
	id := f.ready(t)
	f.uc = NewVerificationUseCase(f.repo, recordSaveFailingStore{f.sessions}, f.rec, imagestore.Inline{}, f.captures, zap.NewNop())

	result, err := f.uc.Verify(context.Background(), id, false)
	require.NoError(t, err)
	require.Len(t, f.repo.created, 1)
	require.Equal(t, f.repo.created[0].UserID, result.UserID)
	require.Equal(t, scoring.StatusVerified, result.Status)
}

func TestResultDateMatchesRecord(t *testing.T) {
	f := newFixture("Similarity: 0.9")
	id := f.ready(t)
	ctx := context.Background()

	recorded := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	f.uc.now = func() time.Time {
		now := recorded
		recorded = recorded.Add(time.Second)
		return now
	}

	verified, err := f.uc.Verify(ctx, id, false)
	require.NoError(t, err)
	require.Len(t, f.repo.created, 1)

	result, err := f.uc.Result(ctx, id)
	require.NoError(t, err)
	require.True(t, result.VerificationDate.Equal(f.repo.created[0].VerificationDate))
	require.True(t, result.VerificationDate.Equal(verified.VerificationDate))
}

func TestVerifyRejectsConcurrentAttempt(t *testing.T) {
	f := newFixture("Similarity: 0.9")
	id := f.ready(t)
	ctx := context.Background()

	release, err := f.sessions.Lock(ctx, id)
	require.NoError(t, err)
	defer release()

	_, err = f.uc.Verify(ctx, id, false)
	require.True(t, errors.Is(err, logging.ErrInFlight))
	require.Empty(t, f.rec.compares)
}

func TestVerifyUsesCameraCapture(t *testing.T) {
	f := newFixture("Similarity: 0.9")
	ctx := context.Background()
	view, err := f.uc.StartSession(ctx, session.DocumentIDCard)
	require.NoError(t, err)
	_, err = f.uc.SubmitDocuments(ctx, view.ID, pngFront, pngBack, nil)
	require.NoError(t, err)

	f.captures = capture.NewRegistry(capture.Options{PromptDelay: time.Millisecond, CaptureDelay: 60 * time.Millisecond}, zap.NewNop())
	f.uc.captures = f.captures

	_, err = f.uc.StartCapture(ctx, view.ID)
	require.NoError(t, err)
	require.NoError(t, f.uc.PushFrame(ctx, view.ID, pngLive))
	require.Eventually(t, func() bool {
		status, err := f.uc.CaptureStatus(ctx, view.ID)
		return err == nil && status.State == capture.StateCaptured
	}, time.Second, 5*time.Millisecond)

	_, err = f.uc.Verify(ctx, view.ID, false)
	require.NoError(t, err)
	require.Equal(t, dataurl.Encode(pngLive, "image/png"), f.rec.compares[0].live)

	status, err := f.uc.CaptureStatus(ctx, view.ID)
	require.NoError(t, err)
	require.False(t, status.StreamOpen)
	require.Equal(t, session.SourceCamera, status.Source)
}

func TestUploadCaptureSurvivesAutoCaptureWithoutFrame(t *testing.T) {
	f := newFixture("Similarity: 0.9")
	ctx := context.Background()
	view, err := f.uc.StartSession(ctx, session.DocumentIDCard)
	require.NoError(t, err)

	f.captures = capture.NewRegistry(capture.Options{PromptDelay: time.Millisecond, CaptureDelay: 20 * time.Millisecond}, zap.NewNop())
	f.uc.captures = f.captures

	_, err = f.uc.StartCapture(ctx, view.ID)
	require.NoError(t, err)
	status, err := f.uc.UploadCapture(ctx, view.ID, pngLive)
	require.NoError(t, err)
	require.Equal(t, session.SourceUpload, status.Source)

	time.Sleep(80 * time.Millisecond)

	status, err = f.uc.CaptureStatus(ctx, view.ID)
	require.NoError(t, err)
	require.Equal(t, capture.StateCaptured, status.State)
	require.Equal(t, session.SourceUpload, status.Source)

	state, err := f.sessions.Get(ctx, view.ID)
	require.NoError(t, err)
	require.Equal(t, dataurl.Encode(pngLive, "image/png"), state.LiveCapture)
}

func TestRetakeClearsCapture(t *testing.T) {
	f := newFixture("Similarity: 0.9")
	id := f.ready(t)
	ctx := context.Background()

	status, err := f.uc.Retake(ctx, id)
	require.NoError(t, err)
	require.Equal(t, capture.StateIdle, status.State)

	_, err = f.uc.Verify(ctx, id, false)
	require.True(t, errors.Is(err, logging.ErrValidation))
}

func TestResetClearsEveryStage(t *testing.T) {
	f := newFixture("Similarity: 0.9")
	id := f.ready(t)
	ctx := context.Background()
	_, err := f.uc.Verify(ctx, id, false)
	require.NoError(t, err)

	view, err := f.uc.Reset(ctx, id)
	require.NoError(t, err)
	require.Empty(t, view.Completed)
	_, ok := f.captures.Lookup(id)
	require.False(t, ok)

	_, err = f.uc.Result(ctx, id)
	require.True(t, errors.Is(err, logging.ErrNotFound))
}

func TestDeleteSession(t *testing.T) {
	f := newFixture("")
	ctx := context.Background()
	view, err := f.uc.StartSession(ctx, session.DocumentIDCard)
	require.NoError(t, err)

	require.NoError(t, f.uc.DeleteSession(ctx, view.ID))
	_, err = f.uc.GetSession(ctx, view.ID)
	require.True(t, errors.Is(err, logging.ErrNotFound))
	require.True(t, errors.Is(f.uc.DeleteSession(ctx, view.ID), logging.ErrNotFound))
}

func TestDeleteExpiredSessionReleasesCamera(t *testing.T) {
	f := newFixture("")
	ctx := context.Background()
	view, err := f.uc.StartSession(ctx, session.DocumentIDCard)
	require.NoError(t, err)
	_, err = f.uc.StartCapture(ctx, view.ID)
	require.NoError(t, err)

	m, ok := f.captures.Lookup(view.ID)
	require.True(t, ok)
	require.True(t, m.Status().StreamOpen)

	// The state disappears as it does when its TTL runs out.
	require.NoError(t, f.sessions.Delete(ctx, view.ID))

	err = f.uc.DeleteSession(ctx, view.ID)
	require.True(t, errors.Is(err, logging.ErrNotFound))
	_, ok = f.captures.Lookup(view.ID)
	require.False(t, ok)
	require.False(t, m.Status().StreamOpen)
}

func TestResetExpiredSessionReleasesCamera(t *testing.T) {
	f := newFixture("")
	ctx := context.Background()
	view, err := f.uc.StartSession(ctx, session.DocumentIDCard)
	require.NoError(t, err)
	m, err := f.captures.Start(ctx, view.ID)
	require.NoError(t, err)
	require.NoError(t, f.sessions.Delete(ctx, view.ID))

	_, err = f.uc.Reset(ctx, view.ID)
	require.True(t, errors.Is(err, logging.ErrNotFound))
	require.False(t, m.Status().StreamOpen)
}

func TestListVerificationsValidatesFilter(t *testing.T) {
	f := newFixture("")
	_, err := f.uc.ListVerifications(context.Background(), repository.ListFilter{Status: "approved"})
	require.True(t, errors.Is(err, logging.ErrValidation))

	rows, err := f.uc.ListVerifications(context.Background(), repository.ListFilter{Status: "verified"})
	require.NoError(t, err)
	require.NotNil(t, rows)
}

func TestGetDuplicateReport(t *testing.T) {
	f := newFixture("")
	f.repo.findRecord = &repository.Verification{UserID: "u1", DocumentHash: "abc"}
	f.repo.duplicates = []*repository.Verification{{UserID: "u2", DocumentHash: "abc"}}

	report, err := f.uc.GetDuplicateReport(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "abc", f.repo.dupHash)
	require.Equal(t, "u1", f.repo.dupExclude)
	require.Len(t, report.Duplicates, 1)
}

func TestGetMetricsSummary(t *testing.T) {
	f := newFixture("")
	f.repo.aggregate = &repository.MetricsAggregation{
		TotalCount:      4,
		VerifiedCount:   3,
		RejectedCount:   1,
		DeterminedCount: 3,
		AverageScore:    0.7,
	}

	summary, err := f.uc.GetMetricsSummary(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(4), summary.TotalVerifications)
	require.Equal(t, int64(1), summary.Undetermined)
	require.InDelta(t, 0.75, summary.VerificationRate, 1e-9)
}

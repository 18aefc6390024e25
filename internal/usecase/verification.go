package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/example/ekyc/internal/capture"
	"github.com/example/ekyc/internal/dataurl"
	"github.com/example/ekyc/internal/imagestore"
	"github.com/example/ekyc/internal/logging"
	"github.com/example/ekyc/internal/markup"
	"github.com/example/ekyc/internal/recognition"
	"github.com/example/ekyc/internal/repository"
	"github.com/example/ekyc/internal/scoring"
	"github.com/example/ekyc/internal/session"
)

// VerificationRepository defines the persistence operations needed by the use case.
type VerificationRepository interface {
	Create(ctx context.Context, v *repository.Verification) error
	List(ctx context.Context, filter repository.ListFilter) ([]*repository.Verification, error)
	FindByUserID(ctx context.Context, userID string) (*repository.Verification, error)
	FindDuplicatesByHash(ctx context.Context, hash, excludeUserID string) ([]*repository.Verification, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// VerificationUseCase drives one verification attempt through its stages:
// document upload, extraction, portrait, live capture and comparison.
type VerificationUseCase struct {
	repo       VerificationRepository
	sessions   session.Store
	recognizer recognition.Client
	images     imagestore.Store
	captures   *capture.Registry
	logger     *zap.Logger
	now        func() time.Time
}

// SessionView summarises a session for the client.
type SessionView struct {
	ID           string               `json:"session_id"`
	DocumentType session.DocumentType `json:"document_type"`
	Completed    []string             `json:"completed_stages"`
	RecordID     string               `json:"record_id,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// ExtractionResult is what stages 2 and 3 produced.
type ExtractionResult struct {
	Fields        []markup.Field `json:"fields"`
	PortraitFound bool           `json:"portrait_found"`
	Portrait      string         `json:"portrait,omitempty"`
	Fragments     []string       `json:"fragments"`
}

// VerificationResult is the classified outcome of a comparison.
type VerificationResult struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	IDType    string `json:"id_type"`
	scoring.Outcome
	VerificationDate time.Time `json:"verification_date"`
}

// NewVerificationUseCase constructs a new use case instance.
func NewVerificationUseCase(repo VerificationRepository, sessions session.Store, recognizer recognition.Client, images imagestore.Store, captures *capture.Registry, logger *zap.Logger) *VerificationUseCase {
	return &VerificationUseCase{
		repo:       repo,
		sessions:   sessions,
		recognizer: recognizer,
		images:     images,
		captures:   captures,
		logger:     logger.Named("verification_usecase"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// StartSession opens a new attempt for a document type.
func (uc *VerificationUseCase) StartSession(ctx context.Context, docType session.DocumentType) (*SessionView, error) {
	if !docType.Valid() {
		return nil, logging.NewOperationError("usecase.start_session", "", logging.WithKind(logging.ErrValidation, fmt.Errorf("unsupported document type %q", docType)))
	}

	hash, err := recognition.NewSessionHash()
	if err != nil {
		return nil, logging.NewOperationError("usecase.start_session", "", err)
	}
	now := uc.now()
	state := &session.State{
		ID:           ulid.Make().String(),
		DocumentType: docType,
		SessionHash:  hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := uc.sessions.Create(ctx, state); err != nil {
		return nil, err
	}

	logging.WithOperation(uc.logger, "usecase.start_session", state.ID).Info("session started", zap.String("document_type", string(docType)))
	return viewOf(state), nil
}

// GetSession returns the session summary.
func (uc *VerificationUseCase) GetSession(ctx context.Context, id string) (*SessionView, error) {
	state, err := uc.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return viewOf(state), nil
}

// SubmitDocuments stores both sides of the document. Nothing is sent to the
// recognition service here.
func (uc *VerificationUseCase) SubmitDocuments(ctx context.Context, id string, front, back []byte, details *recognition.PersonalDetails) (*SessionView, error) {
	if len(front) == 0 || len(back) == 0 {
		return nil, logging.NewOperationError("usecase.submit_documents", id, logging.WithKind(logging.ErrValidation, errors.New("front and back images are required")))
	}

	var view *SessionView
	err := uc.withSession(ctx, id, func(state *session.State) error {
		uc.releaseCapture(id)
		state.Reset()
		state.DocumentFront = dataurl.Encode(front, "")
		state.DocumentBack = dataurl.Encode(back, "")
		state.Details = details
		if err := uc.save(ctx, state); err != nil {
			return err
		}
		view = viewOf(state)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// ExtractDocument runs extraction and portrait lookup on the stored
// documents. A failed call leaves no extraction data behind.
func (uc *VerificationUseCase) ExtractDocument(ctx context.Context, id string) (*ExtractionResult, error) {
	var result *ExtractionResult
	err := uc.withSession(ctx, id, func(state *session.State) error {
		extractErr := uc.runExtraction(ctx, state)
		if err := uc.save(ctx, state); err != nil {
			return err
		}
		if extractErr != nil {
			return extractErr
		}
		result = extractionOf(state)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetExtraction returns the stored extraction without calling the service.
func (uc *VerificationUseCase) GetExtraction(ctx context.Context, id string) (*ExtractionResult, error) {
	state, err := uc.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(state.Extraction) == 0 {
		return nil, logging.NewOperationError("usecase.get_extraction", id, logging.WithKind(logging.ErrNotFound, errors.New("no extraction yet")))
	}
	return extractionOf(state), nil
}

// Verify compares the document portrait with the live capture, classifies
// the result and persists a verification record.
func (uc *VerificationUseCase) Verify(ctx context.Context, id string, refresh bool) (*VerificationResult, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.verify", id)

	var result *VerificationResult
	err := uc.withSession(ctx, id, func(state *session.State) error {
		uc.syncCapture(state)
		if state.LiveCapture == "" {
			return logging.NewOperationError("usecase.verify", id, logging.WithKind(logging.ErrValidation, errors.New("live capture required")))
		}

		if refresh || len(state.Extraction) == 0 {
			if err := uc.runExtraction(ctx, state); err != nil {
				if saveErr := uc.save(ctx, state); saveErr != nil {
					opLogger.Warn("failed to save cleared extraction", zap.Error(saveErr))
				}
				return err
			}
		} else if state.Portrait == "" {
			if portrait, err := markup.ExtractPortrait(state.Extraction); err == nil {
				state.Portrait = portrait.DataURI
			}
		}
		if err := uc.save(ctx, state); err != nil {
			return err
		}
		if state.Portrait == "" {
			return logging.NewOperationError("usecase.verify", id, logging.WithKind(logging.ErrExtractionIncomplete, markup.ErrPortraitNotFound))
		}

		resp, err := uc.recognizer.Compare(ctx, state.SessionHash, state.Portrait, state.LiveCapture)
		if err != nil {
			opLogger.Error("comparison failed", zap.Error(err))
			return err
		}
		outcome := scoring.EvaluateFragments(resp.Data)

		record, err := uc.buildRecord(ctx, state, outcome)
		if err != nil {
			return err
		}
		if err := uc.repo.Create(ctx, record); err != nil {
			return err
		}

		state.Comparison = resp.Data
		state.RecordID = record.UserID
		state.VerifiedAt = record.VerificationDate
		if err := uc.save(ctx, state); err != nil {
			// The record is stored. A retry must not insert another.
			opLogger.Error("failed to save session after recording verification", zap.String("user_id", record.UserID), zap.Error(err))
		}
		if uc.captures != nil {
			if m, ok := uc.captures.Lookup(id); ok {
				if err := m.Stop(); err != nil {
					opLogger.Warn("failed to release stream", zap.Error(err))
				}
			}
		}

		opLogger.Info("verification recorded",
			zap.String("user_id", record.UserID),
			zap.String("status", string(outcome.Status)),
			zap.Float64("score", outcome.Score),
			zap.Bool("score_determined", outcome.ScoreDetermined),
		)
		result = &VerificationResult{
			SessionID:        id,
			UserID:           record.UserID,
			IDType:           string(state.DocumentType),
			Outcome:          outcome,
			VerificationDate: record.VerificationDate,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Result re-evaluates the stored comparison. It has no side effects.
func (uc *VerificationUseCase) Result(ctx context.Context, id string) (*VerificationResult, error) {
	state, err := uc.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(state.Comparison) == 0 {
		return nil, logging.NewOperationError("usecase.result", id, logging.WithKind(logging.ErrNotFound, errors.New("no comparison yet")))
	}
	return &VerificationResult{
		SessionID:        id,
		UserID:           state.RecordID,
		IDType:           string(state.DocumentType),
		Outcome:          scoring.EvaluateFragments(state.Comparison),
		VerificationDate: state.VerifiedAt,
	}, nil
}

// Reset clears every stage and releases the camera.
func (uc *VerificationUseCase) Reset(ctx context.Context, id string) (*SessionView, error) {
	var view *SessionView
	err := uc.withSession(ctx, id, func(state *session.State) error {
		uc.releaseCapture(id)
		state.Reset()
		if err := uc.save(ctx, state); err != nil {
			return err
		}
		view = viewOf(state)
		return nil
	})
	if err != nil {
		if errors.Is(err, logging.ErrNotFound) {
			uc.releaseCapture(id)
		}
		return nil, err
	}
	return view, nil
}

// DeleteSession releases the camera and forgets the session. The camera is
// released even when the session has already expired.
func (uc *VerificationUseCase) DeleteSession(ctx context.Context, id string) error {
	err := uc.withSession(ctx, id, func(state *session.State) error {
		uc.releaseCapture(id)
		return uc.sessions.Delete(ctx, id)
	})
	if errors.Is(err, logging.ErrNotFound) {
		uc.releaseCapture(id)
	}
	return err
}

func (uc *VerificationUseCase) releaseCapture(id string) {
	if uc.captures != nil {
		uc.captures.Remove(id)
	}
}

// withSession loads the session under its in-flight lock.
func (uc *VerificationUseCase) withSession(ctx context.Context, id string, fn func(state *session.State) error) error {
	release, err := uc.sessions.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	state, err := uc.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	if uc.captures != nil {
		uc.captures.Touch(id)
	}
	return fn(state)
}

func (uc *VerificationUseCase) save(ctx context.Context, state *session.State) error {
	state.UpdatedAt = uc.now()
	return uc.sessions.Save(ctx, state)
}

// runExtraction replaces the extraction and portrait stages of state and
// drops any comparison made from the old ones. On failure those stages are
// left empty. The live capture does not depend on them and is kept.
func (uc *VerificationUseCase) runExtraction(ctx context.Context, state *session.State) error {
	state.Extraction = nil
	state.Portrait = ""
	state.Comparison = nil
	state.RecordID = ""
	state.VerifiedAt = time.Time{}
	if !state.HasDocuments() {
		return logging.NewOperationError("usecase.extract", state.ID, logging.WithKind(logging.ErrValidation, errors.New("front and back images are required")))
	}

	opLogger := logging.WithOperation(uc.logger, "usecase.extract", state.ID)
	resp, err := uc.recognizer.Extract(ctx, state.SessionHash, state.DocumentFront, state.DocumentBack, state.Details)
	if err != nil {
		opLogger.Error("extraction failed", zap.Error(err))
		return err
	}

	state.Extraction = resp.Data
	portrait, err := markup.ExtractPortrait(resp.Data)
	if err != nil {
		opLogger.Warn("no portrait in extraction", zap.Int("fragments", len(resp.Data)))
		return nil
	}
	state.Portrait = portrait.DataURI
	return nil
}

// syncCapture copies the capture machine's image into state, so the image
// compared is the one most recently captured or uploaded.
func (uc *VerificationUseCase) syncCapture(state *session.State) {
	if uc.captures == nil {
		return
	}
	m, ok := uc.captures.Lookup(state.ID)
	if !ok {
		return
	}
	if c, ok := m.Current(); ok {
		state.LiveCapture = c.DataURI
		state.LiveSource = c.Source
	}
}

func (uc *VerificationUseCase) buildRecord(ctx context.Context, state *session.State, outcome scoring.Outcome) (*repository.Verification, error) {
	userID := uuid.NewString()
	record := &repository.Verification{
		UserID:            userID,
		SessionID:         state.ID,
		IDType:            string(state.DocumentType),
		VerificationScore: outcome.Score,
		ScoreDetermined:   outcome.ScoreDetermined,
		VerificationDate:  uc.now(),
		Status:            string(outcome.Status),
		DocumentHash:      documentHash(state.DocumentFront),
	}

	images := []struct {
		name string
		src  string
		dst  *string
	}{
		{"id_front", state.DocumentFront, &record.IDFrontImage},
		{"id_back", state.DocumentBack, &record.IDBackImage},
		{"selfie", state.LiveCapture, &record.SelfieImage},
		{"portrait", state.Portrait, &record.PortraitImage},
	}
	for _, img := range images {
		ref, err := uc.images.Put(ctx, userID+"/"+img.name, img.src)
		if err != nil {
			return nil, err
		}
		*img.dst = ref
	}
	return record, nil
}

// documentHash is the sha1 of the decoded front image, or of the URI text
// when it cannot be decoded.
func documentHash(front string) string {
	data := []byte(front)
	if img, err := dataurl.Decode(front); err == nil {
		data = img.Data
	}
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

func viewOf(state *session.State) *SessionView {
	completed := state.Completed()
	if completed == nil {
		completed = []string{}
	}
	return &SessionView{
		ID:           state.ID,
		DocumentType: state.DocumentType,
		Completed:    completed,
		RecordID:     state.RecordID,
		CreatedAt:    state.CreatedAt,
		UpdatedAt:    state.UpdatedAt,
	}
}

func extractionOf(state *session.State) *ExtractionResult {
	fields := markup.ExtractFields(state.Extraction)
	if fields == nil {
		fields = []markup.Field{}
	}
	return &ExtractionResult{
		Fields:        fields,
		PortraitFound: state.Portrait != "",
		Portrait:      state.Portrait,
		Fragments:     state.Extraction,
	}
}

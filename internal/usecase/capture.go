package usecase

import (
	"context"
	"errors"

	"github.com/example/ekyc/internal/capture"
	"github.com/example/ekyc/internal/dataurl"
	"github.com/example/ekyc/internal/logging"
	"github.com/example/ekyc/internal/session"
)

// StartCapture opens the session's camera stream and arms the prompt and
// auto-capture timers.
func (uc *VerificationUseCase) StartCapture(ctx context.Context, id string) (capture.Status, error) {
	if _, err := uc.sessions.Get(ctx, id); err != nil {
		return capture.Status{}, err
	}
	m, err := uc.captures.Start(ctx, id)
	if err != nil {
		return capture.Status{}, logging.NewOperationError("usecase.start_capture", id, err)
	}
	return m.Status(), nil
}

// PushFrame feeds one camera frame to the running stream.
func (uc *VerificationUseCase) PushFrame(ctx context.Context, id string, frame []byte) error {
	if len(frame) == 0 {
		return logging.NewOperationError("usecase.push_frame", id, logging.WithKind(logging.ErrValidation, errors.New("frame is empty")))
	}
	m, ok := uc.captures.Lookup(id)
	if !ok {
		return logging.NewOperationError("usecase.push_frame", id, logging.WithKind(logging.ErrValidation, capture.ErrNotStarted))
	}
	if err := m.PushFrame(capture.Frame{DataURI: dataurl.Encode(frame, "")}); err != nil {
		return logging.NewOperationError("usecase.push_frame", id, logging.WithKind(logging.ErrValidation, err))
	}
	return nil
}

// UploadCapture uses a manually chosen image as the live capture. Pending
// timers are cancelled and any earlier capture is replaced.
func (uc *VerificationUseCase) UploadCapture(ctx context.Context, id string, image []byte) (capture.Status, error) {
	if len(image) == 0 {
		return capture.Status{}, logging.NewOperationError("usecase.upload_capture", id, logging.WithKind(logging.ErrValidation, errors.New("image is empty")))
	}

	var status capture.Status
	err := uc.withSession(ctx, id, func(state *session.State) error {
		m := uc.captures.Machine(id)
		c := m.Upload(dataurl.Encode(image, ""))
		state.ResetFrom(session.StageCapture)
		state.LiveCapture = c.DataURI
		state.LiveSource = c.Source
		if err := uc.save(ctx, state); err != nil {
			return err
		}
		status = m.Status()
		return nil
	})
	return status, err
}

// Retake discards the capture and restarts the timers if the camera is on.
func (uc *VerificationUseCase) Retake(ctx context.Context, id string) (capture.Status, error) {
	var status capture.Status
	err := uc.withSession(ctx, id, func(state *session.State) error {
		m := uc.captures.Machine(id)
		m.Retake()
		state.ResetFrom(session.StageCapture)
		if err := uc.save(ctx, state); err != nil {
			return err
		}
		status = m.Status()
		return nil
	})
	return status, err
}

// CaptureStatus reports the capture state. Without a machine in this
// process the stored capture, if any, is reported.
func (uc *VerificationUseCase) CaptureStatus(ctx context.Context, id string) (capture.Status, error) {
	state, err := uc.sessions.Get(ctx, id)
	if err != nil {
		return capture.Status{}, err
	}
	if m, ok := uc.captures.Lookup(id); ok {
		return m.Status(), nil
	}
	if state.LiveCapture != "" {
		return capture.Status{State: capture.StateCaptured, Source: state.LiveSource}, nil
	}
	return capture.Status{State: capture.StateIdle}, nil
}

// StopCapture releases the camera. The capture is kept.
func (uc *VerificationUseCase) StopCapture(ctx context.Context, id string) (capture.Status, error) {
	if _, err := uc.sessions.Get(ctx, id); err != nil {
		return capture.Status{}, err
	}
	m, ok := uc.captures.Lookup(id)
	if !ok {
		return capture.Status{State: capture.StateIdle}, nil
	}
	if err := m.Stop(); err != nil {
		return capture.Status{}, logging.NewOperationError("usecase.stop_capture", id, err)
	}
	return m.Status(), nil
}

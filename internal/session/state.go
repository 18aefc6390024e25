// Package session holds the typed per-attempt state that carries data from
// one wizard stage to the next.
package session

import (
	"time"

	"github.com/example/ekyc/internal/recognition"
)

// DocumentType tags the kind of identity document being verified.
type DocumentType string

const (
	DocumentIDCard         DocumentType = "id_card"
	DocumentPassport       DocumentType = "passport"
	DocumentDrivingLicense DocumentType = "driving_license"
)

// Valid reports whether t is a supported document type.
func (t DocumentType) Valid() bool {
	switch t {
	case DocumentIDCard, DocumentPassport, DocumentDrivingLicense:
		return true
	}
	return false
}

// Stage identifies a wizard step. Later stages depend on earlier ones.
type Stage int

const (
	StageDocuments Stage = iota + 1
	StageExtraction
	StagePortrait
	StageCapture
	StageComparison
)

func (s Stage) String() string {
	switch s {
	case StageDocuments:
		return "documents"
	case StageExtraction:
		return "extraction"
	case StagePortrait:
		return "portrait"
	case StageCapture:
		return "capture"
	case StageComparison:
		return "comparison"
	}
	return "unknown"
}

// CaptureSource records where the live capture came from.
type CaptureSource string

const (
	SourceCamera CaptureSource = "camera"
	SourceUpload CaptureSource = "upload"
)

// State is everything one verification attempt has collected so far.
type State struct {
	ID           string       `json:"id"`
	DocumentType DocumentType `json:"document_type"`
	SessionHash  string       `json:"session_hash"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`

	Details       *recognition.PersonalDetails `json:"details,omitempty"`
	DocumentFront string                       `json:"document_front,omitempty"`
	DocumentBack  string                       `json:"document_back,omitempty"`

	Extraction []string `json:"extraction,omitempty"`
	Portrait   string   `json:"portrait,omitempty"`

	LiveCapture string        `json:"live_capture,omitempty"`
	LiveSource  CaptureSource `json:"live_source,omitempty"`

	Comparison []string  `json:"comparison,omitempty"`
	RecordID   string    `json:"record_id,omitempty"`
	VerifiedAt time.Time `json:"verified_at,omitempty"`
}

// HasDocuments reports whether both sides of the document are present.
func (s *State) HasDocuments() bool {
	return s.DocumentFront != "" && s.DocumentBack != ""
}

// ResetFrom clears stage and every stage after it.
func (s *State) ResetFrom(stage Stage) {
	if stage <= StageDocuments {
		s.Details = nil
		s.DocumentFront = ""
		s.DocumentBack = ""
	}
	if stage <= StageExtraction {
		s.Extraction = nil
	}
	if stage <= StagePortrait {
		s.Portrait = ""
	}
	if stage <= StageCapture {
		s.LiveCapture = ""
		s.LiveSource = ""
	}
	if stage <= StageComparison {
		s.Comparison = nil
		s.RecordID = ""
		s.VerifiedAt = time.Time{}
	}
}

// Reset starts the attempt over, keeping only its identity.
func (s *State) Reset() {
	s.ResetFrom(StageDocuments)
}

// Completed lists the stages whose output is present.
func (s *State) Completed() []string {
	var out []string
	if s.HasDocuments() {
		out = append(out, StageDocuments.String())
	}
	if len(s.Extraction) > 0 {
		out = append(out, StageExtraction.String())
	}
	if s.Portrait != "" {
		out = append(out, StagePortrait.String())
	}
	if s.LiveCapture != "" {
		out = append(out, StageCapture.String())
	}
	if len(s.Comparison) > 0 {
		out = append(out, StageComparison.String())
	}
	return out
}

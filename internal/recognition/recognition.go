package recognition

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"math/big"
)

// PersonalDetails are the identity fields a user may type next to the
// document upload.
type PersonalDetails struct {
	Surname      string `json:"surname,omitempty" form:"surname"`
	Name         string `json:"name,omitempty" form:"name"`
	CardNumber   string `json:"card_number,omitempty" form:"card_number"`
	PlaceOfBirth string `json:"place_of_birth,omitempty" form:"place_of_birth"`
	DateOfBirth  string `json:"date_of_birth,omitempty" form:"date_of_birth"`
	Sex          string `json:"sex,omitempty" form:"sex" binding:"omitempty,oneof=M F"`
	Height       string `json:"height,omitempty" form:"height"`
	Nationality  string `json:"nationality,omitempty" form:"nationality"`
	IssueDate    string `json:"issue_date,omitempty" form:"issue_date"`
	ExpiryDate   string `json:"expiry_date,omitempty" form:"expiry_date"`
}

// Placeholders fill the nine text slots of the extraction call when personal
// details are not forwarded. The call is then document-image-only.
var Placeholders = [9]string{
	"static_surname",
	"static_name",
	"static_card_number",
	"static_place_of_birth",
	"static_date_of_birth",
	"static_sex",
	"static_height",
	"static_nationality",
	"static_issue_date",
}

// slots returns the nine text values in extraction order, falling back to
// the placeholder for every empty field.
func (d PersonalDetails) slots() [9]string {
	values := [9]string{
		d.Surname, d.Name, d.CardNumber, d.PlaceOfBirth, d.DateOfBirth,
		d.Sex, d.Height, d.Nationality, d.IssueDate,
	}
	for i, v := range values {
		if v == "" {
			values[i] = Placeholders[i]
		}
	}
	return values
}

// Response is the decoded body of a predict call: an ordered list of HTML
// fragments whose meaning depends on the function invoked.
type Response struct {
	Data []string `json:"data"`
}

// UnmarshalJSON keeps non-string entries as their raw JSON text and turns
// null entries into empty strings, so one odd element never fails the call.
func (r *Response) UnmarshalJSON(b []byte) error {
	var raw struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	r.Data = make([]string, 0, len(raw.Data))
	for _, item := range raw.Data {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			r.Data = append(r.Data, s)
			continue
		}
		r.Data = append(r.Data, string(item))
	}
	return nil
}

// Client exposes the two recognition calls used by the verification flow.
type Client interface {
	// Extract submits both sides of a document and returns the extracted
	// field and portrait fragments.
	Extract(ctx context.Context, sessionHash, front, back string, details *PersonalDetails) (*Response, error)
	// Compare submits the document portrait and the live capture and returns
	// the fragment carrying the similarity line.
	Compare(ctx context.Context, sessionHash, portrait, live string) (*Response, error)
}

const hashAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewSessionHash returns a random 11 character identifier for one wizard
// session, in the format the service issues to its own web client.
func NewSessionHash() (string, error) {
	out := make([]byte, 11)
	max := big.NewInt(int64(len(hashAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = hashAlphabet[n.Int64()]
	}
	return string(out), nil
}

// Package dataurl converts between raw image bytes and the data URI strings
// the browser and the recognition service exchange.
package dataurl

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	scheme        = "data:"
	base64Marker  = ";base64"
	defaultMedium = "text/plain;charset=US-ASCII"
)

var (
	ErrNotDataURL = errors.New("dataurl: missing data: scheme")
	ErrMalformed  = errors.New("dataurl: malformed payload")
)

// Image is a decoded data URI.
type Image struct {
	MediaType string
	Data      []byte
}

// IsImage reports whether the payload declares an image media type.
func (i Image) IsImage() bool {
	return strings.HasPrefix(i.MediaType, "image/")
}

// String re-encodes the image as a base64 data URI.
func (i Image) String() string {
	return Encode(i.Data, i.MediaType)
}

// Encode returns a base64 data URI. An empty mediaType is sniffed from data.
func Encode(data []byte, mediaType string) string {
	if mediaType == "" {
		mediaType = Detect(data)
	}
	var b strings.Builder
	b.Grow(len(scheme) + len(mediaType) + len(base64Marker) + 1 + base64.StdEncoding.EncodedLen(len(data)))
	b.WriteString(scheme)
	b.WriteString(mediaType)
	b.WriteString(base64Marker)
	b.WriteByte(',')
	b.WriteString(base64.StdEncoding.EncodeToString(data))
	return b.String()
}

// Detect sniffs the media type of data without parameters.
func Detect(data []byte) string {
	mt := mimetype.Detect(data).String()
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return mt
}

// Decode parses a data URI of the form data:[<mediatype>][;base64],<data>.
func Decode(uri string) (Image, error) {
	if len(uri) < len(scheme) || !strings.EqualFold(uri[:len(scheme)], scheme) {
		return Image{}, ErrNotDataURL
	}
	rest := uri[len(scheme):]
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return Image{}, fmt.Errorf("%w: missing comma", ErrMalformed)
	}
	header, payload := rest[:comma], rest[comma+1:]

	isBase64 := false
	if strings.HasSuffix(strings.ToLower(header), base64Marker) {
		isBase64 = true
		header = header[:len(header)-len(base64Marker)]
	}
	mediaType := strings.TrimSpace(header)
	if mediaType == "" {
		mediaType = defaultMedium
	}

	if isBase64 {
		data, err := decodeBase64(payload)
		if err != nil {
			return Image{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Image{MediaType: mediaType, Data: data}, nil
	}

	unescaped, err := url.PathUnescape(payload)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Image{MediaType: mediaType, Data: []byte(unescaped)}, nil
}

// decodeBase64 tolerates missing padding and embedded whitespace, both of
// which show up in data URIs scraped from HTML attributes.
func decodeBase64(payload string) ([]byte, error) {
	payload = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, payload)
	if data, err := base64.StdEncoding.DecodeString(payload); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
}

package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
)

// MaxUploadSize caps a single uploaded image.
const MaxUploadSize = 10 << 20

// readImage reads one multipart image field. On failure it writes the
// response and returns false.
func readImage(c *gin.Context, field string) ([]byte, bool) {
	file, err := c.FormFile(field)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			tooLarge(c)
			return nil, false
		}
		badRequest(c, field+" image is required")
		return nil, false
	}
	if file.Size > MaxUploadSize {
		tooLarge(c)
		return nil, false
	}

	src, err := file.Open()
	if err != nil {
		badRequest(c, "unable to open "+field+" image")
		return nil, false
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, MaxUploadSize+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read " + field + " image", "kind": "internal"})
		return nil, false
	}
	if len(data) > MaxUploadSize {
		tooLarge(c)
		return nil, false
	}
	if len(data) == 0 {
		badRequest(c, field+" image is empty")
		return nil, false
	}

	if detected := mimetype.Detect(data); !strings.HasPrefix(detected.String(), "image/") {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{
			"error": field + " must be an image, got " + detected.String(),
			"kind":  "unsupported_media_type",
		})
		return nil, false
	}
	return data, true
}

func tooLarge(c *gin.Context) {
	c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit", "kind": "too_large"})
}

package imagegen

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// MaxImageSize is the largest decoded image accepted from a backend (10MB).
const MaxImageSize = 10 * 1024 * 1024

var (
	// ErrEmptyImage indicates the payload carried no image data
	ErrEmptyImage = errors.New("empty image payload")
	// ErrNotAnImage indicates the decoded payload is not an image
	ErrNotAnImage = errors.New("payload is not an image")
	// ErrImageTooLarge indicates the decoded payload exceeds MaxImageSize
	ErrImageTooLarge = errors.New("image exceeds maximum size")
)

// DecodeImage decodes a base64 image payload and sniffs its MIME type.
// A "data:<mime>;base64," prefix is tolerated.
func DecodeImage(b64 string) ([]byte, string, error) {
	b64 = strings.TrimSpace(b64)
	if i := strings.Index(b64, ";base64,"); strings.HasPrefix(b64, "data:") && i >= 0 {
		b64 = b64[i+len(";base64,"):]
	}
	if b64 == "" {
		return nil, "", ErrEmptyImage
	}
	if base64.StdEncoding.DecodedLen(len(b64)) > MaxImageSize+3 {
		return nil, "", ErrImageTooLarge
	}

	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	if len(data) > MaxImageSize {
		return nil, "", ErrImageTooLarge
	}

	mime := mimetype.Detect(data)
	if !strings.HasPrefix(mime.String(), "image/") {
		return nil, "", fmt.Errorf("%w: detected %s", ErrNotAnImage, mime.String())
	}
	return data, mime.String(), nil
}

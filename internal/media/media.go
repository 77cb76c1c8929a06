// Package media prepares attachments for transmission over slow links.
package media

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/reliefnet/fieldagent/internal/models"
)

const MaxSize = 25 * 1024 * 1024

var ErrTooLarge = errors.New("media: attachment too large")

// Detect fills in a missing or generic MIME type by sniffing the content.
func Detect(m *models.Media) {
	if m == nil {
		return
	}
	m.Size = len(m.Data)
	if m.MIMEType != "" && m.MIMEType != "application/octet-stream" {
		return
	}
	if len(m.Data) == 0 {
		return
	}
	mt := mimetype.Detect(m.Data)
	m.MIMEType = strings.SplitN(mt.String(), ";", 2)[0]
}

// Kind is the coarse category the chat wire format uses: image, video, audio.
func Kind(mimeType string) string {
	kind, _, _ := strings.Cut(mimeType, "/")
	return kind
}

// Shrink re-encodes images whose longest edge exceeds maxEdge. Anything that
// is not a decodable image comes back untouched.
func Shrink(m *models.Media, maxEdge int) (*models.Media, error) {
	if m == nil || maxEdge <= 0 || Kind(m.MIMEType) != "image" {
		return m, nil
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(m.Data))
	if err != nil || (cfg.Width <= maxEdge && cfg.Height <= maxEdge) {
		return m, nil
	}

	img, err := imaging.Decode(bytes.NewReader(m.Data), imaging.AutoOrientation(true))
	if err != nil {
		return m, nil
	}
	img = imaging.Fit(img, maxEdge, maxEdge, imaging.Lanczos)

	format, outType := imaging.JPEG, "image/jpeg"
	if m.MIMEType == "image/png" {
		format, outType = imaging.PNG, "image/png"
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(80)); err != nil {
		return nil, fmt.Errorf("encode %s: %w", outType, err)
	}
	return &models.Media{
		Data:     buf.Bytes(),
		MIMEType: outType,
		Filename: m.Filename,
		Size:     buf.Len(),
	}, nil
}

// DataURL inlines the attachment as a self-contained base64 data URL.
func DataURL(m *models.Media) (string, error) {
	if m == nil || len(m.Data) == 0 {
		return "", nil
	}
	if len(m.Data) > MaxSize {
		return "", ErrTooLarge
	}
	Detect(m)
	return "data:" + m.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(m.Data), nil
}

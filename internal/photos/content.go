package photos

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"

	pkgerrors "github.com/kilnbook/kilnbook-backend/pkg/errors"
)

// inspected describes an accepted upload payload.
type inspected struct {
	contentType string
	extension   string
	width       int
	height      int
}

// inspect checks the payload against the size ceiling and the allow-list and
// reads pixel dimensions when the format is decodable.
func inspect(data []byte, declared string, maxBytes int64, allowed []string) (*inspected, error) {
	if len(data) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "file is empty").
			WithDetails(map[string]any{"field": "file"})
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, pkgerrors.New(pkgerrors.CodeTooLarge, fmt.Sprintf("file exceeds %d bytes", maxBytes)).
			WithDetails(map[string]any{"field": "file", "max_bytes": maxBytes})
	}

	declared = baseType(declared)
	if declared != "" && declared != "application/octet-stream" && !mimetype.EqualsAny(declared, allowed...) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("content type %s is not allowed", declared)).
			WithDetails(map[string]any{"field": "file", "allowed": allowed})
	}

	sniffed := mimetype.Detect(data)
	if !mimetype.EqualsAny(sniffed.String(), allowed...) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("file content %s is not an allowed image type", baseType(sniffed.String()))).
			WithDetails(map[string]any{"field": "file", "allowed": allowed})
	}
	if declared != "" && declared != "application/octet-stream" && !sniffed.Is(declared) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "file content does not match its declared type").
			WithDetails(map[string]any{"field": "file", "declared": declared, "detected": baseType(sniffed.String())})
	}

	out := &inspected{
		contentType: baseType(sniffed.String()),
		extension:   sniffed.Extension(),
	}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		out.width, out.height = cfg.Width, cfg.Height
	}
	return out, nil
}

func baseType(value string) string {
	if i := strings.IndexByte(value, ';'); i >= 0 {
		value = value[:i]
	}
	return strings.ToLower(strings.TrimSpace(value))
}

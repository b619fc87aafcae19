package fetch

import (
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"
)

// decodeBody converts body to UTF-8, falling back to the raw bytes on failure.
func decodeBody(body []byte, contentType, override, source string) []byte {
	decoded, err := decodeBytesWithCharset(body, contentType, override)
	if err != nil {
		slog.Warn("Failed to decode content with specified/detected charset, using raw bytes", "source", source, "error", err)
		return body
	}
	if !utf8.Valid(decoded) {
		slog.Warn("Content is not valid UTF-8 after decoding", "source", source)
	}
	return decoded
}

func decodeBytesWithCharset(rawBytes []byte, contentTypeHeader string, charsetOverride string) ([]byte, error) {
	if len(rawBytes) == 0 {
		return rawBytes, nil
	}

	encodingName := "utf-8"
	headerHasCharset := false

	if charsetOverride != "" {
		encodingName = charsetOverride
	} else if contentTypeHeader != "" {
		_, params, err := mime.ParseMediaType(contentTypeHeader)
		if err == nil {
			if name, ok := params["charset"]; ok {
				encodingName = name
				headerHasCharset = true
			}
		} else {
			slog.Debug("Failed to parse Content-Type header, assuming UTF-8", "header", contentTypeHeader, "error", err)
		}
	}

	if charsetOverride == "" && !headerHasCharset {
		// A BOM is the only signal we trust without a declared charset.
		if _, detectedName, certain := charset.DetermineEncoding(rawBytes, ""); certain {
			encodingName = detectedName
		}
	}

	encodingDef, canonical := charset.Lookup(encodingName)
	if encodingDef == nil {
		slog.Warn("Unknown charset, falling back to UTF-8", "charset", encodingName)
		return rawBytes, nil
	}
	if canonical == "utf-8" {
		return stripUTF8BOM(rawBytes), nil
	}

	decoded, _, err := transform.Bytes(encodingDef.NewDecoder(), rawBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to transform bytes from %s to UTF-8: %w", encodingName, err)
	}
	return decoded, nil
}

func stripUTF8BOM(b []byte) []byte {
	return []byte(strings.TrimPrefix(string(b), "\ufeff"))
}

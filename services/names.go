package services

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"unicode"

	"grantdocs/models"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const (
	maxNameRunes    = 255
	maxSegmentRunes = 200
)

var segmentReplacer = strings.NewReplacer(
	"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
	"\"", "_", "<", "_", ">", "_", "|", "_",
)

var errNameSeparator = errors.New("must not contain path separators")

// normalizeName trims and NFC-normalizes a display name and validates it.
func normalizeName(raw string) (string, error) {
	name := norm.NFC.String(strings.TrimSpace(raw))
	err := validation.Validate(name,
		validation.Required,
		validation.RuneLength(1, maxNameRunes),
		validation.NotIn(".", ".."),
		validation.By(func(value interface{}) error {
			if strings.ContainsAny(value.(string), "/\\") {
				return errNameSeparator
			}
			return nil
		}),
	)
	if err != nil {
		return "", newKindError(ErrInvalidInput, fmt.Sprintf("invalid name %q: %v", raw, err), nil)
	}
	return name, nil
}

// nameKey is the comparison key for sibling uniqueness: case-folded NFC.
func nameKey(name string) string {
	return norm.NFC.String(cases.Fold().String(norm.NFC.String(name)))
}

// sanitizeSegment turns a display name into something safe to use as a path segment.
func sanitizeSegment(name string) string {
	s := segmentReplacer.Replace(name)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	if runes := []rune(s); len(runes) > maxSegmentRunes {
		s = string(runes[:maxSegmentRunes])
	}
	s = strings.TrimSpace(strings.TrimRight(s, ". "))
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

// restoredName builds the n-th alternative for a name that collides on restore.
// File extensions stay at the end.
func restoredName(name string, kind models.NodeKind, n int) string {
	suffix := " (restored)"
	if n > 1 {
		suffix = fmt.Sprintf(" (restored %d)", n)
	}
	base, ext := name, ""
	if kind == models.KindFile {
		ext = path.Ext(name)
		if ext == name {
			ext = ""
		}
		base = strings.TrimSuffix(name, ext)
	}
	if room := maxNameRunes - len([]rune(suffix+ext)); len([]rune(base)) > room {
		base = string([]rune(base)[:room])
	}
	return base + suffix + ext
}

var mimeTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".pdf":  "application/pdf",
	".txt":  "text/plain",
	".csv":  "text/csv",
	".zip":  "application/zip",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".odt":  "application/vnd.oasis.opendocument.text",
	".ods":  "application/vnd.oasis.opendocument.spreadsheet",
}

func detectMimeType(name string) string {
	if mt, ok := mimeTypes[strings.ToLower(path.Ext(name))]; ok {
		return mt
	}
	return "application/octet-stream"
}

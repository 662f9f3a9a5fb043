package utils

import (
	"path"
	"regexp"
	"strings"
)

var invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F]`) // Characters invalid in Windows/Unix filenames
var consecutiveUnderscores = regexp.MustCompile(`_+`)
const maxFilenameLength = 100

// SanitizeFilename cleans a string to be safe for use as a filename component.
// Names over the length limit are cut in the stem so the extension survives.
func SanitizeFilename(name string) string {
	sanitized := invalidFilenameChars.ReplaceAllString(name, "_")
	sanitized = consecutiveUnderscores.ReplaceAllString(sanitized, "_")
	sanitized = strings.Trim(sanitized, "_ ")

	if len(sanitized) > maxFilenameLength {
		ext := path.Ext(sanitized)
		if len(ext) >= maxFilenameLength/2 {
			ext = ""
		}
		stem := strings.Trim(sanitized[:maxFilenameLength-len(ext)], "_ ")
		sanitized = stem + ext
	}

	if sanitized == "" {
		sanitized = "untitled"
	}
	return sanitized
}

// SanitizePathSegments splits a URL path on "/" and returns the sanitized, non-empty segments.
// "." and ".." segments are dropped so the result can never climb out of the directory it is joined to.
func SanitizePathSegments(urlPath string) []string {
	parts := strings.Split(urlPath, "/")
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			continue
		}
		segments = append(segments, SanitizeFilename(part))
	}
	return segments
}

// Package classify decides the storage category and file extension of a fetched artifact.
package classify

import (
	"mime"
	"path"
	"strings"

	"github.com/Sriram-PR/site-archiver/pkg/models"
)

// BinaryExt is used when no better extension can be determined.
const BinaryExt = ".bin"

// preferredImageExt pins the extension for common image types. mime.ExtensionsByType
// returns candidates in an order that depends on the host's mime tables (".jpe" before ".jpg" on some systems).
var preferredImageExt = map[string]string{
	"image/jpeg":               ".jpg",
	"image/pjpeg":              ".jpg",
	"image/png":                ".png",
	"image/gif":                ".gif",
	"image/webp":               ".webp",
	"image/svg+xml":            ".svg",
	"image/x-icon":             ".ico",
	"image/vnd.microsoft.icon": ".ico",
	"image/avif":               ".avif",
	"image/bmp":                ".bmp",
	"image/tiff":               ".tiff",
}

// Classify returns the category and extension for an artifact fetched in the context of kind.
//
// The category follows the request context, not the payload, with one exception: a page whose
// declared content type is present and not HTML is stored as a binary file.
// Extension resolution:
//  1. images take the extension of the declared MIME type, else BinaryExt
//  2. everything else takes the extension of the URL path if it has one
//  3. otherwise ".css" for stylesheets, ".js" for scripts, ".html" for pages, else BinaryExt
func Classify(kind models.AssetKind, urlPath, contentType string) (models.Category, string) {
	category := kind.Category()
	mediaType := MediaType(contentType)
	if kind == models.KindPage && mediaType != "" && !IsHTML(mediaType) {
		category = models.CategoryBinary
	}

	if category == models.CategoryImage {
		return category, ExtensionForMIME(mediaType)
	}

	if ext := URLExtension(urlPath); ext != "" {
		return category, ext
	}

	switch category {
	case models.CategoryCSS:
		return category, ".css"
	case models.CategoryJS:
		return category, ".js"
	case models.CategoryHTML:
		return category, ".html"
	}
	if ext := ExtensionForMIME(mediaType); ext != BinaryExt {
		return category, ext
	}
	return category, BinaryExt
}

// MediaType returns the lowercased media type of a Content-Type header value without parameters.
func MediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// IsHTML reports whether mediaType is an HTML document type.
func IsHTML(mediaType string) bool {
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// ExtensionForMIME maps a media type to a file extension, falling back to BinaryExt.
func ExtensionForMIME(mediaType string) string {
	if mediaType == "" {
		return BinaryExt
	}
	if ext, ok := preferredImageExt[mediaType]; ok {
		return ext
	}
	exts, err := mime.ExtensionsByType(mediaType)
	if err != nil || len(exts) == 0 {
		return BinaryExt
	}
	return exts[0]
}

// URLExtension returns the lowercased extension of the last element of urlPath, or "" if it has none.
func URLExtension(urlPath string) string {
	if urlPath == "" || strings.HasSuffix(urlPath, "/") {
		return ""
	}
	ext := path.Ext(path.Base(urlPath))
	if ext == "." || len(ext) > 10 {
		return ""
	}
	return strings.ToLower(ext)
}

// Package archive maps crawled URLs onto the on-disk mirror and writes artifacts into it.
package archive

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/Sriram-PR/site-archiver/pkg/models"
	"github.com/Sriram-PR/site-archiver/pkg/utils"
)

const pageFilename = "index.html"

// DomainRoot returns the folder name for a host: dots become underscores and
// anything else unsafe in a filename (such as the ':' of a port) is sanitized.
func DomainRoot(host string) string {
	return utils.SanitizeFilename(strings.ReplaceAll(strings.ToLower(host), ".", "_"))
}

// PagePath returns the slash-separated path, relative to the output base, of the HTML page at urlPath.
// "/" maps to <root>/index.html and "/a/b" or "/a/b/" to <root>/a/b/index.html.
func PagePath(host, urlPath string) string {
	parts := append([]string{DomainRoot(host)}, utils.SanitizePathSegments(urlPath)...)
	parts = append(parts, pageFilename)
	return path.Join(parts...)
}

// AssetPath returns the slash-separated path, relative to the output base, of an asset.
// The filename is the last segment of urlPath, with ext appended when that segment has no
// extension of its own. When urlPath has no last segment the content digest names the file.
func AssetPath(host string, category models.Category, urlPath, contentHash, ext string) string {
	return path.Join(DomainRoot(host), category.Dir(), assetFilename(urlPath, contentHash, ext))
}

func assetFilename(urlPath, contentHash, ext string) string {
	segments := utils.SanitizePathSegments(urlPath)
	if len(segments) == 0 || strings.HasSuffix(urlPath, "/") {
		return contentHash + ext
	}
	name := segments[len(segments)-1]
	if path.Ext(name) == "" {
		name += ext
	}
	return name
}

// FilesystemPath converts a relative artifact path to an OS path under baseDir.
func FilesystemPath(baseDir, relPath string) string {
	return filepath.Join(baseDir, filepath.FromSlash(relPath))
}

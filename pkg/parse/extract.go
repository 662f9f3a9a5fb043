package parse

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Sriram-PR/site-archiver/pkg/models"
)

// Reference is a raw link found in a document together with the request context that will fetch it.
type Reference struct {
	Raw  string
	Kind models.AssetKind
}

// referenceSelectors maps a CSS selector and attribute to the kind of fetch it produces.
// Assets come first so a URL that is both linked and embedded is admitted as an asset.
var referenceSelectors = []struct {
	selector string
	attr     string
	kind     models.AssetKind
	srcset   bool
}{
	{`link[rel~="stylesheet"][href]`, "href", models.KindStylesheet, false},
	{"script[src]", "src", models.KindScript, false},
	{"img[src]", "src", models.KindImage, false},
	{"img[srcset]", "srcset", models.KindImage, true},
	{"source[srcset]", "srcset", models.KindImage, true},
	{`link[rel~="icon"][href]`, "href", models.KindImage, false},
	{"a[href]", "href", models.KindPage, false},
	{"area[href]", "href", models.KindPage, false},
}

// DocumentBase returns the URL relative links in doc resolve against: the first
// <base href> if present and valid, otherwise pageURL.
func DocumentBase(doc *goquery.Document, pageURL *url.URL) *url.URL {
	href, ok := doc.Find("base[href]").First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return pageURL
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return pageURL
	}
	return pageURL.ResolveReference(ref)
}

// ExtractReferences collects static asset references and then page links from doc,
// each selector in document order.
// data: URIs, fragment-only anchors and empty attributes are skipped; everything else is left to Normalize.
func ExtractReferences(doc *goquery.Document) []Reference {
	var refs []Reference
	for _, rs := range referenceSelectors {
		doc.Find(rs.selector).Each(func(_ int, s *goquery.Selection) {
			val, _ := s.Attr(rs.attr)
			if rs.srcset {
				for _, candidate := range ParseSrcset(val) {
					if keepReference(candidate) {
						refs = append(refs, Reference{Raw: candidate, Kind: rs.kind})
					}
				}
				return
			}
			if keepReference(val) {
				refs = append(refs, Reference{Raw: strings.TrimSpace(val), Kind: rs.kind})
			}
		})
	}
	return refs
}

// ParseSrcset returns the URL of every candidate in a srcset attribute.
func ParseSrcset(srcset string) []string {
	var urls []string
	for _, candidate := range strings.Split(srcset, ",") {
		fields := strings.Fields(candidate)
		if len(fields) > 0 {
			urls = append(urls, fields[0])
		}
	}
	return urls
}

func keepReference(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return false
	}
	return !strings.HasPrefix(strings.ToLower(raw), "data:")
}

package extractor

import "strings"

// contentTypeExt maps upload content types to file extensions, checked in order.
var contentTypeExt = []struct {
	contentType string
	ext         string
}{
	{"application/pdf", ".pdf"},
	{"image/png", ".png"},
	{"image/jpeg", ".jpg"},
	{"image/jpg", ".jpg"},
	{"image/webp", ".webp"},
	{"image/bmp", ".bmp"},
	{"image/tiff", ".tiff"},
	{"application/json", ".json"},
	{"text/plain", ".txt"},
	{"text/csv", ".csv"},
	{"text/markdown", ".md"},
	{"application/xml", ".xml"},
	{"text/xml", ".xml"},
}

// GuessFilename names a raw upload from its URL path or content type.
func GuessFilename(urlPath, contentType string) string {
	if before, _, found := strings.Cut(urlPath, "?"); found {
		urlPath = before
	}
	if i := strings.LastIndex(urlPath, "/"); i >= 0 {
		if name := urlPath[i+1:]; strings.Contains(name, ".") && len(name) < 100 {
			return name
		}
	}

	ct := strings.ToLower(contentType)
	for _, m := range contentTypeExt {
		if strings.Contains(ct, m.contentType) {
			return "upload" + m.ext
		}
	}
	return "upload"
}

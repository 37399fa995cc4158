package extractor

import (
	"encoding/base64"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dlpgate/inspector/internal/exchange"
)

var inlineImagePattern = regexp.MustCompile(`(?i)data:image/(png|jpeg|jpg|webp|gif|bmp);base64,([A-Za-z0-9+/=]+)`)

var cdnPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)https?://([a-z0-9.\-]*oaiusercontent\.com)(/[^"'\s)]+)`),
	regexp.MustCompile(`(?i)https?://([a-z0-9.\-]*openai\.com/[^"'\s)]+)`),
}

// InlineImages decodes every data:image/...;base64 URI in body.
// Payloads that fail to decode are skipped.
func InlineImages(body string) []exchange.FileArtifact {
	var files []exchange.FileArtifact
	for _, m := range inlineImagePattern.FindAllStringSubmatch(body, -1) {
		imageType := strings.ToLower(m[1])
		data, err := decodeBase64(m[2])
		if err != nil || len(data) == 0 {
			log.Debug().Err(err).Str("type", imageType).Msg("extractor: skipping malformed inline image")
			continue
		}
		files = append(files, exchange.FileArtifact{
			Filename:    "inline." + imageType,
			ContentType: "image/" + imageType,
			Raw:         data,
			Size:        len(data),
			Source:      exchange.SourceBase64,
		})
	}
	return files
}

func decodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

// CDNRefs returns asset URLs referenced in body, in order of appearance per pattern.
// They are recorded for audit only and never fetched.
func CDNRefs(body string) []string {
	var refs []string
	for _, re := range cdnPatterns {
		refs = append(refs, re.FindAllString(body, -1)...)
	}
	return refs
}

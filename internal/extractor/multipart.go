package extractor

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dlpgate/inspector/internal/exchange"
)

// ParseMultipart returns one FileArtifact per part with a non-empty payload.
// A body whose boundary cannot be determined yields no files. A part that
// fails mid-stream ends parsing but keeps the parts already read.
func ParseMultipart(body []byte, contentType string) []exchange.FileArtifact {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil || params["boundary"] == "" {
		log.Debug().Err(err).Msg("extractor: multipart boundary missing")
		return nil
	}

	var files []exchange.FileArtifact
	mr := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	for {
		part, err := mr.NextPart()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Int("parsed", len(files)).Msg("extractor: multipart parse stopped")
			}
			break
		}

		payload, err := readPart(part)
		_ = part.Close()
		if err != nil {
			log.Debug().Err(err).Int("parsed", len(files)).Msg("extractor: multipart part unreadable")
			break
		}
		if len(payload) == 0 {
			continue
		}

		filename := part.FileName()
		if filename == "" {
			filename = "unknown"
		}
		files = append(files, exchange.FileArtifact{
			Filename:    filename,
			ContentType: partContentType(part),
			FieldName:   part.FormName(),
			Raw:         payload,
			Size:        len(payload),
			Source:      exchange.SourceMultipart,
		})
	}
	return files
}

// readPart reads a part body, undoing base64 transfer encoding.
// Quoted-printable is already decoded by mime/multipart.
func readPart(part *multipart.Part) ([]byte, error) {
	data, err := io.ReadAll(part)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(strings.TrimSpace(part.Header.Get("Content-Transfer-Encoding")), "base64") {
		compact := strings.Join(strings.Fields(string(data)), "")
		decoded, err := base64.StdEncoding.DecodeString(compact)
		if err != nil {
			// Keep the raw bytes; the file processor can still look at them.
			return data, nil
		}
		return decoded, nil
	}
	return data, nil
}

// partContentType mirrors MIME defaults: a part without Content-Type is text/plain.
func partContentType(part *multipart.Part) string {
	ct := mediaType(part.Header.Get("Content-Type"))
	if ct == "" {
		return "text/plain"
	}
	return ct
}

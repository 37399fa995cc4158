package synth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Stream is a parsed chat event stream.
type Stream struct {
	Envelopes []Envelope
	Done      bool
}

// ParseStream decodes every "data:" event in r. Non-data lines are ignored.
func ParseStream(r io.Reader) (Stream, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return Stream{}, fmt.Errorf("read stream: %w", err)
	}

	var s Stream
	for {
		event, rest, ok := nextSSEEvent(buf, true)
		if !ok {
			break
		}
		buf = rest

		data := eventData(event)
		if len(data) == 0 {
			continue
		}
		if bytes.Equal(data, []byte(DoneMarker)) {
			s.Done = true
			continue
		}
		if s.Done {
			return s, fmt.Errorf("data event after %s", DoneMarker)
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return s, fmt.Errorf("decode event: %w", err)
		}
		s.Envelopes = append(s.Envelopes, env)
	}
	return s, nil
}

func nextSSEEvent(buf []byte, flush bool) ([]byte, []byte, bool) {
	if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
		return buf[:idx], buf[idx+4:], true
	}
	if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
		return buf[:idx], buf[idx+2:], true
	}
	if flush {
		trimmed := bytes.TrimSpace(buf)
		if len(trimmed) > 0 {
			return trimmed, nil, true
		}
	}
	return nil, nil, false
}

// eventData joins the payloads of an event's data lines.
func eventData(event []byte) []byte {
	var lines [][]byte
	for _, line := range bytes.Split(event, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		lines = append(lines, bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:"))))
	}
	return bytes.Join(lines, []byte("\n"))
}

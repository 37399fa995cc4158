package extractor

import (
	"strings"

	"github.com/tidwall/gjson"
)

// =============================================================================
// MESSAGE CONTENT - tagged union over the shapes clients send
// =============================================================================

// Content is the polymorphic "content" field of a chat message.
// Exactly one of PlainText, PartsList or StructuredContent.
type Content interface {
	isContent()
}

// PlainText is a bare string: {"content": "hello"}.
type PlainText struct {
	Text string
}

// PartsList is an array of typed parts or strings:
// {"content": [{"type": "input_text", "text": "hello"}, "world"]}.
type PartsList struct {
	Parts []Part
}

// Part is one element of a PartsList. Bare is set for plain string elements.
type Part struct {
	Type string
	Text string
	Bare bool
}

// StructuredContent is an object carrying a parts list:
// {"content": {"content_type": "text", "parts": ["hello"]}}.
type StructuredContent struct {
	ContentType string
	Parts       []string
}

func (PlainText) isContent()         {}
func (PartsList) isContent()         {}
func (StructuredContent) isContent() {}

// ParseContent classifies a raw content value. Unsupported shapes return nil.
func ParseContent(v gjson.Result) Content {
	switch {
	case v.Type == gjson.String:
		return PlainText{Text: v.String()}
	case v.IsArray():
		var pl PartsList
		v.ForEach(func(_, part gjson.Result) bool {
			switch {
			case part.Type == gjson.String:
				pl.Parts = append(pl.Parts, Part{Text: part.String(), Bare: true})
			case part.IsObject():
				pl.Parts = append(pl.Parts, Part{
					Type: part.Get("type").String(),
					Text: part.Get("text").String(),
				})
			}
			return true
		})
		return pl
	case v.IsObject():
		parts := v.Get("parts")
		if !parts.IsArray() {
			return nil
		}
		sc := StructuredContent{ContentType: v.Get("content_type").String()}
		parts.ForEach(func(_, p gjson.Result) bool {
			// Non-string parts (asset pointers, images) carry no user text.
			if p.Type == gjson.String {
				sc.Parts = append(sc.Parts, p.String())
			}
			return true
		})
		return sc
	default:
		return nil
	}
}

// ContentText resolves the user-authored text of a message content value.
//   - PlainText:         the trimmed string
//   - PartsList:         the first non-empty text/input_text or bare string part
//   - StructuredContent: the last non-empty string part
func ContentText(c Content) string {
	switch c := c.(type) {
	case PlainText:
		return strings.TrimSpace(c.Text)
	case PartsList:
		for _, p := range c.Parts {
			if !p.Bare && p.Type != "text" && p.Type != "input_text" {
				continue
			}
			if t := strings.TrimSpace(p.Text); t != "" {
				return t
			}
		}
	case StructuredContent:
		for i := len(c.Parts) - 1; i >= 0; i-- {
			if t := strings.TrimSpace(c.Parts[i]); t != "" {
				return t
			}
		}
	}
	return ""
}

package policy

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/dlpgate/inspector/internal/exchange"
	"github.com/dlpgate/inspector/internal/utils"
)

// Headlines prefixed to the backend's free-text details.
const (
	headlinePIIAndPolicy = "Personal information and a policy violation were detected. This request has been blocked."
	headlinePII          = "Personal information was detected. This request has been blocked."
	headlinePolicy       = "A policy violation was detected. This request has been blocked."
)

// checkVerdict rejects a body that is not a JSON object carrying a boolean
// has_pii or policy_violation. Such a body (a proxy error page, a truncated
// reply) says nothing about the text and must not read as clean.
func checkVerdict(body []byte) error {
	if !gjson.ValidBytes(body) {
		return errors.New("body is not valid JSON")
	}
	res := gjson.ParseBytes(body)
	if !res.IsObject() {
		return errors.New("body is not a JSON object")
	}
	if !isBool(res.Get("has_pii")) && !isBool(res.Get("policy_violation")) {
		return errors.New("missing has_pii and policy_violation")
	}
	return nil
}

func isBool(r gjson.Result) bool {
	return r.Type == gjson.True || r.Type == gjson.False
}

// mapVerdict turns a checked 2xx detect response into a decision.
// Missing policy fields are treated as "no violation" for older backends.
func (c *Client) mapVerdict(body []byte) exchange.Decision {
	res := gjson.ParseBytes(body)

	hasPII := res.Get("has_pii").Bool()
	violation := res.Get("policy_violation").Bool()
	if !hasPII && !violation {
		return exchange.Allow(exchange.ReasonNoDetection)
	}

	var entities []exchange.Entity
	res.Get("entities").ForEach(func(_, e gjson.Result) bool {
		entities = append(entities, exchange.Entity{
			Type:       e.Get("type").String(),
			Value:      e.Get("value").String(),
			Confidence: e.Get("confidence").Float(),
			TokenCount: int(e.Get("token_count").Int()),
		})
		return true
	})

	detail := &exchange.Detail{
		Entities:        entities,
		Reason:          res.Get("reason").String(),
		PolicyViolation: violation,
		Judgment:        res.Get("policy_judgment").String(),
	}
	if conf := res.Get("policy_confidence"); conf.Exists() && conf.Type == gjson.Number {
		v := conf.Float()
		detail.Confidence = &v
	}

	var reason, headline string
	switch {
	case hasPII && violation:
		reason, headline = exchange.ReasonPIIAndPolicy, headlinePIIAndPolicy
	case hasPII:
		reason, headline = fmt.Sprintf("pii_detected_%d_entities", len(entities)), headlinePII
	default:
		judgment := detail.Judgment
		if judgment == "" {
			judgment = "detected"
		}
		reason, headline = "policy_violation_"+judgment, headlinePolicy
	}

	if c.detailedMessage {
		detail.Message = FormatDetectionMessage(detail)
	} else {
		detail.Message = headline + "\n\n" + res.Get("details").String()
	}

	log.Info().
		Str("reason", reason).
		Str("entities", entityLog(entities)).
		Bool("policy_violation", violation).
		Str("judgment", detail.Judgment).
		Msg("policy: sensitive content detected")
	return exchange.Block(reason, detail)
}

// entityLog summarizes entity types for logs without leaking values.
func entityLog(entities []exchange.Entity) string {
	if len(entities) == 0 {
		return ""
	}
	types := make([]string, 0, 3)
	for i, e := range entities {
		if i == 3 {
			break
		}
		types = append(types, e.Type)
	}
	s := strings.Join(types, ", ")
	if len(entities) > 3 {
		s += fmt.Sprintf(" and %d more", len(entities)-3)
	}
	return s
}

// =============================================================================
// USER-FACING MESSAGE
// =============================================================================

// FormatDetectionMessage renders an itemized explanation of a block.
// Entity values are masked; a nil detail yields only the header.
func FormatDetectionMessage(d *exchange.Detail) string {
	const header = "Request blocked."
	if d == nil {
		return header
	}

	lines := []string{header, ""}

	var reasons []string
	if len(d.Entities) > 0 {
		reasons = append(reasons, fmt.Sprintf("%d personal info item(s) detected", len(d.Entities)))
	}
	if d.PolicyViolation {
		judgment := d.Judgment
		if judgment == "" {
			judgment = "policy violation"
		}
		reasons = append(reasons, fmt.Sprintf("policy violation detected (%s)", judgment))
	}
	if len(reasons) > 0 {
		lines = append(lines, "Block reasons:")
		for _, r := range reasons {
			lines = append(lines, "• "+r)
		}
		lines = append(lines, "")
	}

	if len(d.Entities) > 0 {
		lines = append(lines, "Detected personal info:")
		for _, e := range d.Entities {
			typ := e.Type
			if typ == "" {
				typ = "UNKNOWN"
			}
			lines = append(lines, fmt.Sprintf("• %s: '%s' (confidence: %s%%)", typ, utils.MaskValue(e.Value), percent(e.Confidence)))
		}
		lines = append(lines, "")
	}

	if d.PolicyViolation {
		lines = append(lines, "Policy violation info:")
		if d.Judgment != "" {
			lines = append(lines, "• Violation type: "+d.Judgment)
		}
		if d.Confidence != nil {
			lines = append(lines, fmt.Sprintf("• Confidence: %s%%", percent(*d.Confidence)))
		}
		lines = append(lines, "")
	}

	lines = append(lines,
		"This request was blocked under the data protection policy.",
		"Contact your administrator if you have questions.",
	)
	return strings.Join(lines, "\n")
}

// percent formats a 0..1 score as a percentage with one decimal.
func percent(score float64) string {
	return strconv.FormatFloat(math.Round(score*1000)/10, 'f', 1, 64)
}

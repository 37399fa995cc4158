// Package classifier routes intercepted requests into route classes.
//
// DESIGN: Routing is a data-driven, ordered table of rules. The first rule
// whose method, host and path patterns match (and whose stream-signal
// requirement, if any, is satisfied) decides the class. Anything unmatched
// is passthrough: a narrow match that misses traffic is preferred over
// holding unrelated requests on a synchronous policy call.
//
// Classification is a pure function of (method, host, path, headers).
package classifier

import (
	"fmt"
	"mime"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/dlpgate/inspector/internal/config"
	"github.com/dlpgate/inspector/internal/monitoring"
)

// Kind aliases the shared route class type.
type Kind = monitoring.Kind

const (
	Conversation = monitoring.KindConversation
	Upload       = monitoring.KindUpload
	Passthrough  = monitoring.KindPassthrough
)

// Rule is one row of the routing table.
type Rule struct {
	Name string
	// Methods lists accepted methods. Empty accepts any method.
	Methods []string
	// Host must match the port-stripped, lowercased host. Nil matches any host.
	Host *regexp.Regexp
	// Path must match the URL path. Nil matches any path.
	Path *regexp.Regexp
	Kind Kind
	// RequireStreamSignal demands a JSON body, an SSE Accept header or an /sse/ path.
	RequireStreamSignal bool
}

// Classifier holds an immutable routing table.
type Classifier struct {
	scope []*regexp.Regexp
	rules []Rule
}

// New builds a classifier from explicit scope patterns and rules.
// A host outside every scope pattern is passthrough before any rule runs.
func New(scope []*regexp.Regexp, rules []Rule) *Classifier {
	return &Classifier{scope: scope, rules: rules}
}

// FromConfig compiles the default routing table from configured patterns.
func FromConfig(cfg config.ClassifierConfig) (*Classifier, error) {
	compile := func(name, expr string) (*regexp.Regexp, error) {
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return nil, fmt.Errorf("classifier: compile %s: %w", name, err)
		}
		return re, nil
	}

	targets, err := compile("target_hosts", cfg.TargetHosts)
	if err != nil {
		return nil, err
	}
	uploadHosts, err := compile("upload_hosts", cfg.UploadHosts)
	if err != nil {
		return nil, err
	}
	conversation, err := compile("conversation_path", cfg.ConversationPath)
	if err != nil {
		return nil, err
	}
	control, err := compile("control_path", cfg.ControlPath)
	if err != nil {
		return nil, err
	}
	uploadPath, err := compile("upload_path", cfg.UploadPath)
	if err != nil {
		return nil, err
	}

	rules := []Rule{
		{Name: "exclude-control", Methods: []string{http.MethodPost}, Host: targets, Path: control, Kind: Passthrough},
		{Name: "conversation", Methods: []string{http.MethodPost}, Host: targets, Path: conversation, Kind: Conversation, RequireStreamSignal: true},
		{Name: "upload-path", Path: uploadPath, Kind: Upload},
		{Name: "upload-host", Methods: []string{http.MethodPut, http.MethodPost}, Host: uploadHosts, Kind: Upload},
	}
	return New([]*regexp.Regexp{targets, uploadHosts}, rules), nil
}

// Classify returns the route class for a request.
func (c *Classifier) Classify(method, host, path string, headers http.Header) Kind {
	kind, _ := c.Match(method, host, path, headers)
	return kind
}

// Match is Classify plus the name of the deciding rule ("" for the default).
func (c *Classifier) Match(method, host, path string, headers http.Header) (Kind, string) {
	h := normalizeHost(host)
	if !c.inScope(h) {
		return Passthrough, "out-of-scope"
	}
	method = strings.ToUpper(method)

	for _, r := range c.rules {
		if !r.matches(method, h, path, headers) {
			continue
		}
		return r.Kind, r.Name
	}
	return Passthrough, ""
}

// InScope reports whether host is a target or upload host, i.e. whether its
// TLS traffic should be decrypted at all.
func (c *Classifier) InScope(host string) bool {
	return c.inScope(normalizeHost(host))
}

func (c *Classifier) inScope(host string) bool {
	if len(c.scope) == 0 {
		return true
	}
	for _, re := range c.scope {
		if re.MatchString(host) {
			return true
		}
	}
	return false
}

func (r Rule) matches(method, host, path string, headers http.Header) bool {
	if len(r.Methods) > 0 && !containsFold(r.Methods, method) {
		return false
	}
	if r.Host != nil && !r.Host.MatchString(host) {
		return false
	}
	if r.Path != nil && !r.Path.MatchString(path) {
		return false
	}
	if r.RequireStreamSignal && !HasStreamSignal(path, headers) {
		return false
	}
	return true
}

// HasStreamSignal reports whether a request looks like a streamed chat turn.
func HasStreamSignal(path string, headers http.Header) bool {
	if headers != nil {
		if mt, _, err := mime.ParseMediaType(headers.Get("Content-Type")); err == nil && mt == "application/json" {
			return true
		}
		if strings.Contains(strings.ToLower(headers.Get("Accept")), "text/event-stream") {
			return true
		}
	}
	return strings.Contains(path, "/sse/")
}

// normalizeHost lowercases and strips any port.
func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(host, ".")
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

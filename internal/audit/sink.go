// Package audit persists one record per decided exchange.
//
// DESIGN: Two append-only JSONL streams, each rotated by UTC date:
//
//	<dir>/<base>_<YYYY-MM-DD>.jsonl            every decision, prompt cut to 1000 chars
//	<dir>/blocked/blocked_<YYYY-MM-DD>.jsonl   blocks only, prompt cut to 500 chars
//
// Each stream has its own retention window, enforced at startup and then on an
// interval. Write failures are logged and counted, never returned: the audit
// trail must not change whether traffic is forwarded or blocked.
//
// FILES:
//   - sink.go:   Sink, Record, entry building, cleanup loop
//   - daily.go:  date-rotated file stream
//   - index.go:  optional SQLite metadata index
//   - tokens.go: tiktoken prompt counting
package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/dlpgate/inspector/internal/config"
	"github.com/dlpgate/inspector/internal/exchange"
	"github.com/dlpgate/inspector/internal/monitoring"
	"github.com/dlpgate/inspector/internal/utils"
)

// BlockedDir is the subdirectory holding the blocked stream.
const BlockedDir = "blocked"

// timestampLayout matches ISO-8601 with microseconds and a Z suffix.
const timestampLayout = "2006-01-02T15:04:05.000000Z"

// ErrIndexDisabled is returned by Stats when no index is configured.
var ErrIndexDisabled = errors.New("audit index disabled")

// =============================================================================
// RECORDS
// =============================================================================

// Record is the input for one audit entry.
type Record struct {
	Time     time.Time
	Kind     monitoring.Kind
	Exchange *exchange.InspectedExchange
	Decision exchange.Decision
	Status   monitoring.Outcome
	// Latency is the wall time spent obtaining Decision.
	Latency time.Duration
}

// FileSummary describes an attached file without its contents.
type FileSummary struct {
	Filename    string              `json:"filename"`
	ContentType string              `json:"content_type"`
	Size        int                 `json:"size"`
	Source      exchange.FileSource `json:"source"`
}

// Entry is one JSONL line.
type Entry struct {
	Timestamp    string           `json:"timestamp"`
	Epoch        float64          `json:"epoch"`
	RequestID    string           `json:"request_id,omitempty"`
	ClientIP     string           `json:"client_ip"`
	Host         string           `json:"host"`
	Path         string           `json:"path,omitempty"`
	Kind         string           `json:"kind,omitempty"`
	Prompt       string           `json:"prompt"`
	PromptHash   string           `json:"prompt_hash,omitempty"`
	PromptTokens int              `json:"prompt_tokens"`
	FilesCount   int              `json:"files_count"`
	Files        []FileSummary    `json:"files,omitempty"`
	CDNRefs      []string         `json:"cdn_refs,omitempty"`
	ShouldBlock  bool             `json:"should_block"`
	Reason       string           `json:"reason"`
	Status       string           `json:"status"`
	Details      *exchange.Detail `json:"details"`
	LatencyMs    int64            `json:"decision_latency_ms,omitempty"`
}

// =============================================================================
// SINK
// =============================================================================

// Sink writes audit entries. Safe for concurrent use.
type Sink struct {
	main    *dailyFile
	blocked *dailyFile
	index   *Index
	tokens  *TokenCounter
	metrics *monitoring.Metrics
	now     func() time.Time

	cleanupInterval time.Duration
	cancel          context.CancelFunc
	done            chan struct{}
	closeOnce       sync.Once
}

// Option configures the Sink.
type Option func(*Sink)

// WithMetrics counts swallowed write failures.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(s *Sink) {
		s.metrics = m
	}
}

// WithClock overrides the time source used for cleanup and untimed records.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) {
		s.now = now
	}
}

// WithTokenCounter replaces the tokenizer loaded from config.
func WithTokenCounter(t *TokenCounter) Option {
	return func(s *Sink) {
		s.tokens = t
	}
}

// WithCleanupInterval overrides how often retention runs.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.cleanupInterval = d
		}
	}
}

// New creates the audit directories, opens the optional index, runs
// retention once and starts the periodic cleanup goroutine.
func New(cfg config.AuditConfig, opts ...Option) (*Sink, error) {
	blockedDir := filepath.Join(cfg.Dir, BlockedDir)
	if err := os.MkdirAll(blockedDir, 0700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	s := &Sink{
		main:            newDailyFile(cfg.Dir, cfg.Base, cfg.RetentionDays),
		blocked:         newDailyFile(blockedDir, "blocked", cfg.BlockedRetentionDays),
		now:             time.Now,
		cleanupInterval: config.DefaultCleanupInterval,
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tokens == nil {
		s.tokens = NewTokenCounter(cfg.Tokenizer)
	}

	if cfg.IndexPath != "" {
		idx, err := OpenIndex(context.Background(), cfg.IndexPath)
		if err != nil {
			return nil, err
		}
		s.index = idx
	}

	s.runCleanup()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.cleanupLoop(ctx)

	log.Info().
		Str("dir", cfg.Dir).
		Int("retention_days", cfg.RetentionDays).
		Int("blocked_retention_days", cfg.BlockedRetentionDays).
		Bool("index", s.index != nil).
		Msg("audit: sink ready")
	return s, nil
}

// Record appends rec to the main stream, and to the blocked stream when the
// exchange was blocked. Failures are logged and counted.
func (s *Sink) Record(ctx context.Context, rec Record) {
	if rec.Time.IsZero() {
		rec.Time = s.now()
	}
	ts := rec.Time
	entry := s.entry(rec)

	if err := s.write(s.main, ts, entry); err != nil {
		s.fail(err, "audit: failed to write record")
	}

	if entry.Status == string(monitoring.OutcomeBlocked) {
		blocked := entry
		blocked.Prompt = utils.Truncate(rec.prompt(), config.MaxBlockedPromptLen)
		if err := s.write(s.blocked, ts, blocked); err != nil {
			s.fail(err, "audit: failed to write blocked record")
		}
	}

	if s.index != nil {
		if err := s.index.Insert(ctx, entry); err != nil {
			s.fail(err, "audit: failed to index record")
		}
	}
}

// Stats returns index aggregates.
func (s *Sink) Stats(ctx context.Context) (Stats, error) {
	if s.index == nil {
		return Stats{}, ErrIndexDisabled
	}
	return s.index.Stats(ctx)
}

// Close stops the cleanup goroutine and closes every handle. Safe to call twice.
func (s *Sink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		err = errors.Join(s.main.close(), s.blocked.close())
		if s.index != nil {
			err = errors.Join(err, s.index.Close())
		}
	})
	return err
}

func (s *Sink) entry(rec Record) Entry {
	ts := rec.Time.UTC()

	prompt := rec.prompt()
	e := Entry{
		Timestamp:   ts.Format(timestampLayout),
		Epoch:       epochSeconds(ts),
		Kind:        string(rec.Kind),
		Prompt:      utils.Truncate(prompt, config.MaxAuditPromptLen),
		ShouldBlock: rec.Decision.ShouldBlock,
		Reason:      rec.Decision.Reason,
		Status:      string(rec.Status),
		Details:     rec.Decision.Detail,
		LatencyMs:   rec.Latency.Milliseconds(),
	}
	if e.Status == "" {
		e.Status = string(monitoring.OutcomeAllowed)
		if rec.Decision.ShouldBlock {
			e.Status = string(monitoring.OutcomeBlocked)
		}
	}
	if prompt != "" {
		e.PromptHash = fmt.Sprintf("%016x", xxhash.Sum64String(prompt))
		e.PromptTokens = s.tokens.Count(prompt)
	}

	if ex := rec.Exchange; ex != nil {
		e.RequestID = ex.Metadata.RequestID
		e.ClientIP = ex.Metadata.ClientIP
		e.Host = ex.Metadata.Host
		e.Path = ex.Metadata.Path
		e.CDNRefs = ex.Metadata.CDNRefs
		e.FilesCount = len(ex.Files)
		for _, f := range ex.Files {
			e.Files = append(e.Files, FileSummary{
				Filename:    f.Filename,
				ContentType: f.ContentType,
				Size:        f.Size,
				Source:      f.Source,
			})
		}
	}
	return e
}

func (r Record) prompt() string {
	if r.Exchange == nil {
		return ""
	}
	return r.Exchange.Prompt
}

func (s *Sink) write(d *dailyFile, ts time.Time, e Entry) error {
	data, err := utils.MarshalNoEscape(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	return d.append(ts, append(data, '\n'))
}

func (s *Sink) fail(err error, msg string) {
	s.metrics.RecordAuditError()
	log.Error().Err(err).Msg(msg)
}

// =============================================================================
// RETENTION
// =============================================================================

func (s *Sink) runCleanup() {
	now := s.now()
	deleted := s.main.cleanup(now) + s.blocked.cleanup(now)

	if s.index != nil {
		cutoff := now.UTC().AddDate(0, 0, -s.main.retentionDays)
		if _, err := s.index.Prune(context.Background(), cutoff); err != nil {
			log.Error().Err(err).Msg("audit cleanup: failed to prune index")
		}
	}
	if deleted > 0 {
		log.Info().Int("deleted", deleted).Msg("audit cleanup completed")
	}
}

func (s *Sink) cleanupLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCleanup()
		}
	}
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

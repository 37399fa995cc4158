package audit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const dateLayout = "2006-01-02"

// ErrClosed is returned for appends after the sink is closed.
var ErrClosed = errors.New("audit sink closed")

// dailyFile is an append-only JSONL stream rotated by UTC date:
// <dir>/<prefix>_<YYYY-MM-DD>.jsonl. The handle stays open between appends.
type dailyFile struct {
	dir           string
	prefix        string
	retentionDays int
	pattern       *regexp.Regexp

	mu     sync.Mutex
	f      *os.File
	date   string
	closed bool
}

func newDailyFile(dir, prefix string, retentionDays int) *dailyFile {
	return &dailyFile{
		dir:           dir,
		prefix:        prefix,
		retentionDays: retentionDays,
		pattern:       regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `_(\d{4}-\d{2}-\d{2})\.jsonl$`),
	}
}

func (d *dailyFile) filename(date string) string {
	return fmt.Sprintf("%s_%s.jsonl", d.prefix, date)
}

// append writes one line. The line must end in '\n'; it is written with a
// single Write so concurrent appends never interleave.
func (d *dailyFile) append(ts time.Time, line []byte) error {
	date := ts.UTC().Format(dateLayout)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if d.f == nil || d.date != date {
		if err := d.rotateLocked(date); err != nil {
			return err
		}
	}
	if _, err := d.f.Write(line); err != nil {
		return fmt.Errorf("write %s: %w", d.filename(d.date), err)
	}
	return nil
}

// rotateLocked closes the current file and opens the one for date.
// Must be called with d.mu held.
func (d *dailyFile) rotateLocked(date string) error {
	if d.f != nil {
		_ = d.f.Sync()
		_ = d.f.Close()
		d.f = nil
	}

	name := d.filename(date)
	f, err := os.OpenFile(filepath.Join(d.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	d.f = f
	d.date = date
	return nil
}

// cleanup deletes files whose date is older than the retention window.
func (d *dailyFile) cleanup(now time.Time) int {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		log.Error().Err(err).Str("dir", d.dir).Msg("audit cleanup: failed to read directory")
		return 0
	}

	cutoff := now.UTC().AddDate(0, 0, -d.retentionDays)
	deleted := 0
	for _, e := range entries {
		m := d.pattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		fileDate, err := time.Parse(dateLayout, m[1])
		if err != nil || !fileDate.Before(cutoff) {
			continue
		}

		d.mu.Lock()
		if d.date == m[1] && d.f != nil {
			_ = d.f.Close()
			d.f = nil
			d.date = ""
		}
		d.mu.Unlock()

		if err := os.Remove(filepath.Join(d.dir, e.Name())); err != nil {
			log.Error().Err(err).Str("file", e.Name()).Msg("audit cleanup: failed to delete file")
			continue
		}
		deleted++
	}
	return deleted
}

func (d *dailyFile) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	if d.f == nil {
		return nil
	}
	_ = d.f.Sync()
	err := d.f.Close()
	d.f = nil
	return err
}

// Package calendar answers "is this date a working day in mainland China".
// Holiday data is loaded from a per-year JSON cache on disk and fetched from
// a remote endpoint when the cache is missing. Make-up workdays (weekend days
// declared working) are handled.
package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultBaseURL is the public holiday dataset endpoint. The response shape
// is {code:0, data:[{date:"YYYY-MM-DD", is_holiday:0|1, name}, ...]}.
const DefaultBaseURL = "https://holiday.ailcc.com/api/holiday/allyear"

// Answer is the tri-state result of a workday query. Unknown means the year's
// data could not be loaded; callers fall back to plain weekday logic.
type Answer int

const (
	Unknown Answer = iota
	Yes
	No
)

type dayRecord struct {
	Date      string `json:"date"`
	IsHoliday int    `json:"is_holiday"`
	Name      string `json:"name,omitempty"`
}

type yearResponse struct {
	Code int         `json:"code"`
	Data []dayRecord `json:"data"`
}

// Oracle resolves workday/restday status for dates. Safe for concurrent use.
type Oracle struct {
	cacheDir string
	baseURL  string
	client   *http.Client

	mu sync.RWMutex
	// years holds loaded data: year → date("2006-01-02") → is_holiday.
	// A date absent from the map follows plain weekday rules.
	years map[int]map[string]bool
	// failed years are not refetched until the process restarts.
	failed map[int]bool
}

// NewOracle creates an Oracle caching year files under cacheDir.
func NewOracle(cacheDir string) *Oracle {
	return &Oracle{
		cacheDir: cacheDir,
		baseURL:  DefaultBaseURL,
		client:   &http.Client{Timeout: 10 * time.Second},
		years:    make(map[int]map[string]bool),
		failed:   make(map[int]bool),
	}
}

// SetBaseURL overrides the remote endpoint. Used by tests.
func (o *Oracle) SetBaseURL(url string) { o.baseURL = url }

// IsWorkday reports whether date is a working day. Declared holidays are not
// working days regardless of weekday; make-up workdays are working days even
// on weekends; otherwise Monday–Friday are working days.
func (o *Oracle) IsWorkday(ctx context.Context, date time.Time) Answer {
	table, ok := o.yearTable(ctx, date.Year())
	if !ok {
		return Unknown
	}
	if isHoliday, listed := table[date.Format("2006-01-02")]; listed {
		if isHoliday {
			return No
		}
		return Yes // make-up workday
	}
	wd := date.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return No
	}
	return Yes
}

// IsRestday is the inverse of IsWorkday, preserving Unknown.
func (o *Oracle) IsRestday(ctx context.Context, date time.Time) Answer {
	switch o.IsWorkday(ctx, date) {
	case Yes:
		return No
	case No:
		return Yes
	default:
		return Unknown
	}
}

// yearTable returns the holiday table for a year, loading from the disk cache
// or the remote endpoint as needed.
func (o *Oracle) yearTable(ctx context.Context, year int) (map[string]bool, bool) {
	o.mu.RLock()
	table, ok := o.years[year]
	failed := o.failed[year]
	o.mu.RUnlock()
	if ok {
		return table, true
	}
	if failed {
		return nil, false
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	// Re-check under the write lock; another goroutine may have loaded it.
	if table, ok = o.years[year]; ok {
		return table, true
	}
	if o.failed[year] {
		return nil, false
	}

	table, err := o.loadCache(year)
	if err == nil {
		o.years[year] = table
		return table, true
	}

	table, err = o.fetchRemote(ctx, year)
	if err != nil {
		slog.Warn("Holiday data unavailable, workday modes fall back to weekday rules",
			"year", year, "error", err)
		o.failed[year] = true
		return nil, false
	}
	o.years[year] = table
	return table, true
}

func (o *Oracle) cachePath(year int) string {
	return filepath.Join(o.cacheDir, fmt.Sprintf("allyear_%d.json", year))
}

func (o *Oracle) loadCache(year int) (map[string]bool, error) {
	raw, err := os.ReadFile(o.cachePath(year))
	if err != nil {
		return nil, err
	}
	var resp yearResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("corrupt holiday cache for %d: %w", year, err)
	}
	return buildTable(resp.Data), nil
}

func (o *Oracle) fetchRemote(ctx context.Context, year int) (map[string]bool, error) {
	url := fmt.Sprintf("%s/%d", o.baseURL, year)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch holiday data: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("holiday endpoint returned %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	var parsed yearResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode holiday response: %w", err)
	}
	if parsed.Code != 0 {
		return nil, fmt.Errorf("holiday endpoint error code %d", parsed.Code)
	}

	if err := o.writeCache(year, raw); err != nil {
		slog.Warn("Failed to write holiday cache", "year", year, "error", err)
	}
	return buildTable(parsed.Data), nil
}

// writeCache persists the raw year payload atomically (temp file + rename).
func (o *Oracle) writeCache(year int, raw []byte) error {
	if err := os.MkdirAll(o.cacheDir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(o.cacheDir, "allyear_*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), o.cachePath(year))
}

func buildTable(days []dayRecord) map[string]bool {
	table := make(map[string]bool, len(days))
	for _, d := range days {
		table[d.Date] = d.IsHoliday == 1
	}
	return table
}

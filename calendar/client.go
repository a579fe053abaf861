package calendar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sony/gobreaker"

	"github.com/warp/circulation-engine/circulation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// =============================================================================
// REMOTE CALENDAR - HTTP calendar service behind a circuit breaker
// =============================================================================

// Client reads opening days from a remote calendar service:
//
//	GET {BaseURL}/calendars/{servicePointId}/days/{yyyy-mm-dd} -> {"open": true}
//
// A 404 means the service point has no calendar. Answers are cached per
// day for CacheTTL. After repeated failures the breaker opens and calls
// fail fast until it half-opens again.
type Client struct {
	BaseURL  string
	HTTP     *http.Client
	Location *time.Location
	CacheTTL time.Duration

	breaker *gobreaker.CircuitBreaker

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
}

type cacheKey struct {
	sp  circulation.ServicePointID
	day string
}

type cacheEntry struct {
	open    bool
	expires time.Time
}

type dayResponse struct {
	Open bool `json:"open"`
}

var _ circulation.Calendar = (*Client)(nil)

// NewClient creates a Client. timeout bounds each HTTP call.
func NewClient(baseURL string, timeout time.Duration, loc *time.Location) *Client {
	if loc == nil {
		loc = time.UTC
	}
	return &Client{
		BaseURL:  baseURL,
		HTTP:     &http.Client{Timeout: timeout},
		Location: loc,
		CacheTTL: 10 * time.Minute,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "calendar",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		cache: make(map[cacheKey]cacheEntry),
	}
}

func (c *Client) IsOpen(ctx context.Context, sp circulation.ServicePointID, day time.Time) (bool, error) {
	key := cacheKey{sp: sp, day: DayKey(day, c.Location)}
	if open, ok := c.cached(key); ok {
		return open, nil
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		open, err := c.fetch(ctx, key)
		if errors.Is(err, circulation.ErrNoCalendarConfigured) {
			// A missing calendar is an answer, not a failure of the service.
			return nil, nil
		}
		return open, err
	})
	if err != nil {
		return false, &circulation.DependencyError{
			Dependency: "calendar",
			Op:         "isOpen",
			Err:        err,
			Transient:  !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests),
		}
	}
	if result == nil {
		return false, circulation.ErrNoCalendarConfigured
	}
	open := result.(bool)
	c.store(key, open)
	return open, nil
}

func (c *Client) NextOpenDay(ctx context.Context, sp circulation.ServicePointID, day time.Time) (time.Time, error) {
	return circulation.ScanOpenDay(ctx, c, sp, circulation.StartOfDay(day, c.Location), 1)
}

func (c *Client) PreviousOpenDay(ctx context.Context, sp circulation.ServicePointID, day time.Time) (time.Time, error) {
	return circulation.ScanOpenDay(ctx, c, sp, circulation.StartOfDay(day, c.Location), -1)
}

func (c *Client) fetch(ctx context.Context, key cacheKey) (bool, error) {
	endpoint := fmt.Sprintf("%s/calendars/%s/days/%s", c.BaseURL, url.PathEscape(string(key.sp)), key.day)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, circulation.ErrNoCalendarConfigured
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("calendar service returned %d: %s", resp.StatusCode, body)
	}

	var day dayResponse
	if err := json.NewDecoder(resp.Body).Decode(&day); err != nil {
		return false, fmt.Errorf("decoding calendar response: %w", err)
	}
	return day.Open, nil
}

func (c *Client) cached(key cacheKey) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache[key]
	if !ok || time.Now().After(e.expires) {
		return false, false
	}
	return e.open, true
}

func (c *Client) store(key cacheKey, open bool) {
	if c.CacheTTL <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = cacheEntry{open: open, expires: time.Now().Add(c.CacheTTL)}
}

// Package plex is the media-server client: a rate-limited, retrying HTTP
// wrapper around the handful of Plex endpoints the synchroniser needs. The
// client is stateless apart from its request semaphore and HTTP session.
package plex

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/text/unicode/norm"

	"github.com/kman0001/tubesync-plex/internal/httpx"
	"github.com/kman0001/tubesync-plex/internal/log"
	"github.com/kman0001/tubesync-plex/internal/metrics"
)

const (
	defaultTimeout       = 60 * time.Second
	defaultMaxConcurrent = 2
	defaultRequestDelay  = 100 * time.Millisecond

	maxAttempts  = 3
	retryBackoff = 300 * time.Millisecond
)

// Config configures the client.
type Config struct {
	BaseURL string
	Token   string

	// MaxConcurrent bounds the number of in-flight requests (default 2).
	MaxConcurrent int
	// RequestDelay is slept after every request while the slot is still
	// held, smoothing bursts (default 100ms).
	RequestDelay time.Duration
	// Timeout is the per-request hard timeout (default 60s).
	Timeout time.Duration
	// DebugHTTP raises per-request logging to info level.
	DebugHTTP bool
	// Transport optionally replaces the default transport (tracing).
	Transport http.RoundTripper
}

// Client talks to one Plex server.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	sem    *semaphore.Weighted
	delay  time.Duration
	debug  bool
	logger zerolog.Logger
}

// New validates the configuration and returns a ready client.
func New(cfg Config) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, fmt.Errorf("plex: base url required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("plex: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("plex: base url must be http(s), got %q", raw)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("plex: token required")
	}

	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = defaultMaxConcurrent
	}
	delay := cfg.RequestDelay
	if delay < 0 {
		delay = defaultRequestDelay
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	httpClient := &http.Client{Timeout: timeout, Transport: httpx.NewTransport()}
	if cfg.Transport != nil {
		httpClient.Transport = cfg.Transport
	}

	return &Client{
		base:   base,
		token:  cfg.Token,
		http:   httpClient,
		sem:    semaphore.NewWeighted(int64(maxConc)),
		delay:  delay,
		debug:  cfg.DebugHTTP,
		logger: log.WithComponent("plex"),
	}, nil
}

// BaseURL returns the configured server root (for startup logging).
func (c *Client) BaseURL() string { return c.base.String() }

// Identity probes the server root. Used as the startup connectivity check
// and by the readiness endpoint.
func (c *Client) Identity(ctx context.Context) error {
	_, err := c.do(ctx, "identity", http.MethodGet, "/identity", nil, nil)
	return err
}

// Sections lists all library sections.
func (c *Client) Sections(ctx context.Context) ([]Section, error) {
	body, err := c.do(ctx, "sections", http.MethodGet, "/library/sections", nil, nil)
	if err != nil {
		return nil, err
	}
	var mc mediaContainer
	if err := xml.Unmarshal(body, &mc); err != nil {
		return nil, &APIError{Sentinel: ErrBadResponse, Operation: "sections", Err: err}
	}
	sections := make([]Section, 0, len(mc.Directories))
	for _, d := range mc.Directories {
		sec, err := d.toSection()
		if err != nil {
			c.logger.Warn().Str(log.FieldEvent, "plex.section_skipped").Str("key", d.Key).Msg("section key is not numeric")
			continue
		}
		sections = append(sections, sec)
	}
	return sections, nil
}

// SectionByID returns the section with the given id, or ErrNotFound.
func (c *Client) SectionByID(ctx context.Context, id int) (Section, error) {
	sections, err := c.Sections(ctx)
	if err != nil {
		return Section{}, err
	}
	for _, sec := range sections {
		if sec.ID == id {
			return sec, nil
		}
	}
	return Section{}, &APIError{Sentinel: ErrNotFound, Operation: "section_by_id"}
}

// FetchItem looks an item up by its server id. A 404 yields (nil, nil):
// the id in the cache may simply be stale.
func (c *Client) FetchItem(ctx context.Context, serverID string) (*Item, error) {
	body, err := c.do(ctx, "fetch_item", http.MethodGet, "/library/metadata/"+url.PathEscape(serverID), nil, nil)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var mc mediaContainer
	if err := xml.Unmarshal(body, &mc); err != nil {
		return nil, &APIError{Sentinel: ErrBadResponse, Operation: "fetch_item", Err: err}
	}
	if len(mc.Videos) == 0 {
		return nil, nil
	}
	return mc.Videos[0].toItem(mc.LibrarySectionID), nil
}

// FindItemByFile searches the given libraries for the item whose media
// parts include absPath. Libraries are tried in the order given; the first
// match wins. No match anywhere returns (nil, nil).
func (c *Client) FindItemByFile(ctx context.Context, absPath string, libraryIDs []int) (*Item, error) {
	if len(libraryIDs) == 0 {
		return nil, nil
	}
	sections, err := c.Sections(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[int]Section, len(sections))
	for _, sec := range sections {
		byID[sec.ID] = sec
	}

	want := normPath(absPath)
	for _, libID := range libraryIDs {
		sec, ok := byID[libID]
		if !ok {
			c.logger.Warn().Str(log.FieldEvent, "plex.library_missing").Int(log.FieldLibraryID, libID).Msg("configured library not present on server")
			continue
		}
		item, err := c.findInSection(ctx, sec, want)
		if err != nil {
			return nil, err
		}
		if item != nil {
			return item, nil
		}
	}
	return nil, nil
}

func (c *Client) findInSection(ctx context.Context, sec Section, want string) (*Item, error) {
	q := url.Values{}
	if code, ok := searchTypeForSection(sec.Type); ok {
		q.Set("type", strconv.Itoa(code))
	}
	apiPath := fmt.Sprintf("/library/sections/%d/all", sec.ID)
	body, err := c.do(ctx, "search_items", http.MethodGet, apiPath, q, nil)
	if err != nil {
		return nil, err
	}
	var mc mediaContainer
	if err := xml.Unmarshal(body, &mc); err != nil {
		return nil, &APIError{Sentinel: ErrBadResponse, Operation: "search_items", Err: err}
	}
	sectionID := strconv.Itoa(sec.ID)
	for _, v := range mc.Videos {
		item := v.toItem(sectionID)
		for _, f := range item.Files() {
			if normPath(f) == want {
				return item, nil
			}
		}
	}
	return nil, nil
}

// EditItem writes the title, summary and aired fields of item and locks
// every field it writes. An empty Fields is a no-op.
func (c *Client) EditItem(ctx context.Context, item *Item, fields Fields) error {
	q := url.Values{}
	setLockedField(q, "title", fields.Title)
	setLockedField(q, "summary", fields.Summary)
	setLockedField(q, "originallyAvailableAt", fields.Aired)
	if len(q) == 0 {
		return nil
	}
	return c.editQuery(ctx, "edit_item", item, q)
}

// EditSortTitle writes and locks the sort title.
func (c *Client) EditSortTitle(ctx context.Context, item *Item, sortTitle string) error {
	if sortTitle == "" {
		return nil
	}
	q := url.Values{}
	setLockedField(q, "titleSort", sortTitle)
	return c.editQuery(ctx, "edit_sort_title", item, q)
}

// EditField writes and locks a single named field. It is the generic
// fallback when a dedicated setter fails.
func (c *Client) EditField(ctx context.Context, item *Item, field, value string) error {
	if field == "" || value == "" {
		return nil
	}
	q := url.Values{}
	setLockedField(q, field, value)
	return c.editQuery(ctx, "edit_field", item, q)
}

func (c *Client) editQuery(ctx context.Context, op string, item *Item, q url.Values) error {
	if item == nil || item.RatingKey == "" {
		return &APIError{Sentinel: ErrBadResponse, Operation: op, Err: errors.New("item has no rating key")}
	}
	if item.SectionID == "" {
		return &APIError{Sentinel: ErrBadResponse, Operation: op, Err: errors.New("item has no library section id")}
	}
	code, ok := typeCodeForItem(item.Type)
	if !ok {
		return &APIError{Sentinel: ErrBadResponse, Operation: op, Err: fmt.Errorf("unsupported item type %q", item.Type)}
	}
	q.Set("type", strconv.Itoa(code))
	q.Set("id", item.RatingKey)
	apiPath := fmt.Sprintf("/library/sections/%s/all", item.SectionID)
	_, err := c.do(ctx, op, http.MethodPut, apiPath, q, nil)
	return err
}

// Reload re-fetches the item to confirm an edit landed.
func (c *Client) Reload(ctx context.Context, item *Item) (*Item, error) {
	if item == nil {
		return nil, nil
	}
	return c.FetchItem(ctx, item.RatingKey)
}

// UploadSubtitle attaches the subtitle file at path to the item.
func (c *Client) UploadSubtitle(ctx context.Context, item *Item, path, lang string) error {
	if item == nil || item.RatingKey == "" {
		return &APIError{Sentinel: ErrBadResponse, Operation: "upload_subtitle", Err: errors.New("item has no rating key")}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read subtitle %s: %w", path, err)
	}
	q := url.Values{}
	q.Set("title", filepath.Base(path))
	if lang != "" {
		q.Set("language", lang)
	}
	q.Set("hearingImpaired", "0")
	q.Set("forced", "0")
	apiPath := "/library/metadata/" + url.PathEscape(item.RatingKey) + "/subtitles"
	_, err = c.do(ctx, "upload_subtitle", http.MethodPost, apiPath, q, data)
	return err
}

// do acquires a request slot, performs the request with retries and returns
// the response body. The slot is held through all attempts and the pacing
// delay, so at most MaxConcurrent calls are in flight at any instant.
func (c *Client) do(ctx context.Context, op, method, apiPath string, q url.Values, body []byte) ([]byte, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, &APIError{Sentinel: ErrUnavailable, Operation: op, Err: err}
	}
	defer func() {
		c.pace(ctx)
		c.sem.Release(1)
	}()

	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + apiPath
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			metrics.IncAPIRetry()
			backoff := retryBackoff * time.Duration(1<<(attempt-2))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, &APIError{Sentinel: ErrTimeout, Operation: op, Err: ctx.Err()}
			}
		}

		data, status, err := c.once(ctx, op, method, &u, body, attempt)
		if err == nil && status < 400 {
			return data, nil
		}

		switch {
		case err != nil:
			lastErr = &APIError{Sentinel: transportSentinel(err), Operation: op, Err: err}
		case status == http.StatusNotFound:
			return nil, &APIError{Sentinel: ErrNotFound, Operation: op, Status: status}
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return nil, &APIError{Sentinel: ErrUnauthorized, Operation: op, Status: status, Body: snippet(data)}
		case status >= 400 && status < 500:
			return nil, &APIError{Sentinel: ErrClientError, Operation: op, Status: status, Body: snippet(data)}
		default: // 5xx
			lastErr = &APIError{Sentinel: ErrUpstream, Operation: op, Status: status, Body: snippet(data)}
		}

		c.logger.Warn().
			Err(lastErr).
			Str(log.FieldEvent, "plex.request.retry").
			Str("operation", op).
			Int(log.FieldAttempt, attempt).
			Msg("request failed")
	}
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, op, method string, u *url.URL, body []byte, attempt int) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("X-Plex-Token", c.token)
	req.Header.Set("Accept", "application/xml")
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	start := time.Now()
	res, err := c.http.Do(req)
	elapsed := time.Since(start)

	code := "transport_error"
	if err == nil {
		code = strconv.Itoa(res.StatusCode)
	}
	metrics.IncAPIRequest(op, code)
	metrics.ObserveAPIRequestDuration(op, elapsed.Seconds())

	evt := c.logger.Debug()
	if c.debug {
		evt = c.logger.Info()
	}
	evt.Str(log.FieldEvent, "plex.http").
		Str("method", method).
		Str(log.FieldPath, u.Path).
		Str(log.FieldStatus, code).
		Dur(log.FieldDuration, elapsed).
		Int(log.FieldAttempt, attempt).
		Msg("request")

	if err != nil {
		return nil, 0, err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, res.StatusCode, err
	}
	return data, res.StatusCode, nil
}

// pace sleeps the configured request delay while the slot is still held.
func (c *Client) pace(ctx context.Context) {
	if c.delay <= 0 {
		return
	}
	t := time.NewTimer(c.delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func transportSentinel(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}
	return ErrUnavailable
}

func snippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

func setLockedField(q url.Values, field, value string) {
	if value == "" {
		return
	}
	q.Set(field+".value", value)
	q.Set(field+".locked", "1")
}

// normPath prepares a path for equality comparison: cleaned and NFC
// normalised, so the server's notion of the file name and ours agree even
// when one side stores decomposed Unicode.
func normPath(p string) string {
	return norm.NFC.String(filepath.Clean(p))
}

package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// MaxCollectionSize is the largest batch /composite/sobjects accepts.
const MaxCollectionSize = 200

// Client calls the CRM REST API on behalf of a TokenSource.
type Client struct {
	http       *resty.Client
	tokens     TokenSource
	apiVersion string
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

type clientOptions struct {
	apiVersion string
	timeout    time.Duration
	retries    int
	retryWait  time.Duration
	rps        float64
	logger     zerolog.Logger
}

type Option func(*clientOptions)

func WithAPIVersion(v string) Option { return func(o *clientOptions) { o.apiVersion = strings.TrimPrefix(v, "v") } }

func WithTimeout(d time.Duration) Option { return func(o *clientOptions) { o.timeout = d } }

func WithRetry(count int, wait time.Duration) Option {
	return func(o *clientOptions) {
		o.retries = count
		o.retryWait = wait
	}
}

func WithRateLimit(rps float64) Option { return func(o *clientOptions) { o.rps = rps } }

func WithLogger(l zerolog.Logger) Option { return func(o *clientOptions) { o.logger = l } }

func NewClient(tokens TokenSource, opts ...Option) *Client {
	o := clientOptions{
		apiVersion: "59.0",
		timeout:    60 * time.Second,
		retries:    3,
		retryWait:  500 * time.Millisecond,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	hc := resty.New().
		SetTimeout(o.timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(o.retries).
		SetRetryWaitTime(o.retryWait).
		SetRetryMaxWaitTime(10 * o.retryWait).
		AddRetryCondition(retryCondition)

	c := &Client{
		http:       hc,
		tokens:     tokens,
		apiVersion: o.apiVersion,
		logger:     o.logger.With().Str("component", "crm").Logger(),
	}
	if o.rps > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(o.rps), 1)
		hc.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			return c.limiter.Wait(r.Context())
		})
	}
	return c
}

// retryCondition retries throttling for every request. Network and server
// errors are retried only for reads, since a failed create may have been
// applied.
func retryCondition(r *resty.Response, err error) bool {
	if r == nil || r.Request == nil {
		return false
	}
	idempotent := r.Request.Method == http.MethodGet
	if err != nil {
		return idempotent
	}
	code := r.StatusCode()
	if code == http.StatusTooManyRequests {
		return true
	}
	return idempotent && code >= http.StatusInternalServerError
}

// APIVersion returns the REST API version in use, without a leading "v".
func (c *Client) APIVersion() string { return c.apiVersion }

func (c *Client) resolve(tok *Token, path string) string {
	switch {
	case strings.HasPrefix(path, "http://"), strings.HasPrefix(path, "https://"):
		return path
	case strings.HasPrefix(path, "/services/"):
		return tok.InstanceURL + path
	default:
		return tok.InstanceURL + "/services/data/v" + c.apiVersion + path
	}
}

// do sends one request. A 401 invalidates a cached token and retries once.
func (c *Client) do(ctx context.Context, method, path string, body any) (*resty.Response, error) {
	for attempt := 0; ; attempt++ {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("crm auth: %w", err)
		}

		req := c.http.R().SetContext(ctx).SetAuthToken(tok.AccessToken)
		if body != nil {
			req.SetHeader("Content-Type", "application/json").SetBody(body)
		}
		resp, err := req.Execute(method, c.resolve(tok, path))
		if err != nil {
			return nil, fmt.Errorf("crm %s %s: %w", method, path, err)
		}

		if resp.StatusCode() == http.StatusUnauthorized && attempt == 0 {
			if inv, ok := c.tokens.(interface{ Invalidate() }); ok {
				c.logger.Info().Msg("access token rejected, refreshing")
				inv.Invalidate()
				continue
			}
		}
		if resp.IsError() {
			return nil, newAPIError(resp.StatusCode(), method, path, resp.Body())
		}
		return resp, nil
	}
}

// Create inserts one record and returns its id.
func (c *Client) Create(ctx context.Context, sobject string, record any) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/sobjects/"+sobject+"/", record)
	if err != nil {
		return "", err
	}
	var res SaveResult
	if err := json.Unmarshal(resp.Body(), &res); err != nil {
		return "", fmt.Errorf("crm create %s: decode response: %w", sobject, err)
	}
	if !res.Success || res.ID == "" {
		return "", &APIError{StatusCode: resp.StatusCode(), Method: http.MethodPost, Path: "/sobjects/" + sobject + "/", Errors: res.Errors}
	}
	return res.ID, nil
}

// SaveResult is the per-record outcome of a create.
type SaveResult struct {
	ID      string      `json:"id"`
	Success bool        `json:"success"`
	Errors  []ErrorItem `json:"errors"`
}

// Err returns nil for a successful result, otherwise the record's errors.
func (r SaveResult) Err() error {
	if r.Success {
		return nil
	}
	return &APIError{StatusCode: http.StatusBadRequest, Method: http.MethodPost, Path: "/composite/sobjects", Errors: r.Errors}
}

// CreateCollection inserts records in batches of MaxCollectionSize. The
// returned results line up with records. A request-level failure aborts the
// remaining batches and is returned with the results gathered so far.
func (c *Client) CreateCollection(ctx context.Context, sobject string, records []any, allOrNone bool) ([]SaveResult, error) {
	results := make([]SaveResult, 0, len(records))
	for start := 0; start < len(records); start += MaxCollectionSize {
		end := min(start+MaxCollectionSize, len(records))

		batch := make([]map[string]any, 0, end-start)
		for _, r := range records[start:end] {
			m, err := withAttributes(sobject, r)
			if err != nil {
				return results, err
			}
			batch = append(batch, m)
		}

		resp, err := c.do(ctx, http.MethodPost, "/composite/sobjects", map[string]any{
			"allOrNone": allOrNone,
			"records":   batch,
		})
		if err != nil {
			return results, err
		}
		var page []SaveResult
		if err := json.Unmarshal(resp.Body(), &page); err != nil {
			return results, fmt.Errorf("crm collection %s: decode response: %w", sobject, err)
		}
		if len(page) != len(batch) {
			return results, fmt.Errorf("crm collection %s: expected %d results, got %d", sobject, len(batch), len(page))
		}
		results = append(results, page...)

		c.logger.Debug().Str("sobject", sobject).Int("batch_start", start).Int("batch_size", len(batch)).Msg("collection batch sent")
	}
	return results, nil
}

func withAttributes(sobject string, record any) (map[string]any, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode %s record: %w", sobject, err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("encode %s record: %w", sobject, err)
	}
	m["attributes"] = map[string]string{"type": sobject}
	return m, nil
}

// Record is one row of a SOQL result.
type Record struct {
	raw gjson.Result
}

func NewRecord(raw string) Record { return Record{raw: gjson.Parse(raw)} }

// Get returns a field by gjson path, e.g. "Id" or "Account.Name".
func (r Record) Get(path string) gjson.Result { return r.raw.Get(path) }

func (r Record) String(path string) string { return r.raw.Get(path).String() }

func (r Record) ID() string { return r.raw.Get("Id").String() }

func (r Record) Raw() string { return r.raw.Raw }

// Query runs a SOQL query and follows nextRecordsUrl until done.
func (c *Client) Query(ctx context.Context, soql string) ([]Record, error) {
	path := "/query?q=" + url.QueryEscape(soql)
	var records []Record
	for path != "" {
		resp, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, fmt.Errorf("soql query: %w", err)
		}
		body := gjson.ParseBytes(resp.Body())
		body.Get("records").ForEach(func(_, rec gjson.Result) bool {
			records = append(records, Record{raw: rec})
			return true
		})
		path = ""
		if !body.Get("done").Bool() {
			path = body.Get("nextRecordsUrl").String()
		}
	}
	return records, nil
}

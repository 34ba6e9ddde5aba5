package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ehr/ehr2crm/pkg/fhirmodels"
)

const contentTypeFHIR = "application/fhir+json"

// Client talks to a FHIR R4 server over REST.
type Client struct {
	http     *resty.Client
	limiter  *rate.Limiter
	pageSize int
	cache    *lru.Cache[string, *Practitioner]
	logger   zerolog.Logger
}

type clientOptions struct {
	timeout    time.Duration
	retries    int
	retryWait  time.Duration
	rps        float64
	pageSize   int
	cacheSize  int
	logger     zerolog.Logger
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*clientOptions)

func WithTimeout(d time.Duration) Option { return func(o *clientOptions) { o.timeout = d } }

// WithRetry sets how many times a request is retried on network errors,
// 429 and 5xx responses, and the initial wait between attempts.
func WithRetry(count int, wait time.Duration) Option {
	return func(o *clientOptions) {
		o.retries = count
		o.retryWait = wait
	}
}

// WithRateLimit caps outgoing requests per second. Zero disables throttling.
func WithRateLimit(rps float64) Option { return func(o *clientOptions) { o.rps = rps } }

func WithPageSize(n int) Option { return func(o *clientOptions) { o.pageSize = n } }

// WithCacheSize sets the practitioner cache capacity.
func WithCacheSize(n int) Option { return func(o *clientOptions) { o.cacheSize = n } }

func WithLogger(l zerolog.Logger) Option { return func(o *clientOptions) { o.logger = l } }

// WithHTTPClient replaces the underlying transport, mainly for tests.
func WithHTTPClient(c *http.Client) Option { return func(o *clientOptions) { o.httpClient = c } }

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	o := clientOptions{
		timeout:   30 * time.Second,
		retries:   3,
		retryWait: 200 * time.Millisecond,
		pageSize:  50,
		cacheSize: 512,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	u, err := url.Parse(baseURL)
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("invalid FHIR base URL %q", baseURL)
	}

	cache, err := lru.New[string, *Practitioner](o.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create practitioner cache: %w", err)
	}

	var hc *resty.Client
	if o.httpClient != nil {
		hc = resty.NewWithClient(o.httpClient)
	} else {
		hc = resty.New()
	}
	hc.SetBaseURL(baseURL).
		SetTimeout(o.timeout).
		SetHeader("Accept", contentTypeFHIR).
		SetRetryCount(o.retries).
		SetRetryWaitTime(o.retryWait).
		SetRetryMaxWaitTime(10 * o.retryWait).
		AddRetryCondition(retryCondition)

	c := &Client{
		http:     hc,
		pageSize: o.pageSize,
		cache:    cache,
		logger:   o.logger.With().Str("component", "fhir").Logger(),
	}
	if o.rps > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(o.rps), 1)
		hc.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			return c.limiter.Wait(r.Context())
		})
	}
	return c, nil
}

// retryCondition retries network errors, throttling and server errors.
func retryCondition(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}
	code := r.StatusCode()
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// Search performs a single search GET against /{resourceType}.
func (c *Client) Search(ctx context.Context, resourceType string, params url.Values) (*Bundle, error) {
	return c.getBundle(ctx, c.http.R().SetQueryParamsFromValues(params), "/"+resourceType)
}

// SearchAll runs a search and follows the bundle's next links until there
// are none, returning every entry. Next URLs are used verbatim.
func (c *Client) SearchAll(ctx context.Context, resourceType string, params url.Values) ([]BundleEntry, error) {
	bundle, err := c.Search(ctx, resourceType, params)
	if err != nil {
		return nil, err
	}

	entries := bundle.Entry
	pages := 1
	for next := bundle.NextLink(); next != ""; next = bundle.NextLink() {
		bundle, err = c.getBundle(ctx, c.http.R(), next)
		if err != nil {
			return nil, fmt.Errorf("%s page %d: %w", resourceType, pages+1, err)
		}
		entries = append(entries, bundle.Entry...)
		pages++
	}

	c.logger.Debug().
		Str("resource_type", resourceType).
		Int("pages", pages).
		Int("entries", len(entries)).
		Msg("search complete")
	return entries, nil
}

func (c *Client) getBundle(ctx context.Context, req *resty.Request, path string) (*Bundle, error) {
	var bundle Bundle
	if err := c.do(ctx, req, http.MethodGet, path, &bundle); err != nil {
		return nil, err
	}
	if bundle.ResourceType != "Bundle" {
		return nil, fmt.Errorf("fhir GET %s: expected Bundle, got %q", path, bundle.ResourceType)
	}
	return &bundle, nil
}

// Read fetches /{resourceType}/{id} into out.
func (c *Client) Read(ctx context.Context, resourceType, id string, out any) error {
	return c.do(ctx, c.http.R(), http.MethodGet, "/"+resourceType+"/"+url.PathEscape(id), out)
}

// Create POSTs a resource and decodes the server's echo into out (which
// may be nil).
func (c *Client) Create(ctx context.Context, resourceType string, resource, out any) error {
	req := c.http.R().
		SetHeader("Content-Type", contentTypeFHIR).
		SetBody(resource)
	return c.do(ctx, req, http.MethodPost, "/"+resourceType, out)
}

func (c *Client) do(ctx context.Context, req *resty.Request, method, path string, out any) error {
	resp, err := req.SetContext(ctx).Execute(method, path)
	if err != nil {
		return fmt.Errorf("fhir %s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return newError(resp.StatusCode(), method, path, resp.Body())
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("fhir %s %s: decode response: %w", method, path, err)
	}
	return nil
}

// Locations returns every Location managed by the organization.
func (c *Client) Locations(ctx context.Context, orgID string) ([]Location, error) {
	entries, err := c.SearchAll(ctx, "Location", url.Values{"organization": {orgID}})
	if err != nil {
		return nil, fmt.Errorf("search locations: %w", err)
	}
	return DecodeEntries[Location](entries)
}

// PractitionerRoles returns every PractitionerRole of the organization.
func (c *Client) PractitionerRoles(ctx context.Context, orgID string) ([]PractitionerRole, error) {
	params := url.Values{
		"organization": {fhirmodels.RefOrganization + orgID},
		"_count":       {strconv.Itoa(c.pageSize)},
	}
	entries, err := c.SearchAll(ctx, "PractitionerRole", params)
	if err != nil {
		return nil, fmt.Errorf("search practitioner roles: %w", err)
	}
	return DecodeEntries[PractitionerRole](entries)
}

// Practitioner reads a single practitioner, served from cache when seen
// before.
func (c *Client) Practitioner(ctx context.Context, id string) (*Practitioner, error) {
	if p, ok := c.cache.Get(id); ok {
		return p, nil
	}
	var p Practitioner
	if err := c.Read(ctx, "Practitioner", id, &p); err != nil {
		return nil, fmt.Errorf("read practitioner %s: %w", id, err)
	}
	c.cache.Add(id, &p)
	return &p, nil
}

// Patients returns every Patient managed by the organization.
func (c *Client) Patients(ctx context.Context, orgID string) ([]Patient, error) {
	entries, err := c.SearchAll(ctx, "Patient", url.Values{"organization": {orgID}})
	if err != nil {
		return nil, fmt.Errorf("search patients: %w", err)
	}
	return DecodeEntries[Patient](entries)
}

// Appointments returns every Appointment whose patient belongs to the
// organization.
func (c *Client) Appointments(ctx context.Context, orgID string) ([]Appointment, error) {
	params := url.Values{"patient.organization": {fhirmodels.RefOrganization + orgID}}
	entries, err := c.SearchAll(ctx, "Appointment", params)
	if err != nil {
		return nil, fmt.Errorf("search appointments: %w", err)
	}
	return DecodeEntries[Appointment](entries)
}

func (c *Client) CreateOrganization(ctx context.Context, org *Organization) (*Organization, error) {
	org.ResourceType = "Organization"
	var out Organization
	if err := c.Create(ctx, "Organization", org, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateLocation(ctx context.Context, loc *Location) (*Location, error) {
	loc.ResourceType = "Location"
	var out Location
	if err := c.Create(ctx, "Location", loc, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreatePractitioner(ctx context.Context, p *Practitioner) (*Practitioner, error) {
	p.ResourceType = "Practitioner"
	var out Practitioner
	if err := c.Create(ctx, "Practitioner", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreatePractitionerRole(ctx context.Context, r *PractitionerRole) (*PractitionerRole, error) {
	r.ResourceType = "PractitionerRole"
	var out PractitionerRole
	if err := c.Create(ctx, "PractitionerRole", r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreatePatient(ctx context.Context, p *Patient) (*Patient, error) {
	p.ResourceType = "Patient"
	var out Patient
	if err := c.Create(ctx, "Patient", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error) {
	a.ResourceType = "Appointment"
	var out Appointment
	if err := c.Create(ctx, "Appointment", a, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

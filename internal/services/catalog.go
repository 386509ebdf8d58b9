package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/ledgersync/internal/models"
	"github.com/desertthunder/ledgersync/internal/shared"
	"golang.org/x/time/rate"
)

// dateLayout is the dd/MM/yyyy format the listing filter expects.
const dateLayout = "02/01/2006"

// Endpoint binds the catalog client to one entity type of the remote system.
type Endpoint struct {
	ListPath     string // e.g. /api/sales-invoice/list.do
	DetailPath   string // e.g. /api/sales-invoice/detail.do
	IDField      string // listing field holding the external id
	NumberField  string // listing field holding the display number
	VersionField string // listing field holding the version token
}

func (e Endpoint) fields() string {
	fs := []string{e.IDField}
	if e.NumberField != "" {
		fs = append(fs, e.NumberField)
	}
	if e.VersionField != "" {
		fs = append(fs, e.VersionField)
	}
	return strings.Join(fs, ",")
}

// Page is one page of a remote listing.
type Page struct {
	Number    int
	Items     []models.RemoteRecordRef
	TotalRows int
	PageSize  int
	PageCount int
}

// TotalPages is ceil(TotalRows / PageSize) using the server-reported page size.
func (p *Page) TotalPages() int {
	if p.PageSize <= 0 {
		if p.PageCount > 0 {
			return p.PageCount
		}
		if len(p.Items) > 0 {
			return 1
		}
		return 0
	}
	return (p.TotalRows + p.PageSize - 1) / p.PageSize
}

// envelope is the wire format of every remote response.
type envelope struct {
	S  bool            `json:"s"`
	D  json.RawMessage `json:"d"`
	SP *pageInfo       `json:"sp,omitempty"`
}

type pageInfo struct {
	Page      int `json:"page"`
	PageSize  int `json:"pageSize"`
	PageCount int `json:"pageCount"`
	RowCount  int `json:"rowCount"`
}

// CatalogClient talks to the remote listing and detail endpoints.
//
// Scope credentials are read from the [shared.ConfigStore] on every request;
// per-scope HTTP clients are rebuilt when the store's config changes.
type CatalogClient struct {
	store     *shared.ConfigStore
	transport http.RoundTripper
	limiter   *rate.Limiter
	logger    *log.Logger
	now       func() time.Time

	mu      sync.Mutex
	builtOn *shared.Config
	clients map[string]*http.Client
}

// CatalogOpts configures a [CatalogClient].
type CatalogOpts struct {
	Store     *shared.ConfigStore
	Transport http.RoundTripper // base transport; defaults to [http.DefaultTransport]
	Limiter   *rate.Limiter     // defaults to the remote.requests_per_second config
	Logger    *log.Logger
	Now       func() time.Time
}

// NewCatalogClient creates a client reading its settings from opts.Store.
func NewCatalogClient(opts CatalogOpts) *CatalogClient {
	if opts.Store == nil {
		opts.Store = shared.NewConfigStore("", nil)
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Limiter == nil {
		remote := opts.Store.Load().Remote
		limit := rate.Inf
		if remote.RequestsPerSecond > 0 {
			limit = rate.Limit(remote.RequestsPerSecond)
		}
		opts.Limiter = rate.NewLimiter(limit, max(remote.Burst, 1))
	}

	return &CatalogClient{
		store:     opts.Store,
		transport: opts.Transport,
		limiter:   opts.Limiter,
		logger:    opts.Logger,
		now:       opts.Now,
		clients:   make(map[string]*http.Client),
	}
}

// scope resolves the scope config and its HTTP client.
func (c *CatalogClient) scope(key string) (shared.ScopeConfig, *http.Client, string, error) {
	cfg := c.store.Load()
	sc, err := cfg.Scope(key)
	if err != nil {
		return shared.ScopeConfig{}, nil, "", err
	}

	baseURL := sc.BaseURL
	if baseURL == "" {
		baseURL = cfg.Remote.BaseURL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.builtOn != cfg {
		c.clients = make(map[string]*http.Client)
		c.builtOn = cfg
	}
	client, ok := c.clients[key]
	if !ok {
		client = scopeHTTPClient(c.transport, sc, cfg.Remote.Timeout(), c.now)
		c.clients[key] = client
	}
	return sc, client, strings.TrimRight(baseURL, "/"), nil
}

// get performs a rate limited GET and decodes the envelope.
func (c *CatalogClient) get(ctx context.Context, op, scope, path string, query url.Values) (*envelope, error) {
	_, client, baseURL, err := c.scope(scope)
	if err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s: rate limiter: %w", op, err)
	}

	u := baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &PermanentError{Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(op, resp, body)
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &PermanentError{Op: op, Status: resp.StatusCode, Err: errEmptyBody}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &PermanentError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("%w: %v", errMalformed, err)}
	}

	if !env.S {
		return nil, envelopeError(op, decodeMessages(env.D))
	}
	return &env, nil
}

// decodeMessages reads the d field of a failed envelope, which is a string or a list of strings.
func decodeMessages(raw json.RawMessage) []string {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil && one != "" {
		return []string{one}
	}
	return nil
}

// listQuery encodes the listing parameters.
func listQuery(ep Endpoint, filter models.Filter, page, pageSize int) url.Values {
	q := url.Values{}
	q.Set("fields", ep.fields())
	q.Set("sp.page", strconv.Itoa(page))
	if pageSize > 0 {
		q.Set("sp.pageSize", strconv.Itoa(pageSize))
	}
	if filter.HasDateRange() {
		q.Set("filter.transDate.op", "BETWEEN")
		q.Add("filter.transDate.val", filter.DateFrom.Format(dateLayout))
		q.Add("filter.transDate.val", filter.DateTo.Format(dateLayout))
	}
	if filter.Warehouse != "" {
		q.Set("filter.warehouseName", filter.Warehouse)
	}
	for k, v := range filter.Extra {
		q.Set(k, v)
	}
	return q
}

// ListPage fetches one page (1-based) of the listing.
func (c *CatalogClient) ListPage(ctx context.Context, ep Endpoint, scope string, filter models.Filter, page int) (*Page, error) {
	op := "list " + ep.ListPath
	pageSize := c.store.Load().Remote.PageSize

	env, err := c.get(ctx, op, scope, ep.ListPath, listQuery(ep, filter, page, pageSize))
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(env.D))
	dec.UseNumber()
	var rows []map[string]any
	if err := dec.Decode(&rows); err != nil {
		return nil, &PermanentError{Op: op, Err: fmt.Errorf("%w: %v", errMalformed, err)}
	}

	items := make([]models.RemoteRecordRef, 0, len(rows))
	for i, row := range rows {
		id, ok := models.ParseID(row[ep.IDField])
		if !ok {
			return nil, &PermanentError{Op: op, Err: fmt.Errorf("%w: row %d has no valid %s", errMalformed, i, ep.IDField)}
		}
		items = append(items, models.RemoteRecordRef{
			ExternalID:    id,
			DisplayNumber: displayNumber(row[ep.NumberField]),
			VersionToken:  models.ParseVersion(row[ep.VersionField]),
		})
	}

	p := &Page{Number: page, Items: items, PageSize: pageSize, TotalRows: len(items)}
	if env.SP != nil {
		p.TotalRows = env.SP.RowCount
		p.PageCount = env.SP.PageCount
		if env.SP.PageSize > 0 {
			p.PageSize = env.SP.PageSize
		}
	}
	return p, nil
}

func displayNumber(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// ListAll returns the lazy listing of every page for scope and filter.
func (c *CatalogClient) ListAll(ctx context.Context, ep Endpoint, scope string, filter models.Filter) *Listing {
	return NewListing(ctx, c.store.Load().Remote.PageDelay(), func(ctx context.Context, page int) (*Page, error) {
		return c.ListPage(ctx, ep, scope, filter, page)
	})
}

// FetchDetail fetches the full payload of one record.
func (c *CatalogClient) FetchDetail(ctx context.Context, ep Endpoint, scope string, id int64) (json.RawMessage, error) {
	op := fmt.Sprintf("detail %s id=%d", ep.DetailPath, id)
	q := url.Values{}
	q.Set("id", strconv.FormatInt(id, 10))

	env, err := c.get(ctx, op, scope, ep.DetailPath, q)
	if err != nil {
		return nil, err
	}

	d := bytes.TrimSpace(env.D)
	if len(d) == 0 || bytes.Equal(d, []byte("null")) || bytes.Equal(d, []byte("{}")) {
		return nil, &PermanentError{Op: op, Err: errEmptyBody}
	}
	if !json.Valid(d) || d[0] != '{' {
		return nil, &PermanentError{Op: op, Err: errMalformed}
	}
	return json.RawMessage(d), nil
}

// EndpointSource binds a [CatalogClient] to one [Endpoint].
type EndpointSource struct {
	client   *CatalogClient
	endpoint Endpoint
}

// Source returns the listing and detail fetcher for one entity.
func (c *CatalogClient) Source(ep Endpoint) *EndpointSource {
	return &EndpointSource{client: c, endpoint: ep}
}

// List streams the remote snapshot for scope.
func (s *EndpointSource) List(ctx context.Context, scope string, filter models.Filter) iter.Seq2[models.RemoteRecordRef, error] {
	return s.client.ListAll(ctx, s.endpoint, scope, filter).All()
}

// Fetch returns the detail payload of one record.
func (s *EndpointSource) Fetch(ctx context.Context, scope string, id int64) (json.RawMessage, error) {
	return s.client.FetchDetail(ctx, s.endpoint, scope, id)
}

// Endpoint returns the bound endpoint.
func (s *EndpointSource) Endpoint() Endpoint {
	return s.endpoint
}

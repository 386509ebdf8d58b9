package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/desertthunder/ledgersync/internal/models"
	"github.com/desertthunder/ledgersync/internal/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

var invoiceEndpoint = Endpoint{
	ListPath:     "/api/sales-invoice/list.do",
	DetailPath:   "/api/sales-invoice/detail.do",
	IDField:      "id",
	NumberField:  "number",
	VersionField: "optLock",
}

func newTestClient(t *testing.T, handler http.Handler, mutate func(*shared.Config)) (*CatalogClient, *shared.ConfigStore) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := shared.DefaultConfig()
	cfg.Remote.PageDelayMs = 0
	cfg.Remote.PageSize = 2
	cfg.Scopes = []shared.ScopeConfig{{Key: "main", BaseURL: srv.URL, SessionID: "sess-1", Token: "tok-1"}}
	if mutate != nil {
		mutate(cfg)
	}
	store := shared.NewConfigStore("", cfg)

	client := NewCatalogClient(CatalogOpts{
		Store:   store,
		Limiter: rate.NewLimiter(rate.Inf, 1),
		Now:     func() time.Time { return time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC) },
	})
	return client, store
}

func writeEnvelope(w http.ResponseWriter, d any, sp *pageInfo) {
	data, _ := json.Marshal(d)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(envelope{S: true, D: data, SP: sp})
}

// listingHandler serves rows in pages of two.
func listingHandler(rows []map[string]any, failPage int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("sp.page"))
		if page == failPage {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		start := min((page-1)*2, len(rows))
		end := min(start+2, len(rows))
		writeEnvelope(w, rows[start:end], &pageInfo{Page: page, PageSize: 2, PageCount: (len(rows) + 1) / 2, RowCount: len(rows)})
	}
}

func TestPage(t *testing.T) {
	tests := []struct {
		name string
		page Page
		want int
	}{
		{"exact", Page{TotalRows: 100, PageSize: 25}, 4},
		{"rounds up", Page{TotalRows: 101, PageSize: 25}, 5},
		{"empty", Page{TotalRows: 0, PageSize: 25}, 0},
		{"no page size falls back to count", Page{PageCount: 3}, 3},
		{"no page info", Page{Items: []models.RemoteRecordRef{{ExternalID: 1}}}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.page.TotalPages())
		})
	}
}

func TestCatalogClient(t *testing.T) {
	rows := []map[string]any{
		{"id": 10, "number": "INV-10", "optLock": 3},
		{"id": 11, "number": "INV-11", "optLock": 1},
		{"id": 12, "number": "INV-12", "optLock": "5"},
		{"id": 13, "number": "INV-13"},
		{"id": 14, "number": 14, "optLock": -2},
	}

	t.Run("ListPage", func(t *testing.T) {
		var captured *http.Request
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured = r.Clone(context.Background())
			listingHandler(rows, 0)(w, r)
		}), nil)

		filter := models.Filter{
			DateFrom:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			DateTo:    time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
			Warehouse: "Central",
			Extra:     map[string]string{"filter.branchId": "7"},
		}
		page, err := client.ListPage(context.Background(), invoiceEndpoint, "main", filter, 1)
		require.NoError(t, err)

		assert.Equal(t, 5, page.TotalRows)
		assert.Equal(t, 2, page.PageSize)
		assert.Equal(t, 3, page.TotalPages())
		require.Len(t, page.Items, 2)
		assert.Equal(t, models.RemoteRecordRef{ExternalID: 10, DisplayNumber: "INV-10", VersionToken: 3}, page.Items[0])

		q := captured.URL.Query()
		assert.Equal(t, "id,number,optLock", q.Get("fields"))
		assert.Equal(t, "1", q.Get("sp.page"))
		assert.Equal(t, "2", q.Get("sp.pageSize"))
		assert.Equal(t, "BETWEEN", q.Get("filter.transDate.op"))
		assert.Equal(t, []string{"01/01/2024", "31/01/2024"}, q["filter.transDate.val"])
		assert.Equal(t, "Central", q.Get("filter.warehouseName"))
		assert.Equal(t, "7", q.Get("filter.branchId"))
		assert.Equal(t, "Bearer tok-1", captured.Header.Get("Authorization"))
		assert.Equal(t, "sess-1", captured.Header.Get(headerSessionID))
	})

	t.Run("ListAll walks every page", func(t *testing.T) {
		var requests atomic.Int32
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			listingHandler(rows, 0)(w, r)
		}), nil)

		listing := client.ListAll(context.Background(), invoiceEndpoint, "main", models.Filter{})
		refs, err := listing.Collect()
		require.NoError(t, err)

		require.Len(t, refs, 5)
		assert.Equal(t, int64(5), refs[2].VersionToken, "numeric strings are parsed")
		assert.Equal(t, int64(0), refs[3].VersionToken, "missing version is zero")
		assert.Equal(t, int64(0), refs[4].VersionToken, "negative version is zero")
		assert.Equal(t, "14", refs[4].DisplayNumber)
		assert.Equal(t, int32(3), requests.Load())
		assert.Equal(t, 3, listing.PagesFetched())
	})

	t.Run("ListAll is lazy", func(t *testing.T) {
		var requests atomic.Int32
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			listingHandler(rows, 0)(w, r)
		}), nil)

		listing := client.ListAll(context.Background(), invoiceEndpoint, "main", models.Filter{})
		assert.Equal(t, int32(0), requests.Load())

		for ref, err := range listing.All() {
			require.NoError(t, err)
			if ref.ExternalID == 10 {
				break
			}
		}
		assert.Equal(t, int32(1), requests.Load())
	})

	t.Run("ListAll fails on any page", func(t *testing.T) {
		client, _ := newTestClient(t, listingHandler(rows, 2), nil)

		refs, err := client.ListAll(context.Background(), invoiceEndpoint, "main", models.Filter{}).Collect()
		assert.Nil(t, refs)
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	})

	t.Run("ListAll is not restartable", func(t *testing.T) {
		client, _ := newTestClient(t, listingHandler(rows, 0), nil)

		listing := client.ListAll(context.Background(), invoiceEndpoint, "main", models.Filter{})
		_, err := listing.Collect()
		require.NoError(t, err)

		_, err = listing.Collect()
		assert.ErrorIs(t, err, shared.ErrListingConsumed)
	})

	t.Run("ListAll honours cancellation between pages", func(t *testing.T) {
		client, _ := newTestClient(t, listingHandler(rows, 0), func(c *shared.Config) { c.Remote.PageDelayMs = 60_000 })

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		var got []int64
		var lastErr error
		for ref, err := range client.ListAll(ctx, invoiceEndpoint, "main", models.Filter{}).All() {
			if err != nil {
				lastErr = err
				break
			}
			got = append(got, ref.ExternalID)
			cancel()
		}
		assert.Equal(t, []int64{10, 11}, got)
		assert.ErrorIs(t, lastErr, context.Canceled)
	})

	t.Run("ListPage rejects rows without id", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(w, []map[string]any{{"number": "X"}}, nil)
		}), nil)

		_, err := client.ListPage(context.Background(), invoiceEndpoint, "main", models.Filter{}, 1)
		assert.True(t, IsPermanent(err))
	})

	t.Run("unknown scope", func(t *testing.T) {
		client, _ := newTestClient(t, listingHandler(rows, 0), nil)
		_, err := client.ListPage(context.Background(), invoiceEndpoint, "other", models.Filter{}, 1)
		assert.ErrorIs(t, err, shared.ErrUnknownScope)
	})
}

func TestFetchDetail(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		transient bool
		permanent bool
		retry     time.Duration
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			transient: true,
		},
		{
			name: "too many requests with retry-after",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "3")
				w.WriteHeader(http.StatusTooManyRequests)
			},
			transient: true,
			retry:     3 * time.Second,
		},
		{
			name: "request timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusRequestTimeout)
			},
			transient: true,
		},
		{
			name: "not found",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
			permanent: true,
		},
		{
			name: "empty body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			},
			permanent: true,
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"s": true, "d": `)
			},
			permanent: true,
		},
		{
			name: "null payload",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"s": true, "d": null}`)
			},
			permanent: true,
		},
		{
			name: "envelope failure",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"s": false, "d": ["Data tidak ditemukan"]}`)
			},
			permanent: true,
		},
		{
			name: "throttled envelope",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"s": false, "d": ["Too many requests, try again later"]}`)
			},
			transient: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, tt.handler, nil)
			payload, err := client.FetchDetail(context.Background(), invoiceEndpoint, "main", 10)
			require.Error(t, err)
			assert.Nil(t, payload)
			assert.Equal(t, tt.transient, IsTransient(err), err.Error())
			assert.Equal(t, tt.permanent, IsPermanent(err), err.Error())

			if tt.retry > 0 {
				var te *TransientError
				require.ErrorAs(t, err, &te)
				assert.Equal(t, tt.retry, te.RetryDelay())
			}
		})
	}

	t.Run("success", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "10", r.URL.Query().Get("id"))
			assert.Equal(t, invoiceEndpoint.DetailPath, r.URL.Path)
			fmt.Fprint(w, `{"s": true, "d": {"id": 10, "number": "INV-10", "detailItem": []}}`)
		}), nil)

		payload, err := client.FetchDetail(context.Background(), invoiceEndpoint, "main", 10)
		require.NoError(t, err)
		assert.JSONEq(t, `{"id": 10, "number": "INV-10", "detailItem": []}`, string(payload))
	})

	t.Run("connection refused is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		cfg := shared.DefaultConfig()
		cfg.Scopes = []shared.ScopeConfig{{Key: "main", BaseURL: url}}
		client := NewCatalogClient(CatalogOpts{Store: shared.NewConfigStore("", cfg), Limiter: rate.NewLimiter(rate.Inf, 1)})

		_, err := client.FetchDetail(context.Background(), invoiceEndpoint, "main", 1)
		assert.True(t, IsTransient(err))
	})

	t.Run("canceled context is neither", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"s": true, "d": {"id": 1}}`)
		}), nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := client.FetchDetail(ctx, invoiceEndpoint, "main", 1)
		require.Error(t, err)
		assert.False(t, IsTransient(err))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestAuth(t *testing.T) {
	t.Run("signature headers", func(t *testing.T) {
		var captured http.Header
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured = r.Header.Clone()
			fmt.Fprint(w, `{"s": true, "d": {"id": 1}}`)
		}), func(c *shared.Config) { c.Scopes[0].SignatureSecret = "s3cret" })

		_, err := client.FetchDetail(context.Background(), invoiceEndpoint, "main", 1)
		require.NoError(t, err)

		assert.Equal(t, "01/03/2024 10:30:00", captured.Get(headerTimestamp))
		assert.Equal(t, Sign("s3cret", "01/03/2024 10:30:00"), captured.Get(headerSignature))
	})

	t.Run("client credentials", func(t *testing.T) {
		var tokenRequests atomic.Int32
		mux := http.NewServeMux()
		mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
			tokenRequests.Add(1)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"access_token": "cc-token", "token_type": "bearer", "expires_in": 3600}`)
		})
		mux.HandleFunc(invoiceEndpoint.DetailPath, func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer cc-token" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			fmt.Fprint(w, `{"s": true, "d": {"id": 1}}`)
		})
		srv := httptest.NewServer(mux)
		t.Cleanup(srv.Close)

		cfg := shared.DefaultConfig()
		cfg.Scopes = []shared.ScopeConfig{{
			Key:          "main",
			BaseURL:      srv.URL,
			ClientID:     "id",
			ClientSecret: "secret",
			TokenURL:     srv.URL + "/oauth/token",
		}}
		client := NewCatalogClient(CatalogOpts{Store: shared.NewConfigStore("", cfg), Limiter: rate.NewLimiter(rate.Inf, 1)})

		for range 2 {
			_, err := client.FetchDetail(context.Background(), invoiceEndpoint, "main", 1)
			require.NoError(t, err)
		}
		assert.Equal(t, int32(1), tokenRequests.Load(), "token is cached")
	})

	t.Run("reload rebuilds scope clients", func(t *testing.T) {
		var auth atomic.Value
		client, store := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth.Store(r.Header.Get("Authorization"))
			fmt.Fprint(w, `{"s": true, "d": {"id": 1}}`)
		}), nil)

		_, err := client.FetchDetail(context.Background(), invoiceEndpoint, "main", 1)
		require.NoError(t, err)
		assert.Equal(t, "Bearer tok-1", auth.Load())

		next := *store.Load()
		next.Scopes = []shared.ScopeConfig{next.Scopes[0]}
		next.Scopes[0].Token = "tok-2"
		require.NoError(t, store.Swap(&next))

		_, err = client.FetchDetail(context.Background(), invoiceEndpoint, "main", 1)
		require.NoError(t, err)
		assert.Equal(t, "Bearer tok-2", auth.Load())
	})
}

func TestSnippet(t *testing.T) {
	t.Run("short bodies are kept", func(t *testing.T) {
		assert.Equal(t, "bad gateway", snippet([]byte("  bad gateway\n")))
	})

	t.Run("long bodies are cut on a rune boundary", func(t *testing.T) {
		body := strings.Repeat("a", 199) + strings.Repeat("é", 10)
		got := snippet([]byte(body))

		assert.True(t, utf8.ValidString(got))
		assert.Equal(t, strings.Repeat("a", 199)+"...", got)
	})

	t.Run("ascii bodies are cut at the limit", func(t *testing.T) {
		got := snippet([]byte(strings.Repeat("x", 300)))
		assert.Equal(t, strings.Repeat("x", 200)+"...", got)
	})
}

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	assert.Zero(t, parseRetryAfter(h))

	h.Set("Retry-After", "2")
	assert.Equal(t, 2*time.Second, parseRetryAfter(h))

	h.Set("Retry-After", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
	assert.Greater(t, parseRetryAfter(h), 50*time.Minute)

	h.Set("Retry-After", "soon")
	assert.Zero(t, parseRetryAfter(h))
}

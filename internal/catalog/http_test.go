package catalog_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ProductCatalog/internal/catalog"
	"ProductCatalog/pkg/kit"
)

type listBody struct {
	Count   int               `json:"count"`
	Results []catalog.Product `json:"results"`
}

type errBody struct {
	Error     string            `json:"error"`
	Details   map[string]string `json:"details"`
	RequestID string            `json:"request_id"`
}

func newCatalogTS(t *testing.T, s *catalog.Server, deps catalog.HTTPDeps) *httptest.Server {
	t.Helper()

	if s.Store == nil {
		s.Store = catalog.NewMemStore()
	}
	deps.Log = zap.NewNop()
	deps.Service = "catalog"

	ts := httptest.NewServer(catalog.NewHandler(s, deps))
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(raw, &v), "body=%s", raw)
	return v
}

func createProduct(t *testing.T, baseURL, name, price string) catalog.Product {
	t.Helper()

	resp, raw := doJSON(t, http.MethodPost, baseURL+"/products", map[string]any{
		"name":  name,
		"price": price,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body=%s", raw)
	return decode[catalog.Product](t, raw)
}

func listProducts(t *testing.T, url string) listBody {
	t.Helper()

	resp, raw := doJSON(t, http.MethodGet, url, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body=%s", raw)
	return decode[listBody](t, raw)
}

func TestCatalog_Lifecycle(t *testing.T) {
	ts := newCatalogTS(t, &catalog.Server{}, catalog.HTTPDeps{})

	var created catalog.Product
	{
		resp, raw := doJSON(t, http.MethodPost, ts.URL+"/products", map[string]any{
			"name":        "Test Product",
			"description": "Test Description",
			"price":       "99.99",
		}, nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode, "body=%s", raw)
		assert.Contains(t, string(raw), `"price":"99.99"`)

		created = decode[catalog.Product](t, raw)
		require.NotEmpty(t, created.ID)
		assert.Equal(t, created.CreatedAt, created.UpdatedAt)
	}

	list := listProducts(t, ts.URL+"/products")
	require.Equal(t, 1, list.Count)
	assert.Equal(t, created.ID, list.Results[0].ID)

	{
		resp, raw := doJSON(t, http.MethodGet, ts.URL+"/products/"+created.ID, nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "Test Product", decode[catalog.Product](t, raw).Name)
	}

	{
		resp, raw := doJSON(t, http.MethodPut, ts.URL+"/products/"+created.ID, map[string]any{
			"name":        "Updated Product",
			"description": "Updated Description",
			"price":       "199.99",
		}, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, "body=%s", raw)

		updated := decode[catalog.Product](t, raw)
		assert.Equal(t, created.ID, updated.ID)
		assert.Equal(t, "Updated Product", updated.Name)
		assert.Equal(t, "199.99", updated.Price.StringFixed(2))
		assert.Equal(t, created.CreatedAt, updated.CreatedAt)
		assert.False(t, updated.UpdatedAt.Before(created.UpdatedAt))

		resp, raw = doJSON(t, http.MethodGet, ts.URL+"/products/"+created.ID, nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, updated, decode[catalog.Product](t, raw))
	}

	{
		resp, raw := doJSON(t, http.MethodDelete, ts.URL+"/products/"+created.ID, nil, nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.Empty(t, raw)

		resp, _ = doJSON(t, http.MethodGet, ts.URL+"/products/"+created.ID, nil, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
}

func TestCatalog_UniqueIDs(t *testing.T) {
	ts := newCatalogTS(t, &catalog.Server{}, catalog.HTTPDeps{})

	var (
		mu   sync.Mutex
		seen = map[string]struct{}{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			raw, _ := json.Marshal(map[string]any{"name": "n", "price": "1"})
			resp, err := http.Post(ts.URL+"/products", "application/json", bytes.NewReader(raw))
			if err != nil {
				return
			}
			defer resp.Body.Close()

			var p catalog.Product
			if json.NewDecoder(resp.Body).Decode(&p) == nil {
				mu.Lock()
				seen[p.ID] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 20)
	assert.Equal(t, 20, listProducts(t, ts.URL+"/products").Count)
}

func TestCatalog_NotFound(t *testing.T) {
	ts := newCatalogTS(t, &catalog.Server{}, catalog.HTTPDeps{})

	body := map[string]any{"name": "x", "price": "1"}
	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			var b any
			if method == http.MethodPut || method == http.MethodPatch {
				b = body
			}
			resp, raw := doJSON(t, method, ts.URL+"/products/9999", b, nil)
			require.Equal(t, http.StatusNotFound, resp.StatusCode, "body=%s", raw)
			assert.Equal(t, "9999", decode[errBody](t, raw).Details["id"])
		})
	}
}

func TestCatalog_CreateInvalid(t *testing.T) {
	ts := newCatalogTS(t, &catalog.Server{}, catalog.HTTPDeps{})
	createProduct(t, ts.URL, "Existing", "1.00")

	resp, raw := doJSON(t, http.MethodPost, ts.URL+"/products", map[string]any{
		"name":  "",
		"price": "invalid_price",
	}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	eb := decode[errBody](t, raw)
	assert.Equal(t, "validation failed", eb.Error)
	assert.Contains(t, eb.Details, "name")
	assert.Contains(t, eb.Details, "price")
	assert.NotEmpty(t, eb.RequestID)

	assert.Equal(t, 1, listProducts(t, ts.URL+"/products").Count)
}

func TestCatalog_BadJSON(t *testing.T) {
	ts := newCatalogTS(t, &catalog.Server{}, catalog.HTTPDeps{})

	cases := map[string]string{
		"syntax":   `{"name":`,
		"unknown":  `{"name":"x","price":"1","color":"red"}`,
		"trailing": `{"name":"x","price":"1"}{}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp, raw := doJSON(t, http.MethodPost, ts.URL+"/products", body, nil)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "bad json", decode[errBody](t, raw).Error)
		})
	}

	assert.Zero(t, listProducts(t, ts.URL+"/products").Count)
}

func TestCatalog_UpdateInvalidLeavesRecord(t *testing.T) {
	ts := newCatalogTS(t, &catalog.Server{}, catalog.HTTPDeps{})
	p := createProduct(t, ts.URL, "Original", "5.00")

	resp, _ := doJSON(t, http.MethodPut, ts.URL+"/products/"+p.ID, map[string]any{
		"name":  "Changed",
		"price": "-1",
	}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, raw := doJSON(t, http.MethodGet, ts.URL+"/products/"+p.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, p, decode[catalog.Product](t, raw))
}

func TestCatalog_PutIsFullReplacement(t *testing.T) {
	ts := newCatalogTS(t, &catalog.Server{}, catalog.HTTPDeps{})

	resp, raw := doJSON(t, http.MethodPost, ts.URL+"/products", map[string]any{
		"name":        "Mug",
		"description": "Blue",
		"price":       3,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	p := decode[catalog.Product](t, raw)
	assert.Equal(t, "3.00", p.Price.StringFixed(2))

	resp, raw = doJSON(t, http.MethodPut, ts.URL+"/products/"+p.ID, map[string]any{
		"price": "4",
	}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "This field is required.", decode[errBody](t, raw).Details["name"])

	resp, raw = doJSON(t, http.MethodPut, ts.URL+"/products/"+p.ID, map[string]any{
		"name":  "Mug",
		"price": "4",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[catalog.Product](t, raw).Description)
}

func TestCatalog_Patch(t *testing.T) {
	ts := newCatalogTS(t, &catalog.Server{}, catalog.HTTPDeps{})

	resp, raw := doJSON(t, http.MethodPost, ts.URL+"/products", map[string]any{
		"name":        "Mug",
		"description": "Blue",
		"price":       "3.00",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	p := decode[catalog.Product](t, raw)

	resp, raw = doJSON(t, http.MethodPatch, ts.URL+"/products/"+p.ID, map[string]any{"price": "3.50"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body=%s", raw)

	got := decode[catalog.Product](t, raw)
	assert.Equal(t, "Mug", got.Name)
	assert.Equal(t, "Blue", got.Description)
	assert.Equal(t, "3.50", got.Price.StringFixed(2))
}

func TestCatalog_UpdatedAtAdvances(t *testing.T) {
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := &catalog.Server{Now: func() time.Time { return clock }}
	ts := newCatalogTS(t, s, catalog.HTTPDeps{})

	p := createProduct(t, ts.URL, "Lamp", "10")
	assert.True(t, clock.Equal(p.CreatedAt), "created_at=%s", p.CreatedAt)

	clock = clock.Add(time.Hour)
	resp, raw := doJSON(t, http.MethodPatch, ts.URL+"/products/"+p.ID, map[string]any{"name": "Lamp 2"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decode[catalog.Product](t, raw)
	assert.True(t, p.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, clock.Equal(got.UpdatedAt), "updated_at=%s", got.UpdatedAt)
}

func TestCatalog_ListFilters(t *testing.T) {
	ts := newCatalogTS(t, &catalog.Server{}, catalog.HTTPDeps{})

	createProduct(t, ts.URL, "Test Product", "99.99")
	createProduct(t, ts.URL, "Another Product", "29.99")
	createProduct(t, ts.URL, "Cheap Product", "9.99")
	createProduct(t, ts.URL, "Expensive Product", "199.99")

	assert.Equal(t, 1, listProducts(t, ts.URL+"/products?name=Test").Count)
	assert.Equal(t, 4, listProducts(t, ts.URL+"/products?name=product").Count)

	mid := listProducts(t, ts.URL+"/products?min_price=50&max_price=150")
	require.Equal(t, 1, mid.Count)
	assert.Equal(t, "Test Product", mid.Results[0].Name)

	assert.Equal(t, 1, listProducts(t, ts.URL+"/products?price=29.99").Count)
	assert.Equal(t, 1, listProducts(t, ts.URL+"/products?search=cheap+product").Count)

	empty := listProducts(t, ts.URL+"/products?name=zzz")
	assert.Zero(t, empty.Count)
	assert.NotNil(t, empty.Results)

	first := listProducts(t, ts.URL+"/products")
	second := listProducts(t, ts.URL+"/products")
	assert.Equal(t, first, second)
}

func TestCatalog_ListMalformedFilter(t *testing.T) {
	ts := newCatalogTS(t, &catalog.Server{}, catalog.HTTPDeps{})

	resp, raw := doJSON(t, http.MethodGet, ts.URL+"/products?min_price=abc", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "A valid number is required.", decode[errBody](t, raw).Details["min_price"])
}

func TestCatalog_OutOfRangePrices(t *testing.T) {
	ts := newCatalogTS(t, &catalog.Server{}, catalog.HTTPDeps{})
	p := createProduct(t, ts.URL, "Lamp", "10.00")

	for _, price := range []string{"1e20000000", "1e-20000000"} {
		t.Run("body "+price, func(t *testing.T) {
			for _, req := range []struct {
				method, path string
				body         map[string]any
			}{
				{http.MethodPost, "/products", map[string]any{"name": "Huge", "price": price}},
				{http.MethodPut, "/products/" + p.ID, map[string]any{"name": "Huge", "price": price}},
				{http.MethodPatch, "/products/" + p.ID, map[string]any{"price": price}},
			} {
				start := time.Now()
				resp, raw := doJSON(t, req.method, ts.URL+req.path, req.body, nil)
				require.Equal(t, http.StatusBadRequest, resp.StatusCode, "%s body=%s", req.method, raw)
				assert.Contains(t, decode[errBody](t, raw).Details, "price")
				assert.Less(t, time.Since(start), time.Second)
			}
		})

		t.Run("query "+price, func(t *testing.T) {
			for _, param := range []string{"price", "min_price", "max_price"} {
				start := time.Now()
				resp, raw := doJSON(t, http.MethodGet, ts.URL+"/products?"+param+"="+price, nil, nil)
				require.Equal(t, http.StatusBadRequest, resp.StatusCode, "body=%s", raw)
				assert.Equal(t, "A valid number is required.", decode[errBody](t, raw).Details[param])
				assert.Less(t, time.Since(start), time.Second)
			}
		})
	}

	resp, raw := doJSON(t, http.MethodGet, ts.URL+"/products/"+p.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, p, decode[catalog.Product](t, raw))
	assert.Equal(t, 1, listProducts(t, ts.URL+"/products").Count)
}

func TestCatalog_NullName(t *testing.T) {
	ts := newCatalogTS(t, &catalog.Server{}, catalog.HTTPDeps{})
	p := createProduct(t, ts.URL, "Lamp", "10.00")

	for _, method := range []string{http.MethodPost, http.MethodPatch} {
		path := "/products"
		if method == http.MethodPatch {
			path += "/" + p.ID
		}
		resp, raw := doJSON(t, method, ts.URL+path, `{"name":null,"price":"1"}`, nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, "%s body=%s", method, raw)
		assert.Equal(t, "This field may not be null.", decode[errBody](t, raw).Details["name"])
	}

	assert.Equal(t, "Lamp", listProducts(t, ts.URL+"/products").Results[0].Name)
}

type failingStore struct {
	catalog.MemStore
	err error
}

func (s *failingStore) Ping(context.Context) error { return s.err }

func (s *failingStore) List(context.Context, catalog.Filter) ([]catalog.Product, error) {
	return nil, s.err
}

func (s *failingStore) Get(context.Context, string) (catalog.Product, bool, error) {
	return catalog.Product{}, false, s.err
}

func TestCatalog_StoreErrors(t *testing.T) {
	t.Run("unavailable", func(t *testing.T) {
		ts := newCatalogTS(t, &catalog.Server{Store: &failingStore{err: errors.New("connection refused")}}, catalog.HTTPDeps{})

		resp, _ := doJSON(t, http.MethodGet, ts.URL+"/products", nil, nil)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

		resp, _ = doJSON(t, http.MethodGet, ts.URL+"/products/p1", nil, nil)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

		resp, _ = doJSON(t, http.MethodGet, ts.URL+"/readyz", nil, nil)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

		resp, _ = doJSON(t, http.MethodGet, ts.URL+"/healthz", nil, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("timeout", func(t *testing.T) {
		ts := newCatalogTS(t, &catalog.Server{Store: &failingStore{err: context.DeadlineExceeded}}, catalog.HTTPDeps{})

		resp, raw := doJSON(t, http.MethodGet, ts.URL+"/products", nil, nil)
		assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
		assert.Equal(t, "timeout", decode[errBody](t, raw).Error)
	})
}

func TestCatalog_Readyz(t *testing.T) {
	ts := newCatalogTS(t, &catalog.Server{}, catalog.HTTPDeps{})

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCatalog_WriteRateLimit(t *testing.T) {
	s := &catalog.Server{Limiter: kit.NewIPRateLimiter(2, time.Minute)}
	ts := newCatalogTS(t, s, catalog.HTTPDeps{})

	createProduct(t, ts.URL, "a", "1")
	createProduct(t, ts.URL, "b", "1")

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/products", map[string]any{"name": "c", "price": "1"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))

	assert.Equal(t, 2, listProducts(t, ts.URL+"/products").Count, "reads are not limited")
}

func TestCatalog_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	ts := newCatalogTS(t, &catalog.Server{}, catalog.HTTPDeps{
		Registry:       reg,
		MetricsEnabled: true,
		MetricsToken:   "scrape-token",
	})

	p := createProduct(t, ts.URL, "Lamp", "10")
	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/products/"+p.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/metrics", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, raw := doJSON(t, http.MethodGet, ts.URL+"/metrics", nil, map[string]string{
		"Authorization": "Bearer scrape-token",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := string(raw)
	assert.Contains(t, body, `catalog_products_mutations_total{op="create"} 1`)
	assert.Contains(t, body, `path="/products/{id}"`)
}

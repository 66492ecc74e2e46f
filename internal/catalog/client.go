package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrUnavailable = errors.New("catalog unavailable")
	ErrBadStatus   = errors.New("catalog bad status")
)

// Client talks to the product API over HTTP. Validation failures come back as
// *ValidationError and missing ids as ErrNotFound, same as the Store.
type Client struct {
	BaseURL string
	Client  *http.Client
}

func NewClient(baseURL string) *Client {
	if u, err := url.Parse(baseURL); err == nil && u.Scheme != "" && u.Host != "" {
		baseURL = strings.TrimRight(baseURL, "/")
	}
	return &Client{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 3 * time.Second},
	}
}

// ListParams mirrors the list query parameters; empty fields are omitted.
type ListParams struct {
	Name     string
	Search   string
	Price    string
	MinPrice string
	MaxPrice string
}

func (p ListParams) values() url.Values {
	q := url.Values{}
	for k, v := range map[string]string{
		"name":      p.Name,
		"search":    p.Search,
		"price":     p.Price,
		"min_price": p.MinPrice,
		"max_price": p.MaxPrice,
	} {
		if v != "" {
			q.Set(k, v)
		}
	}
	return q
}

func (c *Client) List(ctx context.Context, params ListParams) ([]Product, error) {
	path := "/products"
	if q := params.values().Encode(); q != "" {
		path += "?" + q
	}

	var out listResp
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *Client) Get(ctx context.Context, id string) (Product, error) {
	var p Product
	err := c.do(ctx, http.MethodGet, "/products/"+url.PathEscape(id), nil, &p)
	return p, err
}

func (c *Client) Create(ctx context.Context, in ProductInput) (Product, error) {
	var p Product
	err := c.do(ctx, http.MethodPost, "/products", in, &p)
	return p, err
}

func (c *Client) Replace(ctx context.Context, id string, in ProductInput) (Product, error) {
	var p Product
	err := c.do(ctx, http.MethodPut, "/products/"+url.PathEscape(id), in, &p)
	return p, err
}

func (c *Client) Patch(ctx context.Context, id string, in ProductInput) (Product, error) {
	var p Product
	err := c.do(ctx, http.MethodPatch, "/products/"+url.PathEscape(id), in, &p)
	return p, err
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/products/"+url.PathEscape(id), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return ErrNotFound
	case resp.StatusCode == http.StatusBadRequest:
		var eb struct {
			Error   string            `json:"error"`
			Details map[string]string `json:"details"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&eb); err == nil && eb.Error == "validation failed" {
			return &ValidationError{Fields: eb.Details}
		}
		return fmt.Errorf("%w: status=%d error=%q", ErrBadStatus, resp.StatusCode, eb.Error)
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: status=%d", ErrBadStatus, resp.StatusCode)
	}
}

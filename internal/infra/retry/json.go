package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// ErrDecode marks a 2xx body that did not decode into the caller's value.
var ErrDecode = errors.New("decode response")

// PostJSON marshals payload, POSTs it with retries and decodes the 2xx body into out.
func (c *Client) PostJSON(ctx context.Context, target string, header http.Header, payload any, proxy string, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	h := cloneHeader(header)
	h.Set("Content-Type", "application/json")

	resp, err := c.Do(ctx, Request{Method: http.MethodPost, URL: target, Header: h, Body: body, Proxy: proxy})
	if err != nil {
		return err
	}
	return decode(resp, out)
}

// GetJSON GETs target with query parameters and decodes the 2xx body into out.
func (c *Client) GetJSON(ctx context.Context, target string, header http.Header, query url.Values, proxy string, out any) error {
	h := cloneHeader(header)
	h.Set("Accept", "application/json")

	resp, err := c.Do(ctx, Request{Method: http.MethodGet, URL: target, Header: h, Query: query, Proxy: proxy})
	if err != nil {
		return err
	}
	return decode(resp, out)
}

func decode(resp *Response, out any) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return nil
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	return h.Clone()
}

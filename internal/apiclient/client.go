// Package apiclient is the typed HTTP client for the hostdeck API. Every
// call goes through one generic request path that unwraps the
// {success, data, error} envelope.
package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	resty "github.com/go-resty/resty/v2"
)

const apiPrefix = "/api/v1"

// APIError is a non-2xx response or an envelope with success == false.
type APIError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type Client struct {
	restyClient *resty.Client
	baseURL     string
	token       string
}

func New(opts Options) *Client {
	rc := resty.New()
	rc.SetBaseURL(opts.BaseURL)
	rc.SetHeader("Accept", "application/json")
	if opts.Token != "" {
		rc.SetAuthToken(opts.Token)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	rc.SetTimeout(opts.Timeout)
	return &Client{restyClient: rc, baseURL: opts.BaseURL, token: opts.Token}
}

type envelope[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Error   string `json:"error"`
}

// rawBody is sent as-is instead of being JSON encoded.
type rawBody struct {
	contentType string
	data        []byte
}

func do[T any](ctx context.Context, c *Client, method, path string, body any, query map[string]string) (T, error) {
	var zero T
	var result envelope[T]
	var failure envelope[any]

	req := c.restyClient.R().
		SetContext(ctx).
		SetResult(&result).
		SetError(&failure)
	switch b := body.(type) {
	case nil:
	case rawBody:
		req.SetHeader("Content-Type", b.contentType).SetBody(b.data)
	default:
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if len(query) > 0 {
		req.SetQueryParams(query)
	}

	res, err := req.Execute(method, path)
	if err != nil {
		return zero, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if res.IsError() {
		msg := failure.Error
		if msg == "" {
			msg = http.StatusText(res.StatusCode())
		}
		return zero, &APIError{Method: method, Path: path, Status: res.StatusCode(), Message: msg}
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "unexpected response"
		}
		return zero, &APIError{Method: method, Path: path, Status: res.StatusCode(), Message: msg}
	}
	return result.Data, nil
}

func Get[T any](ctx context.Context, c *Client, path string, query map[string]string) (T, error) {
	return do[T](ctx, c, http.MethodGet, path, nil, query)
}

func Post[T any](ctx context.Context, c *Client, path string, body any) (T, error) {
	return do[T](ctx, c, http.MethodPost, path, body, nil)
}

func Patch[T any](ctx context.Context, c *Client, path string, body any) (T, error) {
	return do[T](ctx, c, http.MethodPatch, path, body, nil)
}

func Delete[T any](ctx context.Context, c *Client, path string) (T, error) {
	return do[T](ctx, c, http.MethodDelete, path, nil, nil)
}

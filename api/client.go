// Package api is the Go client for the control plane's HTTP API. The CLI
// commands are built on it, and it is usable as a library by anything else
// that wants to drive an orchestrator.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/icarus-hq/icarus/logger"
	"github.com/icarus-hq/icarus/version"
)

const defaultEndpoint = "http://127.0.0.1:8000"

// Config is configuration for the API Client
type Config struct {
	// Endpoint for API requests. Defaults to a local orchestrator.
	Endpoint string

	// User agent used when communicating with the orchestrator.
	UserAgent string

	// If true, requests and responses will be dumped and sent to the logger
	DebugHTTP bool

	// The http client used, leave nil for the default
	HTTPClient *http.Client
}

// A Client manages communication with the orchestrator API.
type Client struct {
	conf   Config
	client *http.Client
	logger logger.Logger
}

// NewClient returns a new orchestrator API Client.
func NewClient(l logger.Logger, conf Config) *Client {
	if conf.Endpoint == "" {
		conf.Endpoint = defaultEndpoint
	}
	if conf.UserAgent == "" {
		conf.UserAgent = version.UserAgent()
	}

	client := conf.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	return &Client{
		logger: l,
		client: client,
		conf:   conf,
	}
}

// Config returns the internal configuration for the Client
func (c *Client) Config() Config {
	return c.conf
}

// newRequest creates an API request. urlStr is resolved relative to the
// client's endpoint and should be specified without a preceding slash. If
// body is non-nil it is JSON encoded as the request body.
func (c *Client) newRequest(ctx context.Context, method, urlStr string, body any) (*http.Request, error) {
	u := joinURLPath(c.conf.Endpoint, urlStr)

	buf := new(bytes.Buffer)
	if body != nil {
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u, buf)
	if err != nil {
		return nil, err
	}

	req.Header.Add("User-Agent", c.conf.UserAgent)
	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}

	return req, nil
}

// Response wraps the standard http.Response.
type Response struct {
	*http.Response
}

// doRequest sends an API request and returns the API response. The response
// body is JSON decoded into the value pointed to by v, or returned as an
// error if an API error occurred.
func (c *Client) doRequest(req *http.Request, v any) (*Response, error) {
	if c.conf.DebugHTTP {
		if dump, err := httputil.DumpRequestOut(req, true); err == nil {
			c.logger.Debug("%s", string(dump))
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if c.conf.DebugHTTP {
		if dump, err := httputil.DumpResponse(resp, true); err == nil {
			c.logger.Debug("\n%s", string(dump))
		}
	}

	response := &Response{Response: resp}

	if err := checkResponse(resp); err != nil {
		// even though there was an error, we still return the response
		// in case the caller wants to inspect it further
		return response, err
	}

	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return response, fmt.Errorf("failed to decode JSON response: %w", err)
		}
	}

	return response, nil
}

// ErrorResponse provides a message.
type ErrorResponse struct {
	Response *http.Response // HTTP response that caused this error
	Message  string         `json:"error"` // error message
}

func (r *ErrorResponse) Error() string {
	s := fmt.Sprintf("%v %v: %s",
		r.Response.Request.Method, r.Response.Request.URL,
		r.Response.Status)

	if r.Message != "" {
		s = fmt.Sprintf("%s: %v", s, r.Message)
	}

	return s
}

func IsErrHavingStatus(err error, code int) bool {
	var apierr *ErrorResponse
	return errors.As(err, &apierr) && apierr.Response.StatusCode == code
}

func checkResponse(r *http.Response) error {
	if c := r.StatusCode; 200 <= c && c <= 299 {
		return nil
	}

	errorResponse := &ErrorResponse{Response: r}
	data, err := io.ReadAll(r.Body)
	if err == nil && data != nil {
		json.Unmarshal(data, errorResponse)
	}

	return errorResponse
}

func joinURLPath(endpoint string, path string) string {
	return strings.TrimRight(endpoint, "/") + "/" + strings.TrimLeft(path, "/")
}

package api

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

	"github.com/rickgao/onebot-relay/internal/model"
	"github.com/rickgao/onebot-relay/internal/version"
)

// ErrParamsNotObject is returned when form or query encoding gets non-object params.
var ErrParamsNotObject = errors.New("params must be a json object")

// APIError represents an HTTP error status from the upstream.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("onebot api error %d: %s", e.StatusCode, e.Message)
}

// Retcode maps the HTTP status into the relay's retcode space.
func (e *APIError) Retcode() int {
	return model.RetcodeHTTPBase + e.StatusCode
}

// upstreamResponse is the reply body of a OneBot HTTP endpoint.
type upstreamResponse struct {
	Status  model.Status    `json:"status"`
	Retcode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
}

// Execute forwards req upstream and converts the outcome to a Response.
func (c *Client) Execute(ctx context.Context, req model.Request) model.Response {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.logger.Warn("rate limit wait abandoned", "action", req.Action, "error", err)
			return model.Failed(model.RetcodeRateLimited, err.Error(), nil)
		}
	}

	body, err := c.doRequest(ctx, req)
	if err != nil {
		var apiErr *APIError
		switch {
		case errors.As(err, &apiErr):
			c.logger.Warn("upstream returned error status", "action", req.Action, "status", apiErr.StatusCode)
			return model.Failed(apiErr.Retcode(), apiErr.Error(), nil)
		case errors.Is(err, ErrParamsNotObject):
			return model.Failed(model.RetcodeBadRequest, err.Error(), nil)
		default:
			c.logger.Error("upstream request failed", "action", req.Action, "error", err)
			return model.Failed(model.RetcodeUpstreamDown, err.Error(), nil)
		}
	}

	var out upstreamResponse
	if err := json.Unmarshal(body, &out); err != nil || out.Status == "" {
		c.logger.Error("upstream reply is not a onebot response", "action", req.Action, "error", err)
		return model.Failed(model.RetcodeUpstreamDown, "invalid upstream response", nil)
	}

	return model.Response{Status: out.Status, Retcode: out.Retcode, Data: out.Data}
}

// doRequest performs one HTTP call for req.
func (c *Client) doRequest(ctx context.Context, req model.Request) ([]byte, error) {
	params, err := stripEcho(req.Params)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/" + url.PathEscape(req.Action) + c.callMode.Suffix()

	var httpReq *http.Request
	switch c.sendMode {
	case SendQuery:
		values, err := formValues(params)
		if err != nil {
			return nil, err
		}
		if len(values) > 0 {
			endpoint += "?" + values.Encode()
		}
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}

	case SendForm:
		values, err := formValues(params)
		if err != nil {
			return nil, err
		}
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(values.Encode()))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	default:
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(params))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())
	c.token.Apply(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       body,
		}
	}

	return body, nil
}

// stripEcho removes the relay's correlation token from object params.
// Other shapes pass through unchanged.
func stripEcho(params json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if _, ok := fields["echo"]; !ok {
		return trimmed, nil
	}
	delete(fields, "echo")
	return json.Marshal(fields)
}

// formValues flattens object params into url values. Strings are sent
// unquoted; every other value is sent as its JSON text.
func formValues(params json.RawMessage) (url.Values, error) {
	values := url.Values{}
	if len(params) == 0 || string(params) == "null" {
		return values, nil
	}
	if params[0] != '{' {
		return nil, ErrParamsNotObject
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(params, &fields); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	for k, raw := range fields {
		var s string
		if len(raw) > 0 && raw[0] == '"' && json.Unmarshal(raw, &s) == nil {
			values.Set(k, s)
			continue
		}
		values.Set(k, string(raw))
	}
	return values, nil
}

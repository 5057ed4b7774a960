package executor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/aegisops/aegis/internal/template"
)

// userAgent is stamped on every outbound API request.
const userAgent = "aegis-remediation/1.0"

// APIAuth describes how the HTTP executor authenticates.
type APIAuth struct {
	Type       string // none, api_key, bearer, basic, custom
	Username   string
	Secret     string
	HeaderName string            // for api_key
	Custom     map[string]string // for custom: literal headers
}

// APIRequest is the JSON command document an API step compiles to.
type APIRequest struct {
	Method              string            `json:"method"`
	Endpoint            string            `json:"endpoint"`
	Headers             map[string]string `json:"headers,omitempty"`
	QueryParams         map[string]string `json:"query_params,omitempty"`
	Body                string            `json:"body,omitempty"`
	BodyType            string            `json:"body_type,omitempty"` // json, form, raw
	ExpectedStatusCodes []int             `json:"expected_status_codes,omitempty"`
	Extract             map[string]string `json:"extract,omitempty"`
	FollowRedirects     *bool             `json:"follow_redirects,omitempty"`
}

// HTTPExecutor runs API steps against one base endpoint. It satisfies the
// same Executor capability set as the transport executors; the command
// string is an APIRequest JSON document.
type HTTPExecutor struct {
	BaseURL        string
	Auth           APIAuth
	TimeoutSeconds int
	ExtraHeaders   map[string]string
	VerifySSL      bool

	client *http.Client
}

// retryableStatuses are HTTP statuses worth retrying.
var retryableStatuses = map[int]bool{
	http.StatusRequestTimeout:      true, // 408
	http.StatusTooManyRequests:     true, // 429
	http.StatusInternalServerError: true, // 500
	http.StatusBadGateway:          true, // 502
	http.StatusServiceUnavailable:  true, // 503
	http.StatusGatewayTimeout:      true, // 504
}

// NewHTTPExecutor creates an API executor for one base endpoint.
func NewHTTPExecutor(baseURL string, auth APIAuth, timeoutSeconds int, verifySSL bool) *HTTPExecutor {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}
	return &HTTPExecutor{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		Auth:           auth,
		TimeoutSeconds: timeoutSeconds,
		VerifySSL:      verifySSL,
	}
}

// Connect builds the underlying HTTP client.
func (e *HTTPExecutor) Connect(ctx context.Context) error {
	if e.client != nil {
		return nil
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !e.VerifySSL},
	}
	e.client = &http.Client{
		Timeout:   time.Duration(e.TimeoutSeconds) * time.Second,
		Transport: transport,
	}
	return nil
}

// Disconnect drops the client.
func (e *HTTPExecutor) Disconnect() error {
	if e.client != nil {
		e.client.CloseIdleConnections()
		e.client = nil
	}
	return nil
}

// TestConnection issues a HEAD against the base URL.
func (e *HTTPExecutor) TestConnection(ctx context.Context) error {
	if err := e.Connect(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, e.BaseURL, nil)
	if err != nil {
		return err
	}
	e.applyAuth(req)
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// GetServerInfo reports the endpoint and auth mode.
func (e *HTTPExecutor) GetServerInfo(ctx context.Context) (map[string]string, error) {
	return map[string]string{
		"protocol": "http",
		"base_url": e.BaseURL,
		"auth":     e.Auth.Type,
	}, nil
}

// Execute parses the command as an APIRequest document, renders every
// string field against opts.Env (lenient: unresolved references stay
// literal), and performs the request. The result's ExitCode is the HTTP
// status; Success means the status was in the expected set.
func (e *HTTPExecutor) Execute(ctx context.Context, command string, opts Options) *Result {
	start := time.Now().UTC()

	var req APIRequest
	if err := json.Unmarshal([]byte(command), &req); err != nil {
		return failure(e.BaseURL, command, start, ErrUnknown, fmt.Sprintf("parse API step config: %v", err))
	}

	tmplCtx := envContext(opts.Env)
	renderRequest(&req, tmplCtx)

	if err := e.Connect(ctx); err != nil {
		return failure(e.BaseURL, command, start, ErrConnection, err.Error())
	}

	fullURL, err := e.resolveURL(req.Endpoint, req.QueryParams)
	if err != nil {
		return failure(e.BaseURL, command, start, ErrUnknown, err.Error())
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	body, contentType, err := encodeBody(req)
	if err != nil {
		return failure(e.BaseURL, command, start, ErrUnknown, err.Error())
	}

	timeout := opts.TimeoutSeconds
	if timeout <= 0 {
		timeout = e.TimeoutSeconds
	}
	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, fullURL, strings.NewReader(body))
	if err != nil {
		return failure(e.BaseURL, command, start, ErrUnknown, err.Error())
	}

	httpReq.Header.Set("User-Agent", userAgent)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range e.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	e.applyAuth(httpReq)

	client := e.client
	if req.FollowRedirects != nil && !*req.FollowRedirects {
		noRedirect := *e.client
		noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
		client = &noRedirect
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		kind := classifyHTTPTransportError(err)
		return failure(e.BaseURL, command, start, kind, err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return failure(e.BaseURL, command, start, ErrConnection, fmt.Sprintf("read response: %v", err))
	}

	expected := req.ExpectedStatusCodes
	if len(expected) == 0 {
		expected = []int{200, 201, 202, 204}
	}
	success := containsInt(expected, resp.StatusCode)

	result := &Result{
		Success:        success,
		ExitCode:       resp.StatusCode,
		Stdout:         string(respBody),
		DurationMs:     time.Since(start).Milliseconds(),
		Command:        command,
		ServerHostname: e.BaseURL,
		ExecutedAt:     start,
	}

	if !success {
		result.ErrorMessage = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			result.ErrorType = ErrAuth
		case retryableStatuses[resp.StatusCode]:
			result.ErrorType = ErrCommand
			result.Retryable = true
		default:
			result.ErrorType = ErrCommand
		}
	}

	if len(req.Extract) > 0 {
		result.Extracted = extractValues(respBody, req.Extract)
	}

	return result
}

// applyAuth stamps the configured auth mode onto a request.
func (e *HTTPExecutor) applyAuth(req *http.Request) {
	switch e.Auth.Type {
	case "", "none":
	case "api_key":
		header := e.Auth.HeaderName
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, e.Auth.Secret)
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+e.Auth.Secret)
	case "basic":
		req.SetBasicAuth(e.Auth.Username, e.Auth.Secret)
	case "custom":
		for k, v := range e.Auth.Custom {
			req.Header.Set(k, v)
		}
	}
}

// resolveURL joins the endpoint with the base URL and query parameters.
// Absolute endpoints are used as-is.
func (e *HTTPExecutor) resolveURL(endpoint string, query map[string]string) (string, error) {
	full := endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		full = e.BaseURL + "/" + strings.TrimLeft(endpoint, "/")
	}
	u, err := url.Parse(full)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// encodeBody prepares the request body per body_type.
func encodeBody(req APIRequest) (string, string, error) {
	if req.Body == "" {
		return "", "", nil
	}
	switch req.BodyType {
	case "", "json":
		return req.Body, "application/json", nil
	case "form":
		// Body is a JSON object of form fields
		var fields map[string]string
		if err := json.Unmarshal([]byte(req.Body), &fields); err != nil {
			return "", "", fmt.Errorf("form body must be a JSON object: %w", err)
		}
		values := url.Values{}
		for k, v := range fields {
			values.Set(k, v)
		}
		return values.Encode(), "application/x-www-form-urlencoded", nil
	case "raw":
		return req.Body, "text/plain", nil
	default:
		return "", "", fmt.Errorf("unknown body_type %q", req.BodyType)
	}
}

// extractValues pulls named values from a response body. Patterns starting
// with "$." are simplified JSONPath; anything else is a regex whose first
// capture group (or whole match) is taken. Extraction failures yield empty
// strings rather than failing the step.
func extractValues(body []byte, patterns map[string]string) map[string]string {
	out := make(map[string]string, len(patterns))
	for name, pattern := range patterns {
		if strings.HasPrefix(pattern, "$.") {
			val, err := evalJSONPath(body, pattern)
			if err != nil {
				out[name] = ""
				continue
			}
			out[name] = val
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			out[name] = ""
			continue
		}
		m := re.FindStringSubmatch(string(body))
		switch {
		case len(m) > 1:
			out[name] = m[1]
		case len(m) == 1:
			out[name] = m[0]
		default:
			out[name] = ""
		}
	}
	return out
}

// renderRequest substitutes {{var}} references in every string field.
// Rendering is lenient: a reference that cannot be resolved stays literal.
func renderRequest(req *APIRequest, ctx template.Context) {
	req.Endpoint = template.RenderLenient(req.Endpoint, ctx)
	req.Body = template.RenderLenient(req.Body, ctx)
	for k, v := range req.Headers {
		req.Headers[k] = template.RenderLenient(v, ctx)
	}
	for k, v := range req.QueryParams {
		req.QueryParams[k] = template.RenderLenient(v, ctx)
	}
}

func envContext(env map[string]string) template.Context {
	ctx := make(template.Context, len(env))
	for k, v := range env {
		ctx[k] = v
	}
	return ctx
}

func classifyHTTPTransportError(err error) ErrorType {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return ErrTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrConnection
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

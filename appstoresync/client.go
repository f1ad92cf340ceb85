package appstoresync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// analyticsClient talks to the App Store Connect analytics reporting API.
// Every API call waits on a shared ticker so the whole process stays under
// the per-key rate limit no matter how many apps run in parallel.
type analyticsClient struct {
	baseURL  string
	tokens   TokenProvider
	http     *http.Client
	download *http.Client
	limiter  <-chan time.Time
	logger   *logrus.Logger
}

func newAnalyticsClient(tokens TokenProvider, logger *logrus.Logger) *analyticsClient {
	baseURL := strings.TrimSpace(os.Getenv("REPORTING_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.appstoreconnect.apple.com"
	}
	ratePerMin := int64(10)
	if v := strings.TrimSpace(os.Getenv("REPORTING_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			ratePerMin = n
		}
	}
	return &analyticsClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		tokens:   tokens,
		http:     &http.Client{Timeout: 30 * time.Second},
		download: &http.Client{Timeout: 120 * time.Second},
		limiter:  time.Tick(time.Minute / time.Duration(ratePerMin)),
		logger:   logger,
	}
}

// apiResource is one JSON:API object. Attributes stay schema-free so status
// and URL fields can be resolved by alias instead of a rigid struct.
type apiResource struct {
	Type       string                 `json:"type"`
	ID         string                 `json:"id"`
	Attributes map[string]interface{} `json:"attributes"`
}

type apiDocument struct {
	Data  json.RawMessage `json:"data"`
	Links struct {
		Next string `json:"next"`
	} `json:"links"`
}

// apiResponse carries the raw outcome of one call. Callers branch on the
// status code; err is reserved for transport-level failures.
type apiResponse struct {
	StatusCode int
	Body       []byte
}

func (r *apiResponse) decodeOne() (*apiResource, error) {
	var doc apiDocument
	if err := json.Unmarshal(r.Body, &doc); err != nil {
		return nil, err
	}
	var res apiResource
	if err := json.Unmarshal(doc.Data, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *apiResponse) decodeMany() ([]apiResource, string, error) {
	var doc apiDocument
	if err := json.Unmarshal(r.Body, &doc); err != nil {
		return nil, "", err
	}
	var res []apiResource
	if len(doc.Data) > 0 {
		if err := json.Unmarshal(doc.Data, &res); err != nil {
			return nil, "", err
		}
	}
	return res, doc.Links.Next, nil
}

// do performs one paced API call under the given retry policy. Transport
// errors and retryable statuses are retried with exponential delay; a 401
// triggers one token refresh before the request is repeated.
func (c *analyticsClient) do(ctx context.Context, method, endpoint string, params url.Values, payload interface{}) (*apiResponse, error) {
	return c.doPolicy(ctx, method, endpoint, params, payload, defaultRetryPolicy())
}

func (c *analyticsClient) doPolicy(ctx context.Context, method, endpoint string, params url.Values, payload interface{}, pol retryPolicy) (*apiResponse, error) {
	if !strings.HasPrefix(endpoint, "http") {
		endpoint = c.baseURL + endpoint
	}
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}

	refreshed := false
	var lastErr error
	for attempt := 0; attempt < pol.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, pol.delay(attempt-1)); err != nil {
				return nil, err
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.limiter:
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return nil, err
		}
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		out := &apiResponse{StatusCode: resp.StatusCode, Body: raw}
		if resp.StatusCode == http.StatusUnauthorized && !refreshed {
			refreshed = true
			if rerr := c.tokens.Refresh(ctx); rerr != nil {
				return out, nil
			}
			attempt--
			continue
		}
		if pol.accepted(resp.StatusCode) {
			return out, nil
		}
		if pol.retryable(resp.StatusCode) && attempt < pol.maxAttempts-1 {
			c.logger.WithFields(logrus.Fields{
				"module":   "appstoresync",
				"funcName": "doPolicy",
				"endpoint": endpoint,
				"status":   resp.StatusCode,
				"attempt":  attempt + 1,
			}).Warn("retryable api status, backing off")
			lastErr = fmt.Errorf("api status %d", resp.StatusCode)
			continue
		}
		return out, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("request to %s exhausted retries", endpoint)
	}
	return nil, lastErr
}

// listAll walks link-based pagination until the upstream stops handing out
// next links.
func (c *analyticsClient) listAll(ctx context.Context, endpoint string, params url.Values) ([]apiResource, error) {
	var all []apiResource
	next := ""
	for {
		var resp *apiResponse
		var err error
		if next != "" {
			resp, err = c.do(ctx, http.MethodGet, next, nil, nil)
		} else {
			resp, err = c.do(ctx, http.MethodGet, endpoint, params, nil)
		}
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusNotFound {
			return nil, ErrNotReady
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("api error %d: %s", resp.StatusCode, truncateBody(resp.Body))
		}
		page, nextLink, err := resp.decodeMany()
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if nextLink == "" {
			return all, nil
		}
		next = nextLink
	}
}

func (c *analyticsClient) getReportRequest(ctx context.Context, requestID string, pol retryPolicy) (*apiResponse, error) {
	return c.doPolicy(ctx, http.MethodGet, "/v1/analyticsReportRequests/"+requestID, nil, nil, pol)
}

func (c *analyticsClient) listReportRequests(ctx context.Context, appID string) ([]apiResource, error) {
	return c.listAll(ctx, "/v1/apps/"+appID+"/analyticsReportRequests", nil)
}

func (c *analyticsClient) createReportRequest(ctx context.Context, appID string, mode AccessMode) (*apiResponse, error) {
	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"type": "analyticsReportRequests",
			"attributes": map[string]interface{}{
				"accessType": string(mode),
			},
			"relationships": map[string]interface{}{
				"app": map[string]interface{}{
					"data": map[string]interface{}{
						"type": "apps",
						"id":   appID,
					},
				},
			},
		},
	}
	return c.do(ctx, http.MethodPost, "/v1/analyticsReportRequests", nil, payload)
}

func (c *analyticsClient) listReports(ctx context.Context, requestID string) ([]apiResource, error) {
	return c.listAll(ctx, "/v1/analyticsReportRequests/"+requestID+"/reports", nil)
}

func (c *analyticsClient) listInstances(ctx context.Context, reportID, granularity string) ([]apiResource, error) {
	params := url.Values{}
	if granularity != "" {
		params.Set("filter[granularity]", granularity)
	}
	return c.listAll(ctx, "/v1/analyticsReports/"+reportID+"/instances", params)
}

func (c *analyticsClient) listSegments(ctx context.Context, instanceID string) ([]apiResource, error) {
	return c.listAll(ctx, "/v1/analyticsReportInstances/"+instanceID+"/segments", nil)
}

func (c *analyticsClient) getSegment(ctx context.Context, segmentID string) (*apiResource, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/analyticsReportSegments/"+segmentID, nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("api error %d: %s", resp.StatusCode, truncateBody(resp.Body))
	}
	return resp.decodeOne()
}

// downloadSegment fetches a pre-signed segment URL. The URL carries its own
// auth and lives on a different host, so neither the bearer token nor the
// API pacing applies.
func (c *analyticsClient) downloadSegment(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.download.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("segment download error %d: %s", resp.StatusCode, truncateBody(body))
	}
	return body, nil
}

func truncateBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 300 {
		return s[:300] + "..."
	}
	return s
}

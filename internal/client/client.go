// Package client talks to the docforge HTTP API. It is used by the compose
// command line tool to submit bulk jobs and wait for them.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"docforge/internal/bulk"
	"docforge/internal/jobs"
)

// ErrNotFound is returned for 404 responses.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ bulk.StatusSource = (*Client)(nil)

// New returns a client for the API at baseURL. A nil httpClient gets a
// 30s timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// SubmitResponse is the accepted bulk submission.
type SubmitResponse struct {
	JobID     uint        `json:"job_id"`
	Status    jobs.Status `json:"status"`
	TotalRows int         `json:"total_rows"`
}

// SubmitBulk uploads a CSV for entityID. templateID 0 selects the standard
// layout.
func (c *Client) SubmitBulk(ctx context.Context, entityID, templateID uint, filename string, csv io.Reader, notifyEmail string) (*SubmitResponse, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	if templateID != 0 {
		if err := w.WriteField("template_id", strconv.FormatUint(uint64(templateID), 10)); err != nil {
			return nil, fmt.Errorf("write template_id: %w", err)
		}
	}
	if notifyEmail != "" {
		if err := w.WriteField("notify_email", notifyEmail); err != nil {
			return nil, fmt.Errorf("write notify_email: %w", err)
		}
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, csv); err != nil {
		return nil, fmt.Errorf("copy csv: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/v1/entities/%d/bulk", c.baseURL, entityID), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var out SubmitResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status fetches the job's status view.
func (c *Client) Status(ctx context.Context, jobID uint) (*bulk.StatusView, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/v1/jobs/%d", c.baseURL, jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	var out bulk.StatusView
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Errors fetches the job's per-row error log.
func (c *Client) Errors(ctx context.Context, jobID uint) ([]jobs.RowError, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/v1/jobs/%d/errors", c.baseURL, jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	var out struct {
		Items []jobs.RowError `json:"items"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w, body: %s", err, string(body))
	}
	return nil
}

// Package backend is the REST client for the platform backend.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/reliefnet/fieldagent/internal/models"
	"github.com/reliefnet/fieldagent/internal/session"
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

type Options struct {
	BaseURL          string
	HazardReportPath string
	HealthPath       string
	Timeout          time.Duration
	HTTPClient       *http.Client
}

type Client struct {
	baseURL          string
	hazardReportPath string
	healthPath       string
	sess             session.Session
	http             *http.Client
}

func New(opts Options, sess session.Session) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	c := &Client{
		baseURL:          strings.TrimRight(opts.BaseURL, "/"),
		hazardReportPath: opts.HazardReportPath,
		healthPath:       opts.HealthPath,
		sess:             sess,
		http:             hc,
	}
	if c.hazardReportPath == "" {
		c.hazardReportPath = "/api/hazard-report"
	}
	if c.healthPath == "" {
		c.healthPath = "/"
	}
	return c
}

// SubmitHazardReport posts a report as multipart form data. idempotencyKey is
// sent so the backend can drop a replay of a submission that did land.
func (c *Client) SubmitHazardReport(ctx context.Context, p models.ReportPayload, idempotencyKey string) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fields := [][2]string{
		{"name", p.Name},
		{"contact", p.Contact},
		{"type", p.Type},
		{"description", p.Description},
		{"latitude", formatCoord(p.Latitude)},
		{"longitude", formatCoord(p.Longitude)},
		{"location", p.Address},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}
	if p.Media != nil && len(p.Media.Data) > 0 {
		if err := writeFile(mw, p.Media); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.hazardReportPath, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	return c.do(req, nil)
}

// ListAlerts fetches the alerts the backend considers relevant for a role
// around a point.
func (c *Client) ListAlerts(ctx context.Context, role string, loc models.Location) ([]models.Alert, error) {
	q := url.Values{}
	q.Set("role", role)
	q.Set("lat", strconv.FormatFloat(loc.Lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(loc.Lng, 'f', -1, 64))

	req, err := c.newRequest(ctx, http.MethodGet, "/api/alerts?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var alerts []models.Alert
	if err := c.do(req, &alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

func (c *Client) ResolveAlert(ctx context.Context, id string) error {
	req, err := c.newRequest(ctx, http.MethodPatch, "/api/alerts/"+url.PathEscape(id)+"/resolve", nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) ListShelters(ctx context.Context) ([]models.Shelter, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/shelters", nil)
	if err != nil {
		return nil, err
	}
	var shelters []models.Shelter
	if err := c.do(req, &shelters); err != nil {
		return nil, err
	}
	return shelters, nil
}

// Ping checks that the backend answers at all. Any HTTP response below 500
// counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, c.healthPath, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= http.StatusInternalServerError {
		return &StatusError{Method: req.Method, Path: c.healthPath, Code: resp.StatusCode}
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if auth := c.sess.Authorization(); auth != "" {
		req.Header.Set("Authorization", auth)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Method: req.Method, Path: req.URL.Path, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

func writeFile(mw *multipart.Writer, m *models.Media) error {
	name := m.Filename
	if name == "" {
		name = "attachment"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(name)))
	if m.MIMEType != "" {
		h.Set("Content-Type", m.MIMEType)
	} else {
		h.Set("Content-Type", "application/octet-stream")
	}
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = part.Write(m.Data)
	return err
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

func formatCoord(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', 6, 64)
}

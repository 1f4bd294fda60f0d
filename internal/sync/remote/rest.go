package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RESTConfig configures a PostgREST-style hosted backend.
type RESTConfig struct {
	BaseURL  string
	APIKey   string
	IDColumn string
	Timeout  time.Duration
}

// HTTPError is a non-2xx response from the REST backend.
type HTTPError struct {
	Method string
	Table  string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Table, e.Status, e.Body)
}

// RESTStore implements Store against /rest/v1/<table>.
type RESTStore struct {
	config     RESTConfig
	httpClient *http.Client
}

// NewRESTStore creates a new RESTStore.
func NewRESTStore(config RESTConfig) *RESTStore {
	if config.IDColumn == "" {
		config.IDColumn = "id"
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	return &RESTStore{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

func (s *RESTStore) tableURL(table string, query url.Values) (string, error) {
	if !ValidIdentifier(table) {
		return "", fmt.Errorf("invalid table %q", table)
	}
	u := s.config.BaseURL + "/rest/v1/" + table
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u, nil
}

func filterValue(f Filter) string {
	return string(f.Op) + "." + IDString(f.Value)
}

func (s *RESTStore) do(ctx context.Context, method, table string, query url.Values, body interface{}, out interface{}) error {
	u, err := s.tableURL(table, query)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode row: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", s.config.APIKey)
	req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		req.Header.Set("Prefer", "return=representation")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{Method: method, Table: table, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("failed to decode %s response: %w", table, err)
	}
	return nil
}

func (s *RESTStore) idQuery(id string) url.Values {
	q := url.Values{}
	q.Set(s.config.IDColumn, "eq."+id)
	return q
}

// Create inserts row and returns the id from the returned representation.
func (s *RESTStore) Create(ctx context.Context, table string, row Row) (string, error) {
	var created []Row
	if err := s.do(ctx, http.MethodPost, table, nil, row, &created); err != nil {
		return "", err
	}
	if len(created) == 0 {
		return "", fmt.Errorf("create %s: empty response", table)
	}
	id := IDString(created[0][s.config.IDColumn])
	if id == "" {
		return "", fmt.Errorf("create %s: response has no %s", table, s.config.IDColumn)
	}
	return id, nil
}

// Update sets values on the row with the given id.
func (s *RESTStore) Update(ctx context.Context, table, id string, values Row) error {
	var updated []Row
	if err := s.do(ctx, http.MethodPatch, table, s.idQuery(id), values, &updated); err != nil {
		return err
	}
	if len(updated) == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the row with the given id.
func (s *RESTStore) Delete(ctx context.Context, table, id string) error {
	var deleted []Row
	if err := s.do(ctx, http.MethodDelete, table, s.idQuery(id), nil, &deleted); err != nil {
		return err
	}
	if len(deleted) == 0 {
		return ErrNotFound
	}
	return nil
}

// Query returns rows matching every filter.
func (s *RESTStore) Query(ctx context.Context, table string, filters ...Filter) ([]Row, error) {
	if err := validateFilters(filters); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("select", "*")
	for _, f := range filters {
		q.Add(f.Column, filterValue(f))
	}

	var rows []Row
	if err := s.do(ctx, http.MethodGet, table, q, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

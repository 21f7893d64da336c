package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"betsync-service/internal/config"
)

// Entity is one record as returned by the remote API. Data holds the full
// response body so the cache can reconcile every field the server echoes.
type Entity struct {
	ServerID  string          `json:"id"`
	ClientRef string          `json:"client_ref,omitempty"`
	Data      json.RawMessage `json:"-"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// API is the remote record endpoint the sync engine drains against.
type API interface {
	Create(ctx context.Context, entityType string, payload json.RawMessage) (*Entity, error)
	Update(ctx context.Context, entityType, serverID string, payload json.RawMessage) (*Entity, error)
	Delete(ctx context.Context, entityType, serverID string) error
	Get(ctx context.Context, entityType, serverID string) (*Entity, error)
	List(ctx context.Context, entityType string, filters map[string]string) ([]*Entity, error)
	Health(ctx context.Context) error
}

type Client struct {
	baseURL    string
	authToken  string
	healthPath string
	httpClient *http.Client
}

func NewClient(cfg config.RemoteConfig) *Client {
	return &Client{
		baseURL:    cfg.BaseURL,
		authToken:  cfg.AuthToken,
		healthPath: cfg.HealthPath,
		httpClient: &http.Client{Timeout: cfg.GetRequestTimeout()},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, &TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &TransportError{Op: method + " " + path, Err: err}
	}

	if resp.StatusCode >= 500 {
		return nil, nil, &TransportError{
			Op:  method + " " + path,
			Err: fmt.Errorf("server returned %d: %s", resp.StatusCode, errorMessage(data)),
		}
	}

	return resp, data, nil
}

func errorMessage(body []byte) string {
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.Error != "" {
			return envelope.Error
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}

func decodeEntity(body []byte) (*Entity, error) {
	var entity Entity
	if err := json.Unmarshal(body, &entity); err != nil {
		return nil, fmt.Errorf("failed to decode entity: %w", err)
	}
	entity.Data = append(json.RawMessage(nil), body...)
	return &entity, nil
}

// Create posts a new entity. The caller's local id travels as client_ref so
// the server can detect a retried create; a 409 comes back as a
// DuplicateError carrying the canonical entity when the server echoes it.
func (c *Client) Create(ctx context.Context, entityType string, payload json.RawMessage) (*Entity, error) {
	resp, body, err := c.do(ctx, http.MethodPost, "/entities/"+entityType, payload)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		dup := &DuplicateError{}
		if entity, err := decodeEntity(body); err == nil && entity.ServerID != "" {
			dup.Entity = entity
		}
		return nil, dup
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, &ValidationError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("unexpected status %d creating %s: %s", resp.StatusCode, entityType, errorMessage(body))
	}

	return decodeEntity(body)
}

func (c *Client) Update(ctx context.Context, entityType, serverID string, payload json.RawMessage) (*Entity, error) {
	resp, body, err := c.do(ctx, http.MethodPatch, "/entities/"+entityType+"/"+serverID, payload)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		return nil, &ConflictError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, &ValidationError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("unexpected status %d updating %s/%s: %s", resp.StatusCode, entityType, serverID, errorMessage(body))
	}

	return decodeEntity(body)
}

// Delete is idempotent: a 404 means the entity is already gone and is
// treated as success by callers.
func (c *Client) Delete(ctx context.Context, entityType, serverID string) error {
	resp, body, err := c.do(ctx, http.MethodDelete, "/entities/"+entityType+"/"+serverID, nil)
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 300:
		return fmt.Errorf("unexpected status %d deleting %s/%s: %s", resp.StatusCode, entityType, serverID, errorMessage(body))
	}

	return nil
}

func (c *Client) Get(ctx context.Context, entityType, serverID string) (*Entity, error) {
	resp, body, err := c.do(ctx, http.MethodGet, "/entities/"+entityType+"/"+serverID, nil)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("unexpected status %d fetching %s/%s: %s", resp.StatusCode, entityType, serverID, errorMessage(body))
	}

	return decodeEntity(body)
}

func (c *Client) List(ctx context.Context, entityType string, filters map[string]string) ([]*Entity, error) {
	path := "/entities/" + entityType
	if len(filters) > 0 {
		values := url.Values{}
		for k, v := range filters {
			values.Set(k, v)
		}
		path += "?" + values.Encode()
	}

	resp, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d listing %s: %s", resp.StatusCode, entityType, errorMessage(body))
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode entity list: %w", err)
	}

	entities := make([]*Entity, 0, len(raw))
	for _, item := range raw {
		entity, err := decodeEntity(item)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}

	return entities, nil
}

// Health probes the remote endpoint; used as the connectivity signal.
func (c *Client) Health(ctx context.Context) error {
	resp, _, err := c.do(ctx, http.MethodGet, c.healthPath, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}

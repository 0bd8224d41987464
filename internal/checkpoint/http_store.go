package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPStore is the remote Store backend: a thin REST client against a
// hosted checkpoint service. It differs from SQLiteStore only in how it
// maps transport failures onto ErrorKind — the tree invariants are enforced
// server-side.
//
// Grounded on the CLI's existing systemStatus/providerStatus REST client
// pattern (a base URL plus a shared *http.Client), generalized from
// status-polling GETs to the full checkpoint CRUD surface.
type HTTPStore struct {
	baseURL string
	client  *http.Client
	apiKey  string
}

// NewHTTPStore returns a Store backed by a remote service at baseURL.
func NewHTTPStore(baseURL, apiKey string, client *http.Client) *HTTPStore {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPStore{baseURL: baseURL, client: client, apiKey: apiKey}
}

func (s *HTTPStore) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return newErr(KindInvalid, "marshal request", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return newErr(KindInternal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return newErr(KindInternal, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return newErr(kindForStatus(resp.StatusCode), fmt.Sprintf("%s %s: %s", method, path, resp.Status), nil)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return newErr(KindInternal, "decode response", err)
	}
	return nil
}

func kindForStatus(code int) ErrorKind {
	switch {
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindUnauthorized
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code >= 400 && code < 500:
		return KindInvalid
	default:
		return KindInternal
	}
}

func (s *HTTPStore) ListSessions(ctx context.Context, query SessionQuery) ([]Session, error) {
	q := url.Values{}
	if query.Status != "" {
		q.Set("visibility", string(query.Status))
	}
	if query.Limit > 0 {
		q.Set("limit", fmt.Sprint(query.Limit))
	}
	if query.Offset > 0 {
		q.Set("offset", fmt.Sprint(query.Offset))
	}
	var out []Session
	err := s.do(ctx, http.MethodGet, "/v1/sessions?"+q.Encode(), nil, &out)
	return out, err
}

func (s *HTTPStore) GetSession(ctx context.Context, id string) (Session, error) {
	var out Session
	err := s.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(id), nil, &out)
	return out, err
}

type createSessionResponse struct {
	SessionID string     `json:"session_id"`
	Root      Checkpoint `json:"root_checkpoint"`
}

func (s *HTTPStore) CreateSession(ctx context.Context, in NewSessionInput) (string, Checkpoint, error) {
	var out createSessionResponse
	if err := s.do(ctx, http.MethodPost, "/v1/sessions", in, &out); err != nil {
		return "", Checkpoint{}, err
	}
	return out.SessionID, out.Root, nil
}

type updateSessionRequest struct {
	Title      *string     `json:"title,omitempty"`
	Visibility *Visibility `json:"visibility,omitempty"`
}

func (s *HTTPStore) UpdateSession(ctx context.Context, id string, title *string, visibility *Visibility) (Session, error) {
	var out Session
	err := s.do(ctx, http.MethodPatch, "/v1/sessions/"+url.PathEscape(id), updateSessionRequest{Title: title, Visibility: visibility}, &out)
	return out, err
}

func (s *HTTPStore) DeleteSession(ctx context.Context, id string) error {
	return s.do(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(id), nil, nil)
}

func (s *HTTPStore) ListCheckpoints(ctx context.Context, sessionID string) ([]Checkpoint, error) {
	var out []Checkpoint
	err := s.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID)+"/checkpoints", nil, &out)
	return out, err
}

func (s *HTTPStore) GetCheckpoint(ctx context.Context, id string) (Checkpoint, error) {
	var out Checkpoint
	err := s.do(ctx, http.MethodGet, "/v1/checkpoints/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (s *HTTPStore) CreateCheckpoint(ctx context.Context, sessionID string, in NewCheckpointInput) (Checkpoint, error) {
	var out Checkpoint
	err := s.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/checkpoints", in, &out)
	return out, err
}

var _ Store = (*HTTPStore)(nil)

package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RESTStore speaks the REST command protocol: every command is POSTed as a JSON
// array [COMMAND, arg...] with bearer auth and answered with {"result": ...} or {"error": "..."}.
type RESTStore struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewRESTStore returns a store for baseURL. A nil client gets a 5s timeout client.
func NewRESTStore(baseURL, token string, client *http.Client) (*RESTStore, error) {
	if strings.TrimSpace(baseURL) == "" || strings.TrimSpace(token) == "" {
		return nil, errors.New("kv rest: url and token are required")
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &RESTStore{baseURL: strings.TrimRight(baseURL, "/"), token: token, client: client}, nil
}

type restResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// Do executes one command and returns the raw result. The executor is generic:
// results are not interpreted per command.
func (s *RESTStore) Do(ctx context.Context, args ...any) (json.RawMessage, error) {
	if len(args) == 0 {
		return nil, errors.New("kv rest: empty command")
	}
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("kv rest: encode command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kv rest: %v: %w", args[0], err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("kv rest: read response: %w", err)
	}

	var out restResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("kv rest: %v: status %d: undecodable response", args[0], resp.StatusCode)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("kv rest: %v: %s", args[0], out.Error)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("kv rest: %v: status %d", args[0], resp.StatusCode)
	}
	return out.Result, nil
}

func (s *RESTStore) Get(ctx context.Context, key string) ([]byte, error) {
	res, err := s.Do(ctx, "GET", key)
	if err != nil {
		return nil, err
	}
	if len(res) == 0 || string(res) == "null" {
		return nil, ErrNotFound
	}
	var val string
	if err := json.Unmarshal(res, &val); err != nil {
		return nil, fmt.Errorf("kv rest: GET %s: unexpected result", key)
	}
	return []byte(val), nil
}

func (s *RESTStore) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	args := []any{"SET", key, string(value)}
	if ttl > 0 {
		ms := ttl.Milliseconds()
		if ms < 1 {
			ms = 1
		}
		args = append(args, "PX", strconv.FormatInt(ms, 10))
	}
	_, err := s.Do(ctx, args...)
	return err
}

func (s *RESTStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, 0, len(keys)+1)
	args = append(args, "DEL")
	for _, k := range keys {
		args = append(args, k)
	}
	_, err := s.Do(ctx, args...)
	return err
}

func (s *RESTStore) Ping(ctx context.Context) error {
	_, err := s.Do(ctx, "PING")
	return err
}

func (s *RESTStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

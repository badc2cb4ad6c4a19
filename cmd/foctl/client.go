package main

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

// apiClient — клиент HTTP API сопровождения оркестратора.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAPIClient(baseURL string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// apiError — ошибка API в формате {"error":{"code","message"}}.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Message)
}

// do выполняет запрос и возвращает тело ответа. Ответ 204 — пустое тело.
func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("сериализация запроса: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("создание запроса: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("чтение ответа: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &apiError{Status: resp.StatusCode}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return nil, apiErr
	}
	return data, nil
}

func (c *apiClient) LockState(ctx context.Context) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/api/v1/maintenance/deletion-lock", nil, nil)
}

func (c *apiClient) HoldLock(ctx context.Context, holder string, ttl time.Duration) ([]byte, error) {
	body := map[string]string{"holder": holder}
	if ttl > 0 {
		body["ttl"] = ttl.String()
	}
	return c.do(ctx, http.MethodPost, "/api/v1/maintenance/deletion-lock", nil, body)
}

func (c *apiClient) ReleaseLock(ctx context.Context, holder string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/v1/maintenance/deletion-lock",
		url.Values{"holder": {holder}}, nil)
	return err
}

func (c *apiClient) Schedule(ctx context.Context) ([]byte, error) {
	return c.do(ctx, http.MethodPost, "/api/v1/maintenance/schedule", nil, nil)
}

// retryFilter — фильтр повтора запросов в ERROR.
type retryFilter struct {
	GroupID   string   `json:"group_id,omitempty"`
	Owners    []string `json:"owners,omitempty"`
	StorageID string   `json:"storage_id,omitempty"`
	Type      string   `json:"type,omitempty"`
}

func (c *apiClient) Retry(ctx context.Context, f retryFilter) ([]byte, error) {
	return c.do(ctx, http.MethodPost, "/api/v1/maintenance/retry", nil, f)
}

func (c *apiClient) Requests(ctx context.Context, query url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/api/v1/requests", query, nil)
}

func (c *apiClient) Group(ctx context.Context, id string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/api/v1/groups/"+url.PathEscape(id), nil, nil)
}

func (c *apiClient) Usage(ctx context.Context) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/api/v1/storages/usage", nil, nil)
}

// printJSON выводит JSON с отступами; невалидный JSON выводится как есть.
func printJSON(w io.Writer, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, err = w.Write(data)
		return err
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

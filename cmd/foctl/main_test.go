package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
)

// recordedRequest — запрос, полученный тестовым сервером.
type recordedRequest struct {
	method string
	path   string
	query  string
	body   string
}

func newTestAPI(t *testing.T, status int, response string) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var got []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = append(got, recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			body:   string(body),
		})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func runCmd(t *testing.T, apiURL string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--api", apiURL}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestRequestsCommand(t *testing.T) {
	srv, got := newTestAPI(t, http.StatusOK, `{"items":[],"count":0}`)

	out, err := runCmd(t, srv.URL, "requests", "--type", "STORAGE", "--owner", "a", "--owner", "b", "--limit", "5")
	if err != nil {
		t.Fatalf("requests ошибка: %v", err)
	}
	if len(*got) != 1 {
		t.Fatalf("запросов = %d, ожидалось 1", len(*got))
	}
	req := (*got)[0]
	if req.method != http.MethodGet || req.path != "/api/v1/requests" {
		t.Errorf("запрос = %s %s", req.method, req.path)
	}
	for _, want := range []string{"type=STORAGE", "owner=a%2Cb", "limit=5"} {
		if !strings.Contains(req.query, want) {
			t.Errorf("query %q не содержит %q", req.query, want)
		}
	}
	if !strings.Contains(out, `"count": 0`) {
		t.Errorf("вывод не отформатирован: %q", out)
	}
}

func TestLockHoldAndRelease(t *testing.T) {
	srv, got := newTestAPI(t, http.StatusOK, `{"held":true}`)

	if _, err := runCmd(t, srv.URL, "lock", "hold", "--holder", "ops", "--ttl", "30m"); err != nil {
		t.Fatalf("lock hold ошибка: %v", err)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte((*got)[0].body), &body); err != nil {
		t.Fatalf("тело запроса: %v", err)
	}
	if body["holder"] != "ops" || body["ttl"] != "30m0s" {
		t.Errorf("тело = %v", body)
	}

	if _, err := runCmd(t, srv.URL, "lock", "release", "--holder", "ops"); err != nil {
		t.Fatalf("lock release ошибка: %v", err)
	}
	rel := (*got)[1]
	if rel.method != http.MethodDelete || rel.query != "holder=ops" {
		t.Errorf("release = %s ?%s", rel.method, rel.query)
	}
}

func TestAPIErrorDecoded(t *testing.T) {
	srv, _ := newTestAPI(t, http.StatusConflict, `{"error":{"code":"LOCK_BUSY","message":"занята"}}`)

	_, err := runCmd(t, srv.URL, "schedule")
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("ошибка = %v, ожидалась *apiError", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Code != "LOCK_BUSY" {
		t.Errorf("apiError = %+v", apiErr)
	}
}

func TestRetryRequiresFilter(t *testing.T) {
	srv, got := newTestAPI(t, http.StatusOK, `{}`)

	if _, err := runCmd(t, srv.URL, "retry", "--type", "STORAGE"); err == nil {
		t.Fatal("retry без фильтра должен завершиться ошибкой")
	}
	if len(*got) != 0 {
		t.Errorf("запрос не должен отправляться, отправлено %d", len(*got))
	}

	if _, err := runCmd(t, srv.URL, "retry", "--storage", "online"); err != nil {
		t.Fatalf("retry ошибка: %v", err)
	}
	if !strings.Contains((*got)[0].body, `"storage_id":"online"`) {
		t.Errorf("тело = %s", (*got)[0].body)
	}
}

func TestGroupPathEscaped(t *testing.T) {
	srv, got := newTestAPI(t, http.StatusOK, `{}`)

	if _, err := runCmd(t, srv.URL, "group", "g 1"); err != nil {
		t.Fatalf("group ошибка: %v", err)
	}
	if (*got)[0].path != "/api/v1/groups/g 1" {
		t.Errorf("path = %q", (*got)[0].path)
	}
}

func TestReadFlowItem(t *testing.T) {
	tests := []struct {
		name      string
		kind      model.RequestType
		input     string
		wantGroup string
		newGroup  bool
		wantErr   bool
	}{
		{name: "группа сохраняется", kind: model.RequestStorage, input: `{"group_id":"g1","files":[]}`, wantGroup: "g1"},
		{name: "пустая группа заменяется", kind: model.RequestDeletion, input: `{"files":[]}`, newGroup: true},
		{name: "повтор без группы", kind: model.RequestRetry, input: `{"owners":["a"]}`},
		{name: "не объект", kind: model.RequestStorage, input: `null`, wantErr: true},
		{name: "невалидный JSON", kind: model.RequestStorage, input: `{`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, err := readFlowItem(tt.kind, "-", strings.NewReader(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatal("ожидалась ошибка")
				}
				return
			}
			if err != nil {
				t.Fatalf("readFlowItem() ошибка: %v", err)
			}
			groupID, _ := item["group_id"].(string)
			switch {
			case tt.newGroup && len(groupID) != 36:
				t.Errorf("group_id = %q, ожидался UUID", groupID)
			case !tt.newGroup && groupID != tt.wantGroup:
				t.Errorf("group_id = %q, ожидалось %q", groupID, tt.wantGroup)
			}
		})
	}
}

func TestSendRequiresBroker(t *testing.T) {
	t.Setenv("FO_AMQP_URL", "")
	_, err := runCmd(t, "http://127.0.0.1:1", "send", "store", "-")
	if err == nil || !strings.Contains(err.Error(), "брокера") {
		t.Errorf("ошибка = %v", err)
	}
}

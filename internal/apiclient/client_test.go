package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "key")
}

func TestCreateTask(t *testing.T) {
	var gotReq CreateTaskRequest
	var gotKey string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/tasks" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		gotKey = r.Header.Get("X-API-Key")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Error(err)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Task{ID: "t1", Status: "queued"})
	})

	task, err := c.CreateTask(context.Background(), CreateTaskRequest{
		Prompt:        "fix the bug",
		RepositoryURL: "https://github.com/acme/app",
	})
	if err != nil {
		t.Fatal(err)
	}
	if task.ID != "t1" || task.Status != "queued" {
		t.Errorf("task = %+v", task)
	}
	if gotKey != "key" {
		t.Errorf("api key header = %q", gotKey)
	}
	if gotReq.Prompt != "fix the bug" {
		t.Errorf("request = %+v", gotReq)
	}
}

func TestListTasksQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("status") != "running" || q.Get("limit") != "5" || q.Get("offset") != "10" {
			t.Errorf("query = %v", q)
		}
		json.NewEncoder(w).Encode(TaskList{Tasks: []*Task{{ID: "t1"}}, Total: 1})
	})

	list, err := c.ListTasks(context.Background(), "running", 5, 10)
	if err != nil {
		t.Fatal(err)
	}
	if list.Total != 1 || len(list.Tasks) != 1 {
		t.Errorf("list = %+v", list)
	}
}

func TestGetFileQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks/t1/files" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("path") != "cmd/main.go" {
			t.Errorf("query = %v", r.URL.Query())
		}
		json.NewEncoder(w).Encode(FileEntry{Path: "cmd/main.go", Content: "cGFja2FnZQ=="})
	})

	f, err := c.GetFile(context.Background(), "t1", "cmd/main.go")
	if err != nil {
		t.Fatal(err)
	}
	if f.Content == "" {
		t.Errorf("entry = %+v", f)
	}
}

func TestAPIErrorDecoded(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"code": "not_found", "message": "task not found"})
	})

	_, err := c.GetTask(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %T %v", err, err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Code != "not_found" || apiErr.Message != "task not found" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestAPIErrorPlainBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})

	_, err := c.GetTask(context.Background(), "t1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %T %v", err, err)
	}
	if apiErr.Status != http.StatusBadGateway || apiErr.Message != "upstream exploded" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

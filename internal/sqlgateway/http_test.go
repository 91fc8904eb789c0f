package sqlgateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewHTTPGateway_RequiresBaseURL(t *testing.T) {
	if _, err := NewHTTPGateway(HTTPConfig{}); err == nil {
		t.Fatal("expected error for empty base URL")
	}
}

func TestHTTPGateway_Execute(t *testing.T) {
	var gotPath, gotQuery, gotAuth, gotConn, gotCookie string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotConn = r.Header.Get("X-Connection-Encrypted")
		gotCookie = r.Header.Get("Cookie")
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		gotQuery = body["query"]
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"table_name":"users","rows":12},{"table_name":"orders","rows":3}]`))
	}))
	defer server.Close()

	gw, err := NewHTTPGateway(HTTPConfig{BaseURL: server.URL + "/"})
	if err != nil {
		t.Fatalf("NewHTTPGateway() error = %v", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer token")
	headers.Set("Cookie", "session=secret")

	result, err := gw.Execute(context.Background(), Request{
		ProjectRef:       "proj_123",
		ConnectionString: "encrypted-conn",
		SQL:              "select table_name from information_schema.tables",
	}, headers)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if gotPath != "/v1/projects/proj_123/database/query" {
		t.Errorf("path = %s", gotPath)
	}
	if gotQuery != "select table_name from information_schema.tables" {
		t.Errorf("query = %s", gotQuery)
	}
	if gotAuth != "Bearer token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotConn != "encrypted-conn" {
		t.Errorf("X-Connection-Encrypted = %q", gotConn)
	}
	if gotCookie != "" {
		t.Errorf("Cookie should not be forwarded, got %q", gotCookie)
	}

	if len(result.Rows) != 2 || result.Rows[0]["table_name"] != "users" {
		t.Fatalf("rows = %+v", result.Rows)
	}
	if n, ok := result.Rows[0]["rows"].(json.Number); !ok || n.String() != "12" {
		t.Errorf("numbers should decode as json.Number, got %T %v", result.Rows[0]["rows"], result.Rows[0]["rows"])
	}
}

func TestHTTPGateway_ExecuteErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "message field",
			status:     http.StatusBadRequest,
			body:       `{"message":"relation \"missing\" does not exist"}`,
			wantStatus: 400,
			wantMsg:    `relation "missing" does not exist`,
		},
		{
			name:       "nested error",
			status:     http.StatusForbidden,
			body:       `{"error":{"message":"permission denied for table users"}}`,
			wantStatus: 403,
			wantMsg:    "permission denied for table users",
		},
		{
			name:       "plain text",
			status:     http.StatusBadGateway,
			body:       "upstream unavailable",
			wantStatus: 502,
			wantMsg:    "upstream unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			gw, _ := NewHTTPGateway(HTTPConfig{BaseURL: server.URL})
			_, err := gw.Execute(context.Background(), Request{ProjectRef: "p", SQL: "select 1"}, nil)

			var gwErr *GatewayError
			if !errors.As(err, &gwErr) {
				t.Fatalf("expected *GatewayError, got %T: %v", err, err)
			}
			if gwErr.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", gwErr.Status, tt.wantStatus)
			}
			if gwErr.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", gwErr.Message, tt.wantMsg)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Error() = %q", err.Error())
			}
		})
	}
}

func TestHTTPGateway_EmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	gw, _ := NewHTTPGateway(HTTPConfig{BaseURL: server.URL})
	result, err := gw.Execute(context.Background(), Request{ProjectRef: "p", SQL: "create table t (id int)"}, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Rows == nil || len(result.Rows) != 0 {
		t.Errorf("rows = %#v", result.Rows)
	}
}

func TestHTTPGateway_RequiresProjectRef(t *testing.T) {
	gw, _ := NewHTTPGateway(HTTPConfig{BaseURL: "http://127.0.0.1:1"})
	_, err := gw.Execute(context.Background(), Request{SQL: "select 1"}, nil)
	if !errors.Is(err, ErrNoConnection) {
		t.Errorf("err = %v, want ErrNoConnection", err)
	}
}

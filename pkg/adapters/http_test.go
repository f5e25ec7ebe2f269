package adapters

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPSource_BasicGET(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		if r.Header.Get("Accept") != "application/json" {
			t.Error("missing Accept: application/json header")
		}
		fmt.Fprint(w, `{
			"data": [
				{"day": "2024-01-03", "amount": 12.5},
				{"day": "2024-01-01", "amount": 10},
				{"day": "2024-01-02", "amount": 11}
			]
		}`)
	}))
	defer server.Close()

	src := &HTTPSource{
		URL:             server.URL,
		ValuePath:       "data.#.amount",
		TimestampPath:   "data.#.day",
		TimestampFormat: TimestampDate,
	}

	table, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := [][]string{
		{"2024-01-01T00:00:00Z", "10"},
		{"2024-01-02T00:00:00Z", "11"},
		{"2024-01-03T00:00:00Z", "12.5"},
	}
	if fmt.Sprint(table.Rows) != fmt.Sprint(want) {
		t.Errorf("Rows = %v, want %v", table.Rows, want)
	}
}

func TestHTTPSource_POSTWithTemplates(t *testing.T) {
	var gotBody, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"results": [{"ts": 1704067200, "val": 42}]}`)
	}))
	defer server.Close()

	src := &HTTPSource{
		URL:             server.URL,
		Method:          http.MethodPost,
		Headers:         map[string]string{"Authorization": "Bearer {{.Token}}"},
		Body:            `{"from":"{{.StartDate}}","to":"{{.EndDate}}","days":{{.WindowDays}}}`,
		ValuePath:       "results.#.val",
		TimestampPath:   "results.#.ts",
		TimestampFormat: TimestampUnix,
		Window:          7 * 24 * time.Hour,
		TemplateVars:    map[string]string{"Token": "s3cret"},
		now:             fixedNow,
	}

	table, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if want := `{"from":"2024-01-03","to":"2024-01-10","days":7}`; gotBody != want {
		t.Errorf("body = %s, want %s", gotBody, want)
	}
	if gotAuth != "Bearer s3cret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if len(table.Rows) != 1 || table.Rows[0][0] != "2024-01-01T00:00:00Z" || table.Rows[0][1] != "42" {
		t.Errorf("Rows = %v", table.Rows)
	}
}

func TestHTTPSource_TimestampFormats(t *testing.T) {
	tests := []struct {
		format string
		raw    string
		want   string
	}{
		{TimestampRFC3339, `"2024-01-01T06:00:00+02:00"`, "2024-01-01T04:00:00Z"},
		{"", `"2024-01-01T00:00:00Z"`, "2024-01-01T00:00:00Z"},
		{TimestampDate, `"2024-02-29"`, "2024-02-29T00:00:00Z"},
		{TimestampUnix, `1704067200`, "2024-01-01T00:00:00Z"},
		{TimestampUnixMilli, `1704067200000`, "2024-01-01T00:00:00Z"},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintf(w, `{"points":[{"t":%s,"v":1}]}`, tt.raw)
			}))
			defer server.Close()

			src := &HTTPSource{
				URL:             server.URL,
				ValuePath:       "points.#.v",
				TimestampPath:   "points.#.t",
				TimestampFormat: tt.format,
			}
			table, err := src.Load(context.Background())
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if got := table.Rows[0][0]; got != tt.want {
				t.Errorf("ds = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestHTTPSource_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		src     HTTPSource
		wantErr string
	}{
		{
			name: "status", status: http.StatusUnauthorized, body: "denied",
			src:     HTTPSource{ValuePath: "v", TimestampPath: "t"},
			wantErr: "http status 401: denied",
		},
		{
			name: "missing value path", status: http.StatusOK, body: `{"t":["2024-01-01T00:00:00Z"]}`,
			src:     HTTPSource{ValuePath: "v", TimestampPath: "t"},
			wantErr: "value path",
		},
		{
			name: "missing timestamp path", status: http.StatusOK, body: `{"v":[1]}`,
			src:     HTTPSource{ValuePath: "v", TimestampPath: "t"},
			wantErr: "timestamp path",
		},
		{
			name: "length mismatch", status: http.StatusOK, body: `{"v":[1,2],"t":["2024-01-01T00:00:00Z"]}`,
			src:     HTTPSource{ValuePath: "v", TimestampPath: "t"},
			wantErr: "value count (2) != timestamp count (1)",
		},
		{
			name: "bad timestamp", status: http.StatusOK, body: `{"v":[1],"t":["yesterday"]}`,
			src:     HTTPSource{ValuePath: "v", TimestampPath: "t"},
			wantErr: "parse timestamp[0]",
		},
		{
			name: "missing template var", status: http.StatusOK, body: `{}`,
			src:     HTTPSource{ValuePath: "v", TimestampPath: "t", Body: `{{.Token}}`},
			wantErr: "render body template",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			src := tt.src
			src.URL = server.URL
			_, err := src.Load(context.Background())
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestHTTPSource_Validate(t *testing.T) {
	tests := []struct {
		name    string
		src     HTTPSource
		wantErr bool
	}{
		{"valid", HTTPSource{URL: "http://x", ValuePath: "v", TimestampPath: "t"}, false},
		{"no url", HTTPSource{ValuePath: "v", TimestampPath: "t"}, true},
		{"no paths", HTTPSource{URL: "http://x"}, true},
		{"bad format", HTTPSource{URL: "http://x", ValuePath: "v", TimestampPath: "t", TimestampFormat: "iso"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.src.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

package mw

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func runSnakeCase(t *testing.T, contentType, body string) []byte {
	t.Helper()

	var got []byte
	handler := SnakeCaseBody(slog.New(slog.NewTextHandler(io.Discard, nil)))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b, err := io.ReadAll(r.Body)
			if err != nil {
				t.Fatalf("handler read error = %v", err)
			}
			got = b
		}))

	req := httptest.NewRequest(http.MethodPost, "/v1/scrape", strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	return got
}

func TestSnakeCaseBody_DropsCamelKeys(t *testing.T) {
	body := runSnakeCase(t, "application/json",
		`{"url":"https://example.com","maxAge":100,"only_main_content":false}`)

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("forwarded body not JSON: %v", err)
	}
	if _, ok := payload["maxAge"]; ok {
		t.Error("camelCase key survived")
	}
	if payload["url"] != "https://example.com" {
		t.Errorf("url = %v, want preserved", payload["url"])
	}
	if payload["only_main_content"] != false {
		t.Error("snake_case key not preserved")
	}
}

func TestSnakeCaseBody_CleansNestedScrapeOptions(t *testing.T) {
	body := runSnakeCase(t, "application/json",
		`{"query":"golang","scrape_options":{"includeTags":["p"],"proxy":"base"}}`)

	var payload struct {
		ScrapeOptions map[string]any `json:"scrape_options"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("forwarded body not JSON: %v", err)
	}
	if _, ok := payload.ScrapeOptions["includeTags"]; ok {
		t.Error("nested camelCase key survived")
	}
	if payload.ScrapeOptions["proxy"] != "base" {
		t.Error("nested snake_case key not preserved")
	}
}

func TestSnakeCaseBody_LeavesCallerSchemasAlone(t *testing.T) {
	in := `{"url":"https://example.com","json_options":{"companyName":{"type":"string"}}}`
	body := runSnakeCase(t, "application/json", in)

	if !strings.Contains(string(body), "companyName") {
		t.Error("json_options schema key was stripped")
	}
}

func TestSnakeCaseBody_PassesInvalidJSONThrough(t *testing.T) {
	in := `{"url": not json`
	if got := runSnakeCase(t, "application/json", in); string(got) != in {
		t.Errorf("invalid JSON body changed: %q", got)
	}
}

func TestSnakeCaseBody_IgnoresNonJSON(t *testing.T) {
	in := `URL=https%3A%2F%2Fexample.com&maxAge=1`
	if got := runSnakeCase(t, "application/x-www-form-urlencoded", in); string(got) != in {
		t.Errorf("non-JSON body changed: %q", got)
	}
}

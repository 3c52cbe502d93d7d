package mw

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// SnakeCaseBody drops camelCase option keys from JSON request bodies before
// validation. The API accepts snake_case only; camelCase alternatives are
// logged and ignored rather than rejected.
func SnakeCaseBody(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.ContentLength == 0 ||
				!strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			_ = r.Body.Close()
			if err != nil {
				http.Error(w, "failed to read request body", http.StatusBadRequest)
				return
			}

			if cleaned, dropped := dropCamelKeys(body); len(dropped) > 0 {
				logger.Warn("ignoring camelCase request keys",
					"path", r.URL.Path, "keys", dropped)
				body = cleaned
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
			next.ServeHTTP(w, r)
		})
	}
}

// optionObjectKeys are the nested objects whose keys also follow the
// snake_case convention. Other nested objects (json_options schemas, custom
// headers) carry caller-defined keys and are left alone.
var optionObjectKeys = map[string]bool{"scrape_options": true}

// dropCamelKeys removes keys containing an uppercase letter from the top
// level of the payload and from known option sub-objects. Invalid JSON
// passes through untouched for the validator to reject.
func dropCamelKeys(body []byte) ([]byte, []string) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return body, nil
	}

	var dropped []string
	for key, value := range payload {
		if strings.ToLower(key) != key {
			dropped = append(dropped, key)
			delete(payload, key)
			continue
		}
		if optionObjectKeys[key] {
			if nested, nestedDropped := dropCamelKeys(value); len(nestedDropped) > 0 {
				dropped = append(dropped, nestedDropped...)
				payload[key] = nested
			}
		}
	}
	if len(dropped) == 0 {
		return body, nil
	}

	out, err := json.Marshal(payload)
	if err != nil {
		return body, nil
	}
	return out, dropped
}

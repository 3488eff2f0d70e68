package candid

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientDecode(t *testing.T) {
	t.Run("round_trip", func(t *testing.T) {
		var got decodeRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/decode" {
				t.Errorf("path = %q; want /decode", r.URL.Path)
			}
			if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
				t.Errorf("decode request body: %v", err)
			}
			json.NewEncoder(w).Encode(decodeResponse{Value: map[string]any{"text": "hello"}})
		}))
		defer srv.Close()

		c := NewClient(srv.URL)
		value, err := c.DecodeArgs(context.Background(), "aaaaa-aa", "greet", []byte{0x44, 0x49})
		if err != nil {
			t.Fatalf("DecodeArgs() = %v; want nil", err)
		}
		if got.CanisterID != "aaaaa-aa" || got.Method != "greet" || got.Direction != "args" {
			t.Fatalf("service saw %+v", got)
		}
		if got.ArgBase64 != base64.StdEncoding.EncodeToString([]byte{0x44, 0x49}) {
			t.Fatalf("arg_base64 = %q", got.ArgBase64)
		}
		m, ok := value.(map[string]any)
		if !ok || m["text"] != "hello" {
			t.Fatalf("value = %v", value)
		}
	})

	t.Run("service_error_field", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(decodeResponse{Error: "no .did file"})
		}))
		defer srv.Close()

		if _, err := NewClient(srv.URL).DecodeResult(context.Background(), "aaaaa-aa", "greet", nil); err == nil {
			t.Fatalf("expected error from service error field")
		}
	})

	t.Run("http_error_status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		}))
		defer srv.Close()

		if _, err := NewClient(srv.URL).DecodeArgs(context.Background(), "aaaaa-aa", "greet", nil); err == nil {
			t.Fatalf("expected error for non-200 status")
		}
	})
}

func TestHexPreview(t *testing.T) {
	value, err := HexPreview{}.DecodeArgs(context.Background(), "aaaaa-aa", "greet", []byte{0xde, 0xad})
	if err != nil {
		t.Fatalf("DecodeArgs() = %v; want nil", err)
	}
	m := value.(map[string]any)
	if m["hex"] != "dead" || m["size"] != 2 || m["truncated"] != false {
		t.Fatalf("preview = %v", m)
	}
}

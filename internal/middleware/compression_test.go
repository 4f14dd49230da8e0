package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCompression(t *testing.T) {
	large := `{"base64Data":"` + strings.Repeat("QUFB", 1024) + `"}`
	small := `{"id":"promo"}`

	tests := []struct {
		name           string
		method         string
		acceptEncoding string
		contentType    string
		status         int
		body           string
		wantGzip       bool
	}{
		{"large json", http.MethodGet, "gzip, deflate", "application/json", http.StatusOK, large, true},
		{"large json error status", http.MethodGet, "gzip", "application/json", http.StatusNotFound, large, true},
		{"small json", http.MethodGet, "gzip", "application/json", http.StatusOK, small, false},
		{"json with charset", http.MethodGet, "br, gzip;q=0.8", "application/json; charset=utf-8", http.StatusOK, large, true},
		{"binary body", http.MethodGet, "gzip", "video/mp4", http.StatusOK, large, false},
		{"no accept-encoding", http.MethodGet, "", "application/json", http.StatusOK, large, false},
		{"gzip refused", http.MethodGet, "gzip;q=0, identity", "application/json", http.StatusOK, large, false},
		{"head request", http.MethodHead, "gzip", "application/json", http.StatusOK, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := Compression(DefaultCompressionConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				w.WriteHeader(tt.status)
				// Written in pieces so the size decision spans writes.
				for i := 0; i < len(tt.body); i += 500 {
					end := i + 500
					if end > len(tt.body) {
						end = len(tt.body)
					}
					_, _ = io.WriteString(w, tt.body[i:end])
				}
			}))

			req := httptest.NewRequest(tt.method, "/api/exports/promo", nil)
			if tt.acceptEncoding != "" {
				req.Header.Set("Accept-Encoding", tt.acceptEncoding)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.status {
				t.Errorf("status = %d, want %d", rr.Code, tt.status)
			}
			gzipped := rr.Header().Get("Content-Encoding") == "gzip"
			if gzipped != tt.wantGzip {
				t.Fatalf("Content-Encoding = %q, want gzip %v", rr.Header().Get("Content-Encoding"), tt.wantGzip)
			}

			body := rr.Body.String()
			if gzipped {
				if rr.Header().Get("Vary") != "Accept-Encoding" {
					t.Errorf("Vary = %q, want Accept-Encoding", rr.Header().Get("Vary"))
				}
				zr, err := gzip.NewReader(rr.Body)
				if err != nil {
					t.Fatalf("response is not gzip: %v", err)
				}
				data, err := io.ReadAll(zr)
				if err != nil {
					t.Fatalf("failed to decompress: %v", err)
				}
				body = string(data)
			}
			if body != tt.body {
				t.Errorf("body has %d bytes, want %d", len(body), len(tt.body))
			}
		})
	}
}

func TestAcceptsGzip(t *testing.T) {
	tests := map[string]bool{
		"":                  false,
		"gzip":              true,
		"GZIP":              true,
		"deflate, gzip":     true,
		"gzip;q=0.5":        true,
		"gzip; q=0":         false,
		"br":                false,
		"x-gzip-compatible": false,
	}
	for header, want := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Accept-Encoding", header)
		if got := acceptsGzip(req); got != want {
			t.Errorf("acceptsGzip(%q) = %v, want %v", header, got, want)
		}
	}
}

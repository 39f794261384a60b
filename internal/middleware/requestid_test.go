package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/segmentio/ksuid"
)

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"ヘッダーなし", "", false},
		{"妥当なID", "abc-123_XYZ", true},
		{"不正な文字", "abc\ninjected", false},
		{"長すぎる", string(make([]byte, 65)), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var fromCtx string
			handler := NewRequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fromCtx = RequestIDFromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			header := w.Header().Get(RequestIDHeader)
			if header != fromCtx {
				t.Errorf("header %q != context %q", header, fromCtx)
			}
			if tt.keep {
				if header != tt.incoming {
					t.Errorf("request ID = %q, want %q", header, tt.incoming)
				}
				return
			}
			if _, err := ksuid.Parse(header); err != nil {
				t.Errorf("generated ID %q is not a KSUID: %v", header, err)
			}
		})
	}
}

package news

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		method   string
		wantCode int
		wantBody string
	}{
		{method: http.MethodGet, wantCode: http.StatusOK, wantBody: `{"message":"Server is running"}`},
		{method: http.MethodHead, wantCode: http.StatusOK},
		{method: http.MethodPost, wantCode: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			rec := httptest.NewRecorder()
			HealthHandler().ServeHTTP(rec, httptest.NewRequest(tt.method, "/healthcheck", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("got body %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if tt.wantCode == http.StatusOK && rec.Header().Get("Content-Type") != "application/json" {
				t.Errorf("got content type %q", rec.Header().Get("Content-Type"))
			}
		})
	}
}

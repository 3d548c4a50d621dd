package middleware_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/golemlab/golem/internal/api/middleware"
)

func TestLoggerRecordsStatusAndRequestID(t *testing.T) {
	var buf bytes.Buffer
	orig := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = orig }()

	h := chimw.RequestID(middleware.Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing", http.StatusNotFound)
	})))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/blueprints/ghost", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	out := buf.String()
	if !strings.Contains(out, `"status":404`) {
		t.Errorf("log output missing status: %s", out)
	}
	if !strings.Contains(out, `"level":"warn"`) {
		t.Errorf("log output missing warn severity for 4xx: %s", out)
	}
	if !strings.Contains(out, `"request_id":`) {
		t.Errorf("log output missing request id: %s", out)
	}
	if !strings.Contains(out, `"path":"/api/v1/blueprints/ghost"`) {
		t.Errorf("log output missing path: %s", out)
	}
}

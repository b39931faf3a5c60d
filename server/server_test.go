package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"voltronic-bridge/inverter"
)

func TestHandleVersion(t *testing.T) {
	s := New(0, inverter.NewManager(0, nil, nil), "1.2.3")

	req := httptest.NewRequest("GET", "/api/version", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["version"] != "1.2.3" {
		t.Errorf("version = %q", body["version"])
	}
}

func TestHandleListInvertersEmpty(t *testing.T) {
	s := New(0, inverter.NewManager(0, nil, nil), "test")

	req := httptest.NewRequest("GET", "/api/inverters", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var infos []inverter.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(infos) != 0 {
		t.Errorf("infos = %v", infos)
	}
}

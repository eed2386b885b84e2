package apierr

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type eventBody struct {
	Topic string `json:"topic"`
	Count int    `json:"count"`
}

func (b *eventBody) Validate() error {
	var v ValidationError
	if b.Topic == "" {
		v.Add("topic", "is required")
	}
	if b.Count < 0 {
		v.Add("count", "must not be negative")
	}
	return v.Err()
}

func TestDecodeJSON(t *testing.T) {
	cases := []struct {
		name       string
		ctype      string
		body       string
		wantStatus int
	}{
		{name: "ok", ctype: "application/json", body: `{"topic":"a","count":1}`},
		{name: "charset param ok", ctype: "application/json; charset=utf-8", body: `{"topic":"a"}`},
		{name: "wrong content type", ctype: "text/plain", body: `{"topic":"a"}`, wantStatus: http.StatusUnsupportedMediaType},
		{name: "missing content type", body: `{"topic":"a"}`, wantStatus: http.StatusUnsupportedMediaType},
		{name: "malformed", ctype: "application/json", body: `{"topic":`, wantStatus: http.StatusBadRequest},
		{name: "invalid fields", ctype: "application/json", body: `{"count":-1}`, wantStatus: http.StatusUnprocessableEntity},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			if tc.ctype != "" {
				req.Header.Set("Content-Type", tc.ctype)
			}
			var dst eventBody
			err := DecodeJSON(req, &dst)
			if tc.wantStatus == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if got := Classify(err).StatusCode; got != tc.wantStatus {
				t.Fatalf("want %d got %d", tc.wantStatus, got)
			}
		})
	}
}

func TestDecodeJSONReportsEveryViolation(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"count":-2}`))
	req.Header.Set("Content-Type", "application/json")

	var dst eventBody
	err := DecodeJSON(req, &dst)
	var invalid *ValidationError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(invalid.Errors) != 2 {
		t.Fatalf("want 2 violations got %d", len(invalid.Errors))
	}
}

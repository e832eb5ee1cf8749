package synthesis

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPSynthQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("key") != "k" || q.Get("speaker") != "3" || q.Get("speed") != "1.25" || q.Get("text") != "こんにちは" {
			t.Errorf("unexpected query %v", q)
		}
		_, _ = w.Write([]byte("RIFF"))
	}))
	defer srv.Close()

	data, err := NewHTTPSynth(srv.URL, "k", srv.Client()).Synthesize(context.Background(), Request{Text: "こんにちは", Voice: 3, Speed: 1.25})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(data) != "RIFF" {
		t.Fatalf("unexpected body %q", data)
	}
}

func TestHTTPSynthClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"rate limited", 429, "", func(err error) bool {
			var se *StatusError
			return errors.As(err, &se) && se.Code == 429
		}},
		{"empty body", 200, "", func(err error) bool { return errors.Is(err, ErrEmptyAudio) }},
		{"quota marker", 200, `{"errorMessage":"notEnoughPoints"}`, func(err error) bool { return errors.Is(err, ErrQuotaExceeded) }},
		{"quota marker on error status", 403, `notEnoughPoints`, func(err error) bool { return errors.Is(err, ErrQuotaExceeded) }},
		{"unavailable", 503, "down", func(err error) bool {
			var se *StatusError
			return errors.As(err, &se) && se.Code == 503
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewHTTPSynth(srv.URL, "", srv.Client()).Synthesize(context.Background(), Request{Text: "x", Voice: 1, Speed: 1})
			if err == nil || !tc.check(err) {
				t.Fatalf("unexpected error classification: %v", err)
			}
		})
	}
}

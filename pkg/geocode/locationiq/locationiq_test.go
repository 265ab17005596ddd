package locationiq_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/mira/pkg/geocode"
	"github.com/MrWong99/mira/pkg/geocode/locationiq"
)

func newServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *locationiq.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("key") != "pk.test-token" {
			t.Errorf("key = %q, want pk.test-token", q.Get("key"))
		}
		if q.Get("lat") != "52.52" || q.Get("lon") != "13.405" {
			t.Errorf("lat/lon = %q/%q, want 52.52/13.405", q.Get("lat"), q.Get("lon"))
		}
		if q.Get("format") != "json" {
			t.Errorf("format = %q, want json", q.Get("format"))
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	c, err := locationiq.New("pk.test-token", locationiq.WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_EmptyToken(t *testing.T) {
	t.Parallel()
	if _, err := locationiq.New("  "); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestReverse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want geocode.Address
	}{
		{
			name: "city",
			body: `{"address":{"city":"Berlin","state":"Berlin","country":"Germany"}}`,
			want: geocode.Address{City: "Berlin", State: "Berlin", Country: "Germany"},
		},
		{
			name: "town stands in for city",
			body: `{"address":{"town":"Potsdam","state":"Brandenburg","country":"Germany"}}`,
			want: geocode.Address{City: "Potsdam", State: "Brandenburg", Country: "Germany"},
		},
		{
			name: "village stands in for town",
			body: `{"address":{"village":"Kleinmachnow","country":"Germany"}}`,
			want: geocode.Address{City: "Kleinmachnow", Country: "Germany"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/reverse.php" {
					t.Errorf("path = %q, want /reverse.php", r.URL.Path)
				}
				_, _ = w.Write([]byte(tt.body))
			})
			got, err := c.Reverse(context.Background(), 52.52, 13.405)
			if err != nil {
				t.Fatalf("Reverse: %v", err)
			}
			if *got != tt.want {
				t.Errorf("Reverse = %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestReverse_NoAddress(t *testing.T) {
	t.Parallel()
	c := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"display_name":"somewhere"}`))
	})
	_, err := c.Reverse(context.Background(), 52.52, 13.405)
	if !errors.Is(err, geocode.ErrNoResult) {
		t.Fatalf("err = %v, want ErrNoResult", err)
	}
}

func TestReverse_HTTPError(t *testing.T) {
	t.Parallel()
	c := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})
	if _, err := c.Reverse(context.Background(), 52.52, 13.405); err == nil {
		t.Fatal("expected error for 429")
	}
}

func TestTimezone(t *testing.T) {
	t.Parallel()
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/timezone" {
			t.Errorf("path = %q, want /timezone", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"timezone":{"name":"Europe/Berlin","now_in_dst":1,"offset_sec":7200,"short_name":"CEST","full_name":"Central European Summer Time"}}`))
	})
	got, err := c.Timezone(context.Background(), 52.52, 13.405)
	if err != nil {
		t.Fatalf("Timezone: %v", err)
	}
	want := geocode.Timezone{
		Name:      "Europe/Berlin",
		ShortName: "CEST",
		FullName:  "Central European Summer Time",
		OffsetSec: 7200,
		IsDST:     true,
	}
	if *got != want {
		t.Errorf("Timezone = %+v, want %+v", *got, want)
	}
}

func TestTimezone_Malformed(t *testing.T) {
	t.Parallel()
	c := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	})
	if _, err := c.Timezone(context.Background(), 52.52, 13.405); err == nil {
		t.Fatal("expected decode error")
	}
}

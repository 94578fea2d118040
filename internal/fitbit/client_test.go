package fitbit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// fakeTokens is a TokenProvider with scripted behavior.
type fakeTokens struct {
	token         string
	tokenErr      error
	refreshed     string
	refreshErr    error
	refreshCalls  atomic.Int32
	lastStaleSeen string
}

func (f *fakeTokens) Token(ctx context.Context) (string, error) {
	return f.token, f.tokenErr
}

func (f *fakeTokens) ForceRefresh(ctx context.Context, stale string) (string, error) {
	f.refreshCalls.Add(1)
	f.lastStaleSeen = stale
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	return f.refreshed, nil
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
}

func TestCaloriesOutToday(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wantPath := "/1/user/-/activities/date/2026-03-14.json"
		if r.URL.Path != wantPath {
			t.Errorf("path = %q, want %q", r.URL.Path, wantPath)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		fmt.Fprint(w, `{"summary": {"caloriesOut": 2210, "steps": 9000}}`)
	}))
	defer srv.Close()

	c := NewClient(&fakeTokens{token: "tok"}, nil, nil, WithBaseURL(srv.URL), WithNow(fixedNow))
	if got := c.CaloriesOutToday(context.Background()); got != 2210 {
		t.Errorf("CaloriesOutToday() = %d, want 2210", got)
	}
}

func TestSleepMinutesToday(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wantPath := "/1.2/user/-/sleep/date/2026-03-14.json"
		if r.URL.Path != wantPath {
			t.Errorf("path = %q, want %q", r.URL.Path, wantPath)
		}
		fmt.Fprint(w, `{"summary": {"totalMinutesAsleep": 432}}`)
	}))
	defer srv.Close()

	c := NewClient(&fakeTokens{token: "tok"}, nil, nil, WithBaseURL(srv.URL), WithNow(fixedNow))
	if got := c.SleepMinutesToday(context.Background()); got != 432 {
		t.Errorf("SleepMinutesToday() = %d, want 432", got)
	}
}

func TestTransportFailureYieldsZero(t *testing.T) {
	// Point at a server that is already closed.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient(&fakeTokens{token: "tok"}, nil, nil, WithBaseURL(srv.URL), WithNow(fixedNow))
	if got := c.CaloriesOutToday(context.Background()); got != 0 {
		t.Errorf("CaloriesOutToday() = %d on transport failure, want 0", got)
	}
	if got := c.SleepMinutesToday(context.Background()); got != 0 {
		t.Errorf("SleepMinutesToday() = %d on transport failure, want 0", got)
	}
}

func TestMalformedPayloadYieldsZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `not json at all`)
	}))
	defer srv.Close()

	c := NewClient(&fakeTokens{token: "tok"}, nil, nil, WithBaseURL(srv.URL), WithNow(fixedNow))
	if got := c.CaloriesOutToday(context.Background()); got != 0 {
		t.Errorf("CaloriesOutToday() = %d on malformed payload, want 0", got)
	}
}

func TestNoTokenYieldsZero(t *testing.T) {
	c := NewClient(&fakeTokens{tokenErr: ErrNoTokens}, nil, nil, WithNow(fixedNow))
	if got := c.CaloriesOutToday(context.Background()); got != 0 {
		t.Errorf("CaloriesOutToday() = %d without tokens, want 0", got)
	}
}

func TestUnexpected401ForcesSingleRetry(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("Authorization") == "Bearer replacement" {
			fmt.Fprint(w, `{"summary": {"caloriesOut": 1800}}`)
			return
		}
		http.Error(w, `{"errors":[{"errorType":"expired_token"}]}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "rejected", refreshed: "replacement"}
	c := NewClient(tokens, nil, nil, WithBaseURL(srv.URL), WithNow(fixedNow))

	if got := c.CaloriesOutToday(context.Background()); got != 1800 {
		t.Errorf("CaloriesOutToday() = %d after forced refresh, want 1800", got)
	}
	if tokens.refreshCalls.Load() != 1 {
		t.Errorf("ForceRefresh called %d times, want 1", tokens.refreshCalls.Load())
	}
	if tokens.lastStaleSeen != "rejected" {
		t.Errorf("stale token passed = %q, want rejected", tokens.lastStaleSeen)
	}
	if requests.Load() != 2 {
		t.Errorf("API hit %d times, want 2 (original + one retry)", requests.Load())
	}
}

func TestPersistent401GivesUpAfterOneRetry(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "bad", refreshed: "still-bad"}
	c := NewClient(tokens, nil, nil, WithBaseURL(srv.URL), WithNow(fixedNow))

	if got := c.CaloriesOutToday(context.Background()); got != 0 {
		t.Errorf("CaloriesOutToday() = %d, want 0", got)
	}
	if requests.Load() != 2 {
		t.Errorf("API hit %d times, want exactly 2 (no retry loop)", requests.Load())
	}
}

func TestRefreshFailureDuring401GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "bad", refreshErr: errors.New("refresh exchange rejected")}
	c := NewClient(tokens, nil, nil, WithBaseURL(srv.URL), WithNow(fixedNow))

	if got := c.SleepMinutesToday(context.Background()); got != 0 {
		t.Errorf("SleepMinutesToday() = %d, want 0", got)
	}
	if tokens.refreshCalls.Load() != 1 {
		t.Errorf("ForceRefresh called %d times, want 1", tokens.refreshCalls.Load())
	}
}

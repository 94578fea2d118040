package notify

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nosh-agent/nosh/internal/config"
)

func testConfig() config.TwilioConfig {
	return config.TwilioConfig{
		Enabled:    true,
		AccountSID: "ACtest",
		AuthToken:  "secret-token",
		From:       "whatsapp:+14155238886",
		To:         "whatsapp:+919999999999",
	}
}

func TestSend(t *testing.T) {
	var gotPath, gotUser, gotPass string
	var gotForm map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotForm = map[string]string{
			"From": r.PostFormValue("From"),
			"To":   r.PostFormValue("To"),
			"Body": r.PostFormValue("Body"),
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"SM123"}`))
	}))
	defer srv.Close()

	n := NewTwilio(testConfig(), nil, slog.Default(), WithBaseURL(srv.URL))
	if err := n.Send(context.Background(), "Logged Dal and rice. 550 kcal. 1450 kcal today."); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if gotPath != "/2010-04-01/Accounts/ACtest/Messages.json" {
		t.Errorf("path = %q", gotPath)
	}
	if gotUser != "ACtest" || gotPass != "secret-token" {
		t.Errorf("basic auth = %q:%q", gotUser, gotPass)
	}
	if gotForm["From"] != "whatsapp:+14155238886" {
		t.Errorf("From = %q", gotForm["From"])
	}
	if gotForm["To"] != "whatsapp:+919999999999" {
		t.Errorf("To = %q", gotForm["To"])
	}
	if !strings.Contains(gotForm["Body"], "550 kcal") {
		t.Errorf("Body = %q", gotForm["Body"])
	}
}

func TestSend_TruncatesLongBody(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotBody = r.PostFormValue("Body")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	n := NewTwilio(testConfig(), nil, slog.Default(), WithBaseURL(srv.URL))
	long := strings.Repeat("eat more protein ", 200)
	if err := n.Send(context.Background(), long); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(gotBody) > maxBodyLen {
		t.Errorf("body length = %d, exceeds %d", len(gotBody), maxBodyLen)
	}
	if !strings.HasSuffix(gotBody, "...") {
		t.Errorf("truncated body missing ellipsis: %q", gotBody[len(gotBody)-10:])
	}
}

func TestSend_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":20003,"message":"Authenticate"}`))
	}))
	defer srv.Close()

	n := NewTwilio(testConfig(), nil, slog.Default(), WithBaseURL(srv.URL))
	err := n.Send(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error on 401")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error %q does not carry status", err)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{"short untouched", "hello", 10, "hello"},
		{"exact untouched", "hello", 5, "hello"},
		{"clipped with ellipsis", "hello world", 8, "hello..."},
		{"multibyte not split", "caféééé", 8, "café..."},
		{"limit below ellipsis", "hello", 2, "..."},
		{"zero limit", "hello", 0, "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.in, tt.limit)
			if got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
			}
			// A limit too small to hold the ellipsis degrades to a
			// bare ellipsis rather than honoring the limit.
			if tt.limit >= 3 && len(got) > tt.limit {
				t.Errorf("result length %d exceeds limit %d", len(got), tt.limit)
			}
		})
	}
}

func TestLogNotifier(t *testing.T) {
	n := &LogNotifier{Logger: slog.Default()}
	if err := n.Send(context.Background(), "anything"); err != nil {
		t.Errorf("LogNotifier.Send: %v", err)
	}
}

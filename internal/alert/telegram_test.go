package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/ronsonol82-hash/AiTrade/pkg/logging"
)

func TestNewGatesOnTokenAndChatID(t *testing.T) {
	cases := []struct {
		token, chat string
		flag        bool
		want        bool
	}{
		{"tok", "chat", true, true},
		{"", "chat", true, false},
		{"tok", "", true, false},
		{"tok", "chat", false, false},
	}
	for _, c := range cases {
		a := New(c.token, c.chat, c.flag, logging.Default())
		if a.Enabled() != c.want {
			t.Fatalf("New(%q,%q,%v).Enabled() = %v, want %v", c.token, c.chat, c.flag, a.Enabled(), c.want)
		}
	}
}

func TestSendPostsExpectedPayload(t *testing.T) {
	var gotBody sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := New("tok", "chat-1", true, logging.Default())
	// Send builds the URL against the real Telegram host; redirect via a
	// wrapping RoundTripper so the request lands on the test server without
	// changing Send's logic.
	a.http = srv.Client()
	a.http.Transport = rewriteHostTransport{base: http.DefaultTransport, host: srv.URL}

	a.Send(context.Background(), "hello")

	if gotBody.ChatID != "chat-1" || gotBody.Text != "hello" || !gotBody.DisableWebPagePreview {
		t.Fatalf("unexpected payload: %+v", gotBody)
	}
}

func TestSendNoopWhenDisabled(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := New("", "", true, logging.Default())
	a.http.Transport = rewriteHostTransport{base: http.DefaultTransport, host: srv.URL}
	a.Send(context.Background(), "should not send")

	if called {
		t.Fatal("expected Send to no-op when alerter is disabled")
	}
}

// rewriteHostTransport redirects every request to host, preserving path and
// method, so tests can exercise Send's real URL-building without reaching
// the network.
type rewriteHostTransport struct {
	base http.RoundTripper
	host string
}

func (rt rewriteHostTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	u, err := url.Parse(rt.host)
	if err != nil {
		return nil, err
	}
	clone := req.Clone(req.Context())
	clone.URL.Scheme = u.Scheme
	clone.URL.Host = u.Host
	clone.Host = u.Host
	return rt.base.RoundTrip(clone)
}

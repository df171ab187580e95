package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/PuerkitoBio/goquery"

	"otp-notifier/pkg/otp"
	"otp-notifier/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

const feedTable = `<html><body><div class="sidebar"></div>
<table id="received-sms-table"><thead><tr><th>Date</th><th>From</th><th>Message</th><th>Service</th></tr></thead>
<tbody>
<tr><td>2026-01-01 10:00:00</td><td>Acme</td><td>Your code is 123456</td><td>acme</td></tr>
<tr><td>2026-01-01 10:05:00</td><td>+1 555 0100</td><td>PIN 9876</td><td></td></tr>
<tr><td></td><td>Broken</td><td>missing timestamp</td><td></td></tr>
</tbody></table></body></html>`

// fakePortal mimics the portal's login flow with a session cookie.
type fakePortal struct {
	mu         sync.Mutex
	sessions   map[string]bool
	feedPath   string // Where the table lives; the direct path 404s when different
	loginPosts int
	next       int
}

func newFakePortal(t *testing.T, feedPath string) (*fakePortal, *httptest.Server) {
	t.Helper()
	fp := &fakePortal{sessions: map[string]bool{}, feedPath: feedPath}
	srv := httptest.NewServer(fp.handler())
	t.Cleanup(srv.Close)
	return fp, srv
}

func (fp *fakePortal) authed(r *http.Request) bool {
	ck, err := r.Cookie("portal_session")
	if err != nil {
		return false
	}
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.sessions[ck.Value]
}

func (fp *fakePortal) posts() int {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.loginPosts
}

func (fp *fakePortal) logoutAll() {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.sessions = map[string]bool{}
}

func (fp *fakePortal) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			fp.mu.Lock()
			fp.loginPosts++
			fp.mu.Unlock()
			if err := r.ParseForm(); err != nil {
				http.Error(w, "bad form", http.StatusBadRequest)
				return
			}
			if r.PostForm.Get("_token") != "csrf-123" {
				http.Error(w, "page expired", 419)
				return
			}
			if r.PostForm.Get("email") != "user@example.com" || r.PostForm.Get("password") != "secret" {
				http.Redirect(w, r, "/login?failed=1", http.StatusFound)
				return
			}
			fp.mu.Lock()
			fp.next++
			id := fmt.Sprintf("s%d", fp.next)
			fp.sessions[id] = true
			fp.mu.Unlock()
			http.SetCookie(w, &http.Cookie{Name: "portal_session", Value: id, Path: "/"})
			http.Redirect(w, r, "/portal", http.StatusFound)
			return
		}

		errBlock := ""
		if r.URL.Query().Get("failed") == "1" {
			errBlock = `<div class="alert alert-danger">These credentials do not match our records.</div>`
		}
		fmt.Fprintf(w, `<html><body>%s
<form method="POST" action="/login">
<input type="hidden" name="_token" value="csrf-123">
<input type="email" name="email"><input type="password" name="password">
<input type="checkbox" name="remember"><button type="submit">Log in</button>
</form></body></html>`, errBlock)
	})

	mux.HandleFunc("/portal", func(w http.ResponseWriter, r *http.Request) {
		if !fp.authed(r) {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		fmt.Fprintf(w, `<html><body><nav class="sidebar"><a href="%s">My SMS Statistics</a></nav></body></html>`, fp.feedPath)
	})

	mux.HandleFunc("/portal/sms/received", func(w http.ResponseWriter, r *http.Request) {
		if fp.feedPath != "/portal/sms/received" {
			http.NotFound(w, r)
			return
		}
		fp.serveFeed(w, r)
	})
	mux.HandleFunc("/client/sms-statistics", fp.serveFeed)

	return mux
}

func (fp *fakePortal) serveFeed(w http.ResponseWriter, r *http.Request) {
	if !fp.authed(r) {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	fmt.Fprint(w, feedTable)
}

func newClient(t *testing.T, baseURL, stateDir, snapshotDir string) *Client {
	t.Helper()
	c, err := New(&Config{
		Logger:        testLogger(),
		BaseURL:       baseURL,
		StateDir:      stateDir,
		SnapshotDir:   snapshotDir,
		SaveSnapshots: snapshotDir != "",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

var goodCreds = session.Credentials{Email: "user@example.com", Password: "secret"}

func TestLoginNavigateFetch(t *testing.T) {
	_, srv := newFakePortal(t, "/portal/sms/received")
	c := newClient(t, srv.URL, "", "")
	ctx := context.Background()

	if c.ValidateSession(ctx) {
		t.Fatal("ValidateSession() = true before login")
	}

	ok, msg := c.Login(ctx, goodCreds)
	if !ok || msg != "Login successful" {
		t.Fatalf("Login() = %v, %q", ok, msg)
	}
	if !c.ValidateSession(ctx) {
		t.Error("ValidateSession() = false after login")
	}

	ok, msg = c.NavigateToFeed(ctx)
	if !ok {
		t.Fatalf("NavigateToFeed() = false, %q", msg)
	}

	entries, err := c.FetchEntries(ctx)
	if err != nil {
		t.Fatalf("FetchEntries() error = %v", err)
	}
	want := []otp.Entry{
		{ID: "2026-01-01_10:00:00_Acme", Timestamp: "2026-01-01 10:00:00", Sender: "Acme", Body: "Your code is 123456", Service: "acme"},
		{ID: "2026-01-01_10:05:00_+1_555_0100", Timestamp: "2026-01-01 10:05:00", Sender: "+1 555 0100", Body: "PIN 9876"},
	}
	if len(entries) != len(want) {
		t.Fatalf("FetchEntries() = %+v, want %d entries", entries, len(want))
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, entries[i], want[i])
		}
	}
}

func TestLoginBadCredentials(t *testing.T) {
	_, srv := newFakePortal(t, "/portal/sms/received")
	snapDir := t.TempDir()
	c := newClient(t, srv.URL, "", snapDir)

	ok, msg := c.Login(context.Background(), session.Credentials{Email: "user@example.com", Password: "wrong"})
	if ok {
		t.Fatal("Login() succeeded with a bad password")
	}
	if msg != "Login failed: These credentials do not match our records." {
		t.Errorf("Login() message = %q", msg)
	}

	files, err := filepath.Glob(filepath.Join(snapDir, "login_failed_*.html"))
	if err != nil || len(files) != 1 {
		t.Errorf("snapshots = %v, %v; want one login_failed file", files, err)
	}
}

func TestSessionStateRestore(t *testing.T) {
	fp, srv := newFakePortal(t, "/portal/sms/received")
	stateDir := t.TempDir()
	ctx := context.Background()

	first := newClient(t, srv.URL, stateDir, "")
	if ok, msg := first.Login(ctx, goodCreds); !ok {
		t.Fatalf("Login() = false, %q", msg)
	}

	second := newClient(t, srv.URL, stateDir, "")
	ok, msg := second.Login(ctx, goodCreds)
	if !ok || msg != "Already logged in" {
		t.Errorf("Login() with restored state = %v, %q", ok, msg)
	}
	if n := fp.posts(); n != 1 {
		t.Errorf("login form posted %d times, want 1", n)
	}
}

func TestFetchAfterSessionLoss(t *testing.T) {
	fp, srv := newFakePortal(t, "/portal/sms/received")
	c := newClient(t, srv.URL, "", "")
	ctx := context.Background()

	if ok, msg := c.Login(ctx, goodCreds); !ok {
		t.Fatalf("Login() = false, %q", msg)
	}
	if ok, msg := c.NavigateToFeed(ctx); !ok {
		t.Fatalf("NavigateToFeed() = false, %q", msg)
	}

	fp.logoutAll()
	_, err := c.FetchEntries(ctx)
	if !IsLoginRequiredError(err) {
		t.Errorf("FetchEntries() error = %v, want LoginRequiredError", err)
	}
	if c.ValidateSession(ctx) {
		t.Error("ValidateSession() = true after logout")
	}
}

func TestNavigateViaMenu(t *testing.T) {
	_, srv := newFakePortal(t, "/client/sms-statistics")
	c := newClient(t, srv.URL, "", "")
	ctx := context.Background()

	if ok, msg := c.Login(ctx, goodCreds); !ok {
		t.Fatalf("Login() = false, %q", msg)
	}
	ok, msg := c.NavigateToFeed(ctx)
	if !ok || !strings.Contains(msg, "via menu") {
		t.Fatalf("NavigateToFeed() = %v, %q", ok, msg)
	}
	if !strings.HasSuffix(c.feedURL, "/client/sms-statistics") {
		t.Errorf("feedURL = %q", c.feedURL)
	}

	entries, err := c.FetchEntries(ctx)
	if err != nil || len(entries) != 2 {
		t.Errorf("FetchEntries() = %d entries, %v", len(entries), err)
	}
}

func TestNavigateWithoutSession(t *testing.T) {
	_, srv := newFakePortal(t, "/portal/sms/received")
	c := newClient(t, srv.URL, "", "")

	ok, msg := c.NavigateToFeed(context.Background())
	if ok {
		t.Fatal("NavigateToFeed() succeeded without login")
	}
	if !strings.HasPrefix(msg, "Navigation failed") {
		t.Errorf("NavigateToFeed() message = %q", msg)
	}
}

func TestParseEntries(t *testing.T) {
	tests := []struct {
		name string
		html string
		want []string
	}{
		{
			name: "table rows",
			html: feedTable,
			want: []string{"2026-01-01_10:00:00_Acme", "2026-01-01_10:05:00_+1_555_0100"},
		},
		{
			name: "class based layout",
			html: `<div class="sms-list">
<div class="sms-item"><span class="sms-time">09:00</span><span class="sms-from">Bank</span><span class="sms-text">OTP 1111</span><span class="sms-service">bank</span></div>
<div class="sms-item"><span class="sms-time">09:01</span><span class="sms-from">Shop</span><span class="sms-text">OTP 2222</span></div>
</div>`,
			want: []string{"09:00_Bank", "09:01_Shop"},
		},
		{
			name: "empty table",
			html: `<table><tbody></tbody></table>`,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := goquery.NewDocumentFromReader(strings.NewReader(tt.html))
			if err != nil {
				t.Fatal(err)
			}
			got := parseEntries(doc)
			if len(got) != len(tt.want) {
				t.Fatalf("parseEntries() = %+v, want ids %v", got, tt.want)
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("entry %d id = %q, want %q", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestParseLoginForm(t *testing.T) {
	html := `<form action="/auth/login"><input type="hidden" name="_token" value="abc">
<input type="email" name="login_email"><input type="password" name="pw"></form>`
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		t.Fatal(err)
	}
	f, ok := parseLoginForm(doc)
	if !ok {
		t.Fatal("parseLoginForm() found no form")
	}
	if f.action != "/auth/login" || f.emailField != "login_email" || f.passwordField != "pw" {
		t.Errorf("parseLoginForm() = %+v", f)
	}
	if f.values.Get("_token") != "abc" {
		t.Errorf("_token = %q, want abc", f.values.Get("_token"))
	}
}

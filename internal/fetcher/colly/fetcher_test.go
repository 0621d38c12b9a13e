package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

func newSiteServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`<html><head><title>Home</title></head>
<body><p>Hello</p><img src="/a.png"><a href="/private">Private</a></body></html>`))
	})
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/password", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.FormValue("password") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "auth", Value: "ok", Path: "/"})
		_, _ = w.Write([]byte(`<html><body>welcome</body></html>`))
	})
	mux.HandleFunc("/private", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("auth"); err != nil || c.Value != "ok" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(`<html><head><title>Members</title></head><body>secret stuff</body></html>`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestFetcher() *Fetcher {
	return New(Config{UserAgent: "sitecrawler-test", LoginScheme: "http"}, zap.NewNop())
}

func TestFetchPageFollowsRedirects(t *testing.T) {
	t.Parallel()

	srv := newSiteServer(t)
	f := newTestFetcher()
	sess, err := f.NewSession(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })

	page, err := f.FetchPage(context.Background(), sess, srv.URL+"/old")
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/", page.FinalURL)
	require.Equal(t, "Home", page.Title)
	require.Equal(t, []string{srv.URL + "/a.png"}, page.Images)
	require.Equal(t, []string{srv.URL + "/private"}, page.Links)
}

func TestFetchPageClassifiesStatus(t *testing.T) {
	t.Parallel()

	srv := newSiteServer(t)
	f := newTestFetcher()
	sess, err := f.NewSession(context.Background())
	require.NoError(t, err)

	_, err = f.FetchPage(context.Background(), sess, srv.URL+"/missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	_, err = f.FetchPage(context.Background(), sess, srv.URL+"/private")
	require.ErrorIs(t, err, crawler.ErrPermission)
}

func TestLoginCarriesCookiesWithinSession(t *testing.T) {
	t.Parallel()

	srv := newSiteServer(t)
	host := mustParseURL(t, srv.URL).Host
	f := newTestFetcher()
	ctx := context.Background()

	sess, err := f.NewSession(ctx)
	require.NoError(t, err)
	require.NoError(t, f.Login(ctx, sess, host, "secret"))
	require.NoError(t, f.Login(ctx, sess, host, "secret"))

	page, err := f.FetchPage(ctx, sess, srv.URL+"/private")
	require.NoError(t, err)
	require.Equal(t, "Members", page.Title)

	other, err := f.NewSession(ctx)
	require.NoError(t, err)
	_, err = f.FetchPage(ctx, other, srv.URL+"/private")
	require.ErrorIs(t, err, crawler.ErrPermission)
}

func TestLoginWithWrongPasswordFails(t *testing.T) {
	t.Parallel()

	srv := newSiteServer(t)
	f := newTestFetcher()
	sess, err := f.NewSession(context.Background())
	require.NoError(t, err)

	err = f.Login(context.Background(), sess, mustParseURL(t, srv.URL).Host, "wrong")
	require.ErrorIs(t, err, crawler.ErrPermission)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := newTestFetcher()
	var res fetchResult
	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, &res)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Contains(t, collyReq.Headers.Get("Accept"), "text/html")

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/final")},
	})
	require.Equal(t, "https://example.com/final", res.finalURL)
	require.Equal(t, "body", string(res.body))

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("bad gateway"))
	status, err := res.snapshot()
	require.Equal(t, http.StatusBadGateway, status)
	require.EqualError(t, err, "bad gateway")
}

func TestForeignSessionIsRejected(t *testing.T) {
	t.Parallel()

	_, err := newTestFetcher().FetchPage(context.Background(), nil, "https://example.com/")
	require.ErrorIs(t, err, crawler.ErrConfiguration)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}

package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func siteHandler(pages map[string]string) http.Handler {
	mux := http.NewServeMux()
	for path, body := range pages {
		body := body
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, body)
		})
	}
	return mux
}

func TestDiscoverURLsSameHostOnly(t *testing.T) {
	server := httptest.NewServer(siteHandler(map[string]string{
		"/": `<html><body>
			<a href="/about">About</a>
			<a href="/pricing/">Pricing</a>
			<a href="https://other.example.com/elsewhere">External</a>
			<a href="#section">Anchor</a>
			<a href="mailto:hi@acme.test">Mail</a>
		</body></html>`,
		"/about":   `<html><body><a href="/">Home</a></body></html>`,
		"/pricing": `<html><body>Pricing info</body></html>`,
	}))
	defer server.Close()

	crawler := NewCrawler(10, 5, "sitechat-test")
	urls, err := crawler.DiscoverURLs(context.Background(), server.URL)

	require.NoError(t, err)
	assert.Len(t, urls, 3)
	for _, u := range urls {
		assert.Contains(t, u, server.URL)
		assert.NotContains(t, u, "other.example.com")
		assert.NotContains(t, u, "#")
	}
}

func TestDiscoverURLsRespectsMaxPages(t *testing.T) {
	pages := map[string]string{}
	var links string
	for i := 0; i < 20; i++ {
		links += fmt.Sprintf(`<a href="/page-%d">p</a>`, i)
		pages[fmt.Sprintf("/page-%d", i)] = "<html><body>content</body></html>"
	}
	pages["/"] = "<html><body>" + links + "</body></html>"

	server := httptest.NewServer(siteHandler(pages))
	defer server.Close()

	crawler := NewCrawler(5, 5, "")
	urls, err := crawler.DiscoverURLs(context.Background(), server.URL)

	require.NoError(t, err)
	assert.Len(t, urls, 5)
}

func TestDiscoverURLsNormalizesDuplicates(t *testing.T) {
	server := httptest.NewServer(siteHandler(map[string]string{
		"/": `<html><body>
			<a href="/about">A</a>
			<a href="/about/">B</a>
			<a href="/about?ref=nav">C</a>
			<a href="/about#team">D</a>
		</body></html>`,
		"/about": `<html><body>About</body></html>`,
	}))
	defer server.Close()

	crawler := NewCrawler(10, 5, "")
	urls, err := crawler.DiscoverURLs(context.Background(), server.URL)

	require.NoError(t, err)
	assert.Len(t, urls, 2, "cosmetic URL variants collapse to one page")
}

func TestDiscoverURLsInvalidStart(t *testing.T) {
	crawler := NewCrawler(10, 5, "")

	_, err := crawler.DiscoverURLs(context.Background(), "not a url")

	require.Error(t, err)
}

func TestFetchPageRejectsNonHTML(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		fmt.Fprint(w, "%PDF-1.4")
	}))
	defer server.Close()

	crawler := NewCrawler(10, 5, "")

	_, err := crawler.FetchPage(context.Background(), server.URL)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-HTML")
}

func TestFetchPageSendsUserAgent(t *testing.T) {
	var gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html></html>")
	}))
	defer server.Close()

	crawler := NewCrawler(10, 5, "SiteChatBot/1.0")

	_, err := crawler.FetchPage(context.Background(), server.URL)

	require.NoError(t, err)
	assert.Equal(t, "SiteChatBot/1.0", gotUA)
}

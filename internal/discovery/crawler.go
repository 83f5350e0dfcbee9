package discovery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/sitechat/backend/internal/metrics"
	"github.com/sitechat/backend/pkg/logger"
)

type Crawler struct {
	httpClient *http.Client
	maxPages   int
	userAgent  string
}

func NewCrawler(maxPages, timeoutSec int, userAgent string) *Crawler {
	if maxPages <= 0 {
		maxPages = 25
	}
	if timeoutSec <= 0 {
		timeoutSec = 10
	}
	return &Crawler{
		httpClient: &http.Client{
			Timeout: time.Duration(timeoutSec) * time.Second,
		},
		maxPages:  maxPages,
		userAgent: userAgent,
	}
}

// DiscoverURLs walks the site breadth-first from startURL, staying on the
// same host, and returns up to maxPages normalized page URLs.
func (c *Crawler) DiscoverURLs(ctx context.Context, startURL string) ([]string, error) {
	logger.Info("Starting site discovery", zap.String("url", startURL))

	root, err := url.Parse(startURL)
	if err != nil || root.Host == "" {
		return nil, fmt.Errorf("invalid website URL %q: %w", startURL, err)
	}

	seen := map[string]bool{}
	queue := []string{normalizeURL(root)}
	seen[queue[0]] = true
	var discovered []string

	for len(queue) > 0 && len(discovered) < c.maxPages {
		if err := ctx.Err(); err != nil {
			return discovered, err
		}

		pageURL := queue[0]
		queue = queue[1:]

		html, err := c.FetchPage(ctx, pageURL)
		if err != nil {
			logger.Warn("Failed to fetch page during discovery", zap.String("url", pageURL), zap.Error(err))
			continue
		}

		discovered = append(discovered, pageURL)
		metrics.PagesDiscovered.Inc()

		for _, link := range c.extractLinks(html, pageURL) {
			if link.Host != root.Host {
				continue
			}
			normalized := normalizeURL(link)
			if !seen[normalized] {
				seen[normalized] = true
				queue = append(queue, normalized)
			}
		}
	}

	logger.Info("Site discovery complete", zap.String("url", startURL), zap.Int("pages", len(discovered)))
	return discovered, nil
}

func (c *Crawler) FetchPage(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d for %s", resp.StatusCode, pageURL)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "text/html") {
		return "", fmt.Errorf("skipping non-HTML content type %q", contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	return string(body), nil
}

func (c *Crawler) extractLinks(html, baseURL string) []*url.URL {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	var links []*url.URL
	doc.Find("a[href]").Each(func(i int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || href == "" || strings.HasPrefix(href, "#") {
			return
		}
		resolved, err := base.Parse(href)
		if err != nil {
			return
		}
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}
		links = append(links, resolved)
	})

	return links
}

// normalizeURL strips fragments and queries so the same page is not crawled
// twice under cosmetically different URLs.
func normalizeURL(u *url.URL) string {
	clean := *u
	clean.Fragment = ""
	clean.RawQuery = ""
	clean.Path = strings.TrimSuffix(clean.Path, "/")
	return clean.String()
}

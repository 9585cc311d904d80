package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	webMaxResults  = 8
	webMaxBody     = 2 << 20
	webMaxTextSize = 20000
	userAgent      = "Mozilla/5.0 (compatible; helix/1.0)"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// webSearch queries an HTML search page and extracts result links.
func (h *Host) webSearch(ctx context.Context, args map[string]any) (string, error) {
	q, err := stringArg(args, "query", true)
	if err != nil {
		return "", err
	}
	u := h.searchURL + "?q=" + url.QueryEscape(q)
	doc, err := h.getDocument(ctx, u)
	if err != nil {
		return "", fmt.Errorf("web_search: %w", err)
	}

	var b strings.Builder
	n := 0
	doc.Find(".result").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		link := s.Find(".result__a").First()
		title := clean(link.Text())
		href, _ := link.Attr("href")
		if title == "" || href == "" {
			return true
		}
		n++
		fmt.Fprintf(&b, "%d. %s\n   %s\n", n, title, resolveRedirect(href))
		if snippet := clean(s.Find(".result__snippet").Text()); snippet != "" {
			fmt.Fprintf(&b, "   %s\n", snippet)
		}
		return n < webMaxResults
	})
	if n == 0 {
		return "no results", nil
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// fetchURL returns the readable text of a page with scripts and styles
// removed.
func (h *Host) fetchURL(ctx context.Context, args map[string]any) (string, error) {
	raw, err := stringArg(args, "url", true)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: url must be http or https", ErrBadArgument)
	}
	doc, err := h.getDocument(ctx, u.String())
	if err != nil {
		return "", fmt.Errorf("fetch_url: %w", err)
	}
	doc.Find("script, style, noscript, iframe, svg, nav, footer").Remove()

	title := clean(doc.Find("title").First().Text())
	text := clean(doc.Find("body").Text())
	if len(text) > webMaxTextSize {
		text = text[:webMaxTextSize] + "..."
	}
	if title != "" {
		return title + "\n\n" + text, nil
	}
	return text, nil
}

func (h *Host) getDocument(ctx context.Context, u string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, webMaxBody))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// resolveRedirect unwraps DuckDuckGo's /l/?uddg= redirect links.
func resolveRedirect(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	return u.String()
}

func clean(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

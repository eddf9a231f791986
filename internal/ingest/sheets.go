package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// DefaultSheetTimeout bounds a Google Sheets export download.
const DefaultSheetTimeout = 20 * time.Second

// maxSheetBytes caps the downloaded export.
const maxSheetBytes = 64 << 20

// GoogleSheetCSVURL rewrites a Google Sheets link into its CSV export URL.
//
// Behavior:
//   - Hosts other than docs.google.com are returned unchanged (the link is
//     assumed to already point at a CSV).
//   - Links already on an "/export" path with format=csv are returned unchanged.
//   - "/edit..." suffixes are replaced by "/export"; the query becomes
//     format=csv plus the original gid. A gid carried only in the fragment
//     ("#gid=123", what the browser address bar shows) is honored too.
//
// Errors:
//   - ErrMissingSheetURL for a blank link.
//   - A wrapped url error for unparsable input.
func GoogleSheetCSVURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrMissingSheetURL
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse google sheets url: %w", err)
	}
	if !strings.Contains(strings.ToLower(u.Host), "docs.google.com") {
		return raw, nil
	}
	if strings.Contains(u.Path, "/export") && strings.Contains(u.RawQuery, "format=csv") {
		return raw, nil
	}

	gid := u.Query().Get("gid")
	if gid == "" && u.Fragment != "" {
		if frag, err := url.ParseQuery(u.Fragment); err == nil {
			gid = frag.Get("gid")
		}
	}

	path := u.Path
	if i := strings.Index(path, "/edit"); i >= 0 {
		path = path[:i] + "/export"
	}

	q := url.Values{}
	q.Set("format", "csv")
	if gid != "" {
		q.Set("gid", gid)
	}

	out := url.URL{Scheme: u.Scheme, Host: u.Host, Path: path, RawQuery: q.Encode()}
	return out.String(), nil
}

// FetchGoogleSheet downloads the CSV export of a Google Sheets link.
//
// When client is nil a client with DefaultSheetTimeout is used. A sheet that
// is not shared publicly answers with Google's HTML login page instead of
// CSV; that case is detected and reported with the page title.
//
// Errors:
//   - ErrMissingSheetURL for a blank link.
//   - ErrSheetUnreadable (wrapped) for non-2xx answers or HTML bodies.
//   - Transport errors, wrapped.
func FetchGoogleSheet(ctx context.Context, client *http.Client, link string) ([]byte, error) {
	target, err := GoogleSheetCSVURL(link)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultSheetTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build google sheets request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch google sheet: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSheetBytes))
	if err != nil {
		return nil, fmt.Errorf("read google sheet: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: HTTP %d", ErrSheetUnreadable, resp.StatusCode)
	}
	if looksLikeHTML(resp.Header.Get("Content-Type"), body) {
		return nil, fmt.Errorf("%w: %s", ErrSheetUnreadable, htmlTitle(body))
	}
	return body, nil
}

func looksLikeHTML(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "text/html") {
		return true
	}
	head := bytes.ToLower(bytes.TrimSpace(body[:min(len(body), 512)]))
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
}

// htmlTitle extracts <title> from an HTML page, falling back to a generic label.
func htmlTitle(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "resposta HTML em vez de CSV"
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		return "resposta HTML em vez de CSV"
	}
	return "página \"" + title + "\" em vez de CSV (verifique o compartilhamento da planilha)"
}

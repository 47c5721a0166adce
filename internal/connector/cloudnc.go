package connector

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/mmcdole/gofeed"
	"golang.org/x/net/html"

	"git.home.luguber.info/inful/watchdog/internal/logfields"
	"git.home.luguber.info/inful/watchdog/internal/store"
	"git.home.luguber.info/inful/watchdog/internal/werrors"
)

// CloudNC discovers documents from CloudNC instances. Preference
// order: configured listing paths, the /meetingrss feed, then the
// default listing pages.
type CloudNC struct {
	base
}

func (c *CloudNC) Platform() string { return store.PlatformCloudNC }

var (
	cloudNCListingKeywords = []string{
		"kokous", "meeting", "download", "poytakirja", "esityslista",
		"päätös", "kuulutus", "kaava", "asiakirja",
	}
	cloudNCDocKeywords = []string{"docid", "document", "file"}
	cloudNCPDFPattern  = regexp.MustCompile(`(?i)\.pdf|download`)
	cloudNCNumericID   = regexp.MustCompile(`(?i)[?&](?:id|docid|fileid)=(\d+)`)
)

func (c *CloudNC) Discover(ctx context.Context) ([]DocumentRef, error) {
	if len(c.cfg.Paths) > 0 {
		return c.discoverPaths(ctx)
	}

	refs, err := c.discoverRSS(ctx)
	if err == nil && len(refs) > 0 {
		return refs, nil
	}

	// No feed: fall back to the default listing pages.
	for _, path := range []string{"/fi-FI/Toimielimet", "/fi-FI"} {
		refs, err := c.parseListing(ctx, path, "minutes")
		if err != nil {
			c.log.Debug("cloudnc listing unavailable", logfields.URL(path), logfields.Error(err))
			continue
		}
		if len(refs) > 0 {
			return refs, nil
		}
	}
	return nil, nil
}

func (c *CloudNC) discoverPaths(ctx context.Context) ([]DocumentRef, error) {
	var out []DocumentRef
	for pathKey, path := range c.cfg.Paths {
		if path == "" {
			continue
		}
		refs, err := c.parseListing(ctx, path, docTypeForPath(pathKey))
		if err != nil {
			c.log.Warn("cloudnc listing failed", logfields.URL(path), logfields.Error(err))
			continue
		}
		out = append(out, refs...)
	}
	return out, nil
}

func (c *CloudNC) discoverRSS(ctx context.Context) ([]DocumentRef, error) {
	rssURL, ok := resolveAgainst(c.src.BaseURL, "/meetingrss")
	if !ok {
		return nil, werrors.Newf(werrors.KindInternal, "invalid base url %q", c.src.BaseURL)
	}
	resp, err := c.http.Fetch(ctx, rssURL)
	if err != nil {
		return nil, err
	}
	feed, err := gofeed.NewParser().ParseString(resp.Text())
	if err != nil {
		return nil, werrors.Wrap(err, werrors.KindParseFailure, "parse meeting feed")
	}

	var out []DocumentRef
	for _, item := range feed.Items {
		if item.Link == "" {
			continue
		}
		ref := DocumentRef{
			DocType:     "minutes",
			Title:       item.Title,
			SourceURL:   item.Link,
			Body:        extractBody(item.Title, c.cfg.BodyPatterns),
			PublishedAt: item.PublishedParsed,
			MeetingDate: extractDate(item.Title),
		}
		if ref.MeetingDate == nil {
			ref.MeetingDate = item.PublishedParsed
		}
		for _, enc := range item.Enclosures {
			if strings.HasPrefix(enc.Type, "application/pdf") && enc.URL != "" {
				ref.FileURLs = append(ref.FileURLs, enc.URL)
			}
		}
		out = append(out, c.finish(ref))
	}
	return out, nil
}

func (c *CloudNC) parseListing(ctx context.Context, path, docType string) ([]DocumentRef, error) {
	pageURL, ok := resolveAgainst(c.src.BaseURL, path)
	if !ok {
		return nil, werrors.Newf(werrors.KindInternal, "invalid listing path %q", path)
	}
	resp, err := c.http.Fetch(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	doc, err := parsePage(resp.Body, resp.ContentType)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(resp.FinalURL)
	if err != nil {
		return nil, werrors.Wrap(err, werrors.KindParseFailure, "listing url")
	}

	var out []DocumentRef
	for _, a := range collectAnchors(doc) {
		if !containsAny(a.href, cloudNCListingKeywords) && !containsAny(a.text, cloudNCListingKeywords) {
			continue
		}
		full, ok := resolve(base, a.href)
		if !ok || full == resp.FinalURL {
			continue
		}

		fileURLs := c.filesOnPage(ctx, full)
		if len(fileURLs) == 0 && strings.Contains(strings.ToLower(a.href), ".pdf") {
			fileURLs = []string{full}
		}
		// Pages with neither attachments nor a document id are navigation.
		if len(fileURLs) == 0 && !containsAny(a.href, cloudNCDocKeywords) {
			continue
		}

		title := a.text
		if title == "" {
			title = "Document"
		}
		ref := DocumentRef{
			DocType:     docType,
			Title:       title,
			SourceURL:   full,
			Body:        extractBody(a.text, c.cfg.BodyPatterns),
			MeetingDate: extractDate(a.text),
			FileURLs:    fileURLs,
		}
		if m := cloudNCNumericID.FindStringSubmatch(full); m != nil {
			ref.ExternalID = m[1]
		}
		out = append(out, c.finish(ref))
	}
	return out, nil
}

// filesOnPage fetches a meeting page and returns its PDF attachments.
// Failures are tolerated; the caller falls back to the anchor itself.
func (c *CloudNC) filesOnPage(ctx context.Context, pageURL string) []string {
	resp, err := c.http.Fetch(ctx, pageURL)
	if err != nil {
		c.log.Debug("cloudnc meeting page unavailable", logfields.URL(pageURL), logfields.Error(err))
		return nil
	}
	doc, err := parsePage(resp.Body, resp.ContentType)
	if err != nil {
		return nil
	}
	base, err := url.Parse(resp.FinalURL)
	if err != nil {
		return nil
	}
	return pdfAnchors(doc, base, cloudNCPDFPattern)
}

// pdfAnchors returns resolved hrefs of anchors whose href matches the
// pattern, de-duplicated in document order.
func pdfAnchors(doc *html.Node, base *url.URL, pattern *regexp.Regexp) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, a := range collectAnchors(doc) {
		if !pattern.MatchString(a.href) {
			continue
		}
		full, ok := resolve(base, a.href)
		if !ok {
			continue
		}
		if _, dup := seen[full]; dup {
			continue
		}
		seen[full] = struct{}{}
		out = append(out, full)
	}
	return out
}

func resolveAgainst(baseURL, ref string) (string, bool) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", false
	}
	return resolve(u, ref)
}

package connector

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/mmcdole/gofeed"

	"git.home.luguber.info/inful/watchdog/internal/logfields"
	"git.home.luguber.info/inful/watchdog/internal/store"
	"git.home.luguber.info/inful/watchdog/internal/werrors"
)

// Dynasty discovers documents from Dynasty (Innofactor) instances.
// Most Lapland municipalities run this platform. Listings hide behind
// framesets, so discovery follows the content frame before reading
// anchors.
type Dynasty struct {
	base
}

func (d *Dynasty) Platform() string { return store.PlatformDynasty }

var (
	dynastyFrameKeywords = []string{"kokous", "meeting", "official", "announcement"}
	dynastyItemKeywords  = []string{"docid=", "kokession", "meeting", "official", "htmtxt", "download"}
	dynastyPDFPattern    = regexp.MustCompile(`(?i)\.pdf|download|fileshow`)

	dynastyFeedPaths = []string{
		"/cgi/DREQUEST.PHP?page=rss/meetingrss",
		"/d10/kokous/TELIASES.HTM",
		"/rss",
	}
	dynastyListingPaths = []struct{ path, key string }{
		{"/cgi/DREQUEST.PHP?page=meeting_frames", "meetings"},
		{"/kokous/", "meetings"},
		{"/esityslista/", "agendas"},
	}
)

func (d *Dynasty) Discover(ctx context.Context) ([]DocumentRef, error) {
	if len(d.cfg.Paths) > 0 {
		var out []DocumentRef
		for pathKey, path := range d.cfg.Paths {
			if path == "" {
				continue
			}
			refs, err := d.discoverPath(ctx, path, docTypeForPath(pathKey))
			if err != nil {
				d.log.Warn("dynasty listing failed", logfields.URL(path), logfields.Error(err))
				continue
			}
			out = append(out, refs...)
		}
		return out, nil
	}

	for _, path := range dynastyFeedPaths {
		refs, err := d.discoverFeed(ctx, path)
		if err != nil {
			d.log.Debug("dynasty feed unavailable", logfields.URL(path), logfields.Error(err))
			continue
		}
		if len(refs) > 0 {
			return refs, nil
		}
	}
	for _, lp := range dynastyListingPaths {
		refs, err := d.parseListing(ctx, lp.path, docTypeForPath(lp.key))
		if err != nil {
			d.log.Debug("dynasty listing unavailable", logfields.URL(lp.path), logfields.Error(err))
			continue
		}
		if len(refs) > 0 {
			return refs, nil
		}
	}
	return nil, nil
}

// discoverPath reads one configured path, which may serve either a
// feed or an HTML listing.
func (d *Dynasty) discoverPath(ctx context.Context, path, docType string) ([]DocumentRef, error) {
	pageURL, ok := resolveAgainst(d.src.BaseURL, path)
	if !ok {
		return nil, werrors.Newf(werrors.KindInternal, "invalid listing path %q", path)
	}
	resp, err := d.http.Fetch(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	if looksLikeFeed(resp.ContentType, resp.Body) {
		return d.parseFeed(resp.Text(), docType)
	}
	return d.parseListingResponse(ctx, resp.Body, resp.ContentType, resp.FinalURL, docType)
}

func (d *Dynasty) discoverFeed(ctx context.Context, path string) ([]DocumentRef, error) {
	feedURL, ok := resolveAgainst(d.src.BaseURL, path)
	if !ok {
		return nil, werrors.Newf(werrors.KindInternal, "invalid feed path %q", path)
	}
	resp, err := d.http.Fetch(ctx, feedURL)
	if err != nil {
		return nil, err
	}
	if !looksLikeFeed(resp.ContentType, resp.Body) {
		return nil, werrors.New(werrors.KindParseFailure, "not a feed")
	}
	return d.parseFeed(resp.Text(), "minutes")
}

func (d *Dynasty) parseFeed(content, docType string) ([]DocumentRef, error) {
	feed, err := gofeed.NewParser().ParseString(content)
	if err != nil {
		return nil, werrors.Wrap(err, werrors.KindParseFailure, "parse meeting feed")
	}
	var out []DocumentRef
	for _, item := range feed.Items {
		if item.Link == "" {
			continue
		}
		ref := DocumentRef{
			DocType:     docType,
			Title:       item.Title,
			SourceURL:   item.Link,
			Body:        extractBody(item.Title, d.cfg.BodyPatterns),
			PublishedAt: item.PublishedParsed,
			MeetingDate: extractDate(item.Title),
		}
		if ref.MeetingDate == nil {
			ref.MeetingDate = item.PublishedParsed
		}
		if id := queryParam(item.Link, "docid"); id != "" {
			ref.ExternalID = id
		}
		out = append(out, d.finish(ref))
	}
	return out, nil
}

func (d *Dynasty) parseListing(ctx context.Context, path, docType string) ([]DocumentRef, error) {
	pageURL, ok := resolveAgainst(d.src.BaseURL, path)
	if !ok {
		return nil, werrors.Newf(werrors.KindInternal, "invalid listing path %q", path)
	}
	resp, err := d.http.Fetch(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	return d.parseListingResponse(ctx, resp.Body, resp.ContentType, resp.FinalURL, docType)
}

func (d *Dynasty) parseListingResponse(ctx context.Context, body []byte, contentType, finalURL, docType string) ([]DocumentRef, error) {
	doc, err := parsePage(body, contentType)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(finalURL)
	if err != nil {
		return nil, werrors.Wrap(err, werrors.KindParseFailure, "listing url")
	}

	// Framesets: the real listing lives in the content frame.
	for _, frame := range collectElements(doc, "frame") {
		src, ok := attr(frame, "src")
		if !ok || !containsAny(src, dynastyFrameKeywords) {
			continue
		}
		frameURL, ok := resolve(base, src)
		if !ok {
			continue
		}
		resp, err := d.http.Fetch(ctx, frameURL)
		if err != nil {
			d.log.Debug("dynasty frame unavailable", logfields.URL(frameURL), logfields.Error(err))
			continue
		}
		if inner, err := parsePage(resp.Body, resp.ContentType); err == nil {
			doc = inner
			if u, err := url.Parse(resp.FinalURL); err == nil {
				base = u
			}
		}
	}

	var out []DocumentRef
	for _, a := range collectAnchors(doc) {
		if !containsAny(a.href, dynastyItemKeywords) {
			continue
		}
		full, ok := resolve(base, a.href)
		if !ok || full == base.String() {
			continue
		}

		ref := DocumentRef{
			DocType:     docType,
			Title:       a.text,
			SourceURL:   full,
			Body:        extractBody(a.text, d.cfg.BodyPatterns),
			MeetingDate: extractDate(a.text),
			FileURLs:    d.filesOnPage(ctx, full),
		}
		if ref.Title == "" {
			ref.Title = "Document"
		}
		if id := queryParam(full, "docid"); id != "" {
			ref.ExternalID = id
		}
		out = append(out, d.finish(ref))
	}
	return out, nil
}

func (d *Dynasty) filesOnPage(ctx context.Context, pageURL string) []string {
	resp, err := d.http.Fetch(ctx, pageURL)
	if err != nil {
		d.log.Debug("dynasty item page unavailable", logfields.URL(pageURL), logfields.Error(err))
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
	return pdfAnchors(doc, base, dynastyPDFPattern)
}

func looksLikeFeed(contentType string, body []byte) bool {
	if strings.Contains(contentType, "xml") {
		return true
	}
	head := body
	if len(head) > 500 {
		head = head[:500]
	}
	return strings.Contains(string(head), "<rss")
}

package connector

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"git.home.luguber.info/inful/watchdog/internal/logfields"
	"git.home.luguber.info/inful/watchdog/internal/store"
	"git.home.luguber.info/inful/watchdog/internal/werrors"
)

// TWeb discovers documents from TWeb/KTweb instances. Listings are
// plain HTML tables; file links go through the fileshow CGI with a
// docid parameter that doubles as the stable external id.
type TWeb struct {
	base
}

func (t *TWeb) Platform() string { return store.PlatformTWeb }

var (
	twebRowKeywords = []string{"fileshow", "docid", "kokous", "meeting", "htmtxt"}
	twebPDFPattern  = regexp.MustCompile(`(?i)fileshow|\.pdf`)

	twebListingPaths = []struct{ path, key string }{
		{"/ktwebscr/pk_tek_tweb.htm", "meetings"},
		{"/ktwebbin/dbisa.dll/ktwebscr/pk_tek_tweb.htm", "meetings"},
		{"/ktwebscr/epj_tek_tweb.htm", "agendas"},
		{"/ktwebbin/dbisa.dll/ktwebscr/epj_tek_tweb.htm", "agendas"},
		{"/ktwebscr/vparhaku_tweb.htm", "officer_decisions"},
		{"/ktwebscr/kuullist_tweb.htm", "announcements"},
	}
)

func (t *TWeb) Discover(ctx context.Context) ([]DocumentRef, error) {
	if len(t.cfg.Paths) > 0 {
		var out []DocumentRef
		for pathKey, path := range t.cfg.Paths {
			if path == "" {
				continue
			}
			refs, err := t.parseListing(ctx, path, docTypeForPath(pathKey))
			if err != nil {
				t.log.Warn("tweb listing failed", logfields.URL(path), logfields.Error(err))
				continue
			}
			out = append(out, refs...)
		}
		return out, nil
	}

	for _, lp := range twebListingPaths {
		refs, err := t.parseListing(ctx, lp.path, docTypeForPath(lp.key))
		if err != nil {
			t.log.Debug("tweb listing unavailable", logfields.URL(lp.path), logfields.Error(err))
			continue
		}
		if len(refs) > 0 {
			return refs, nil
		}
	}
	return nil, nil
}

func (t *TWeb) parseListing(ctx context.Context, path, docType string) ([]DocumentRef, error) {
	pageURL, ok := resolveAgainst(t.src.BaseURL, path)
	if !ok {
		return nil, werrors.Newf(werrors.KindInternal, "invalid listing path %q", path)
	}
	resp, err := t.http.Fetch(ctx, pageURL)
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
	seen := make(map[string]struct{})
	add := func(ref DocumentRef) {
		if _, dup := seen[ref.SourceURL]; dup {
			return
		}
		seen[ref.SourceURL] = struct{}{}
		out = append(out, t.finish(ref))
	}

	for _, row := range collectElements(doc, "tr") {
		if countCells(row) < 2 {
			continue
		}
		rowText := nodeText(row)
		for _, a := range collectAnchors(row) {
			if !containsAny(a.href, twebRowKeywords) {
				continue
			}
			full, ok := resolve(base, a.href)
			if !ok {
				continue
			}

			var fileURLs []string
			if l := strings.ToLower(a.href); strings.Contains(l, "fileshow") || strings.Contains(l, ".pdf") {
				fileURLs = []string{full}
			} else {
				fileURLs = t.filesOnPage(ctx, full)
			}

			title := a.text
			if title == "" {
				title = truncate(rowText, 100)
			}
			ref := DocumentRef{
				DocType:     docType,
				Title:       title,
				SourceURL:   full,
				Body:        extractBody(rowText, t.cfg.BodyPatterns),
				MeetingDate: extractDate(rowText),
				FileURLs:    fileURLs,
			}
			if id := queryParam(full, "docid"); id != "" {
				ref.ExternalID = id
			}
			add(ref)
		}
	}

	// Direct fileshow links outside tables.
	for _, a := range collectAnchors(doc) {
		l := strings.ToLower(a.href)
		if !strings.Contains(l, "fileshow") || !strings.Contains(l, "docid") {
			continue
		}
		full, ok := resolve(base, a.href)
		if !ok {
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
			Body:        extractBody(a.text, t.cfg.BodyPatterns),
			MeetingDate: extractDate(a.text),
			FileURLs:    []string{full},
		}
		if id := queryParam(full, "docid"); id != "" {
			ref.ExternalID = id
		}
		add(ref)
	}
	return out, nil
}

func (t *TWeb) filesOnPage(ctx context.Context, pageURL string) []string {
	resp, err := t.http.Fetch(ctx, pageURL)
	if err != nil {
		t.log.Debug("tweb item page unavailable", logfields.URL(pageURL), logfields.Error(err))
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
	return pdfAnchors(doc, base, twebPDFPattern)
}

func countCells(row *html.Node) int {
	n := 0
	walk(row, func(c *html.Node) {
		if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
			n++
		}
	})
	return n
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Cut on a rune boundary.
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

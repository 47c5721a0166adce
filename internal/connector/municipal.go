package connector

import (
	"context"
	"net/url"
	"regexp"

	"git.home.luguber.info/inful/watchdog/internal/logfields"
	"git.home.luguber.info/inful/watchdog/internal/store"
	"git.home.luguber.info/inful/watchdog/internal/werrors"
)

// MunicipalWebsite is the generic scraper for municipalities that
// publish PDFs straight on their website (WordPress and the like).
// Every anchor matching pdf_pattern on a configured listing page
// becomes a document; metadata comes from the anchor's parent block.
type MunicipalWebsite struct {
	base
}

func (m *MunicipalWebsite) Platform() string { return store.PlatformMunicipalWebsite }

const defaultPDFPattern = `(?i)\.pdf`

func (m *MunicipalWebsite) Discover(ctx context.Context) ([]DocumentRef, error) {
	pattern := m.cfg.PDFPattern
	if pattern == "" {
		pattern = defaultPDFPattern
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, werrors.Wrap(err, werrors.KindInternal, "invalid pdf_pattern")
	}

	paths := m.cfg.Paths
	if len(paths) == 0 {
		paths = make(map[string]string)
		listing := m.cfg.ListingPaths
		if len(listing) == 0 {
			listing = []string{"/"}
		}
		for _, p := range listing {
			paths[p] = p
		}
	}

	var out []DocumentRef
	for pathKey, path := range paths {
		if path == "" {
			continue
		}
		refs, err := m.parseListing(ctx, path, pathKey, re)
		if err != nil {
			m.log.Warn("website listing failed", logfields.URL(path), logfields.Error(err))
			continue
		}
		out = append(out, refs...)
	}
	return out, nil
}

func (m *MunicipalWebsite) parseListing(ctx context.Context, path, pathKey string, re *regexp.Regexp) ([]DocumentRef, error) {
	pageURL, ok := resolveAgainst(m.src.BaseURL, path)
	if !ok {
		return nil, werrors.Newf(werrors.KindInternal, "invalid listing path %q", path)
	}
	resp, err := m.http.Fetch(ctx, pageURL)
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
		if !re.MatchString(a.href) {
			continue
		}
		full, ok := resolve(base, a.href)
		if !ok {
			continue
		}
		around := blockText(a.node)
		if around == "" {
			around = a.text
		}

		title := a.text
		if title == "" {
			title = truncate(around, 100)
		}
		out = append(out, m.finish(DocumentRef{
			DocType:     m.docType(pathKey, around, a.href),
			Title:       title,
			SourceURL:   full,
			Body:        extractBody(around, m.cfg.BodyPatterns),
			MeetingDate: extractDate(around),
			FileURLs:    []string{full},
		}))
	}
	return out, nil
}

// docType prefers the configured path key, falling back to keyword
// inference over the surrounding text and the file name.
func (m *MunicipalWebsite) docType(pathKey, around, href string) string {
	switch pathKey {
	case "meetings", "agendas", "officer_decisions", "announcements":
		return docTypeForPath(pathKey)
	}
	return inferDocType(around + " " + href)
}

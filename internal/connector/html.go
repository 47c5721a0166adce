package connector

import (
	"bytes"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/charmap"

	"git.home.luguber.info/inful/watchdog/internal/werrors"
)

// parsePage decodes the body to UTF-8 (older TWeb instances serve
// latin-1) and parses it into a node tree.
func parsePage(body []byte, contentType string) (*html.Node, error) {
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		// Charset sniffing gave up; the legacy platforms this happens
		// on are latin-1.
		r = charmap.ISO8859_1.NewDecoder().Reader(bytes.NewReader(body))
	}
	doc, err := html.Parse(r)
	if err != nil {
		return nil, werrors.Wrap(err, werrors.KindParseFailure, "parse html")
	}
	return doc, nil
}

type anchor struct {
	href string
	text string
	node *html.Node
}

// collectAnchors returns every <a href> in document order.
func collectAnchors(root *html.Node) []anchor {
	var out []anchor
	walk(root, func(n *html.Node) {
		if n.Type != html.ElementNode || n.Data != "a" {
			return
		}
		href, ok := attr(n, "href")
		if !ok {
			return
		}
		out = append(out, anchor{href: href, text: nodeText(n), node: n})
	})
	return out
}

// collectElements returns every element with the given tag name.
func collectElements(root *html.Node, tag string) []*html.Node {
	var out []*html.Node
	walk(root, func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == tag {
			out = append(out, n)
		}
	})
	return out
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// nodeText concatenates the text content below n, whitespace-collapsed.
func nodeText(n *html.Node) string {
	var sb strings.Builder
	walk(n, func(c *html.Node) {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
			sb.WriteByte(' ')
		}
	})
	return strings.Join(strings.Fields(sb.String()), " ")
}

// blockText returns the text of the nearest block-level ancestor, used
// to pick up dates and committee names printed next to a link.
func blockText(n *html.Node) string {
	blocks := map[string]bool{
		"li": true, "p": true, "div": true, "td": true, "tr": true,
		"article": true, "section": true,
	}
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && blocks[p.Data] {
			return nodeText(p)
		}
	}
	return nodeText(n)
}

// --- Finnish metadata extraction ---

const bodyUnknown = "Tuntematon"

// bodyTable maps lowercase keywords to canonical committee names.
// Order matters: specific names shadow their generic suffixes.
var bodyTable = []struct{ keyword, name string }{
	{"kaupunginvaltuusto", "Kaupunginvaltuusto"},
	{"maakuntavaltuusto", "Maakuntavaltuusto"},
	{"aluevaltuusto", "Aluevaltuusto"},
	{"valtuusto", "Kunnanvaltuusto"},
	{"kaupunginhallitus", "Kaupunginhallitus"},
	{"maakuntahallitus", "Maakuntahallitus"},
	{"aluehallitus", "Aluehallitus"},
	{"hallitus", "Kunnanhallitus"},
	{"ympäristö", "Ympäristölautakunta"},
	{"tekninen", "Tekninen lautakunta"},
	{"kaavoitus", "Kaavoituslautakunta"},
	{"rakennus", "Rakennuslautakunta"},
	{"keskusvaali", "Keskusvaalilautakunta"},
	{"lupa", "Lupalautakunta"},
	{"hyvinvointi", "Hyvinvointilautakunta"},
	{"sivistys", "Sivistyslautakunta"},
	{"tarkastus", "Tarkastuslautakunta"},
	{"elinvoima", "Elinvoimalautakunta"},
}

// extractBody matches the committee name from free text. Per-source
// overrides win over the built-in table.
func extractBody(text string, overrides map[string]string) string {
	l := strings.ToLower(text)
	for kw, name := range overrides {
		if strings.Contains(l, strings.ToLower(kw)) {
			return name
		}
	}
	for _, e := range bodyTable {
		if strings.Contains(l, e.keyword) {
			return e.name
		}
	}
	return bodyUnknown
}

var (
	dateFinnish = regexp.MustCompile(`(\d{1,2})\.(\d{1,2})\.(\d{4})`)
	dateISO     = regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})`)
)

// extractDate finds the first d.m.yyyy or yyyy-mm-dd date in text.
func extractDate(text string) *time.Time {
	if m := dateFinnish.FindStringSubmatch(text); m != nil {
		if t, ok := makeDate(m[3], m[2], m[1]); ok {
			return t
		}
	}
	if m := dateISO.FindStringSubmatch(text); m != nil {
		if t, ok := makeDate(m[1], m[2], m[3]); ok {
			return t
		}
	}
	return nil
}

func makeDate(y, m, d string) (*time.Time, bool) {
	yy, mm, dd := atoi(y), atoi(m), atoi(d)
	t := time.Date(yy, time.Month(mm), dd, 0, 0, 0, 0, time.UTC)
	// time.Date normalizes out-of-range components; reject those.
	if t.Year() != yy || int(t.Month()) != mm || t.Day() != dd {
		return nil, false
	}
	return &t, true
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}

// inferDocType reads the document type off Finnish keywords in text.
func inferDocType(text string) string {
	l := strings.ToLower(text)
	switch {
	case strings.Contains(l, "esityslista"):
		return "agenda"
	case strings.Contains(l, "pöytäkirja"), strings.Contains(l, "poytakirja"):
		return "minutes"
	// ASCII-folded forms show up in file names.
	case strings.Contains(l, "päätös"), strings.Contains(l, "paatos"), strings.Contains(l, "viranhaltija"):
		return "decision"
	case strings.Contains(l, "kuulutus"):
		return "announcement"
	default:
		return "minutes"
	}
}

func containsAny(s string, keywords []string) bool {
	l := strings.ToLower(s)
	for _, kw := range keywords {
		if strings.Contains(l, kw) {
			return true
		}
	}
	return false
}

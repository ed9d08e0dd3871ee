package crawl

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	popupPattern    = regexp.MustCompile(`popup\('(/cdje/consultaSimples\.do\?[^']+)'\)`)
	nextPagePattern = regexp.MustCompile(`trocaDePg\((\d+)\)`)
)

const nextPageLabel = "Próximo"

// downloadParams are the reference query parameters that identify one gazette page.
var downloadParams = []string{"cdVolume", "nuDiario", "cdCaderno", "nuSeqpagina"}

// Location is one candidate document found on a result page.
type Location struct {
	// Reference is the absolute "open document" link from the results.
	Reference string
	// Download is the direct document address derived from Reference.
	Download string
}

// ExtractLocations finds the document links on a result page, resolved against baseURL
// and de-duplicated in discovery order.
func ExtractLocations(markup, baseURL string) ([]Location, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse results markup: %w", err)
	}

	var locations []Location
	seen := make(map[string]struct{})
	doc.Find("a[onclick]").Each(func(_ int, s *goquery.Selection) {
		onclick, _ := s.Attr("onclick")
		m := popupPattern.FindStringSubmatch(onclick)
		if m == nil {
			return
		}
		ref, err := base.Parse(html.UnescapeString(m[1]))
		if err != nil {
			return
		}
		abs := ref.String()
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		locations = append(locations, Location{Reference: abs, Download: downloadURL(ref)})
	})
	return locations, nil
}

// downloadURL maps a reference link to the direct page download, or returns the
// reference unchanged when an identifying parameter is missing.
func downloadURL(ref *url.URL) string {
	q := ref.Query()
	parts := make([]string, 0, len(downloadParams)+1)
	for _, key := range downloadParams {
		v := q.Get(key)
		if v == "" {
			return ref.String()
		}
		parts = append(parts, key+"="+url.QueryEscape(v))
	}
	parts = append(parts, "uuidCaptcha=")
	return fmt.Sprintf("%s://%s/cdje/getPaginaDoDiario.do?%s", ref.Scheme, ref.Host, strings.Join(parts, "&"))
}

// findNextPage returns the page number of an enabled, visible "next page" control.
func findNextPage(markup string) (int, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return 0, false
	}
	next, found := 0, false
	doc.Find("a").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !strings.Contains(s.Text(), nextPageLabel) {
			return true
		}
		onclick, _ := s.Attr("onclick")
		m := nextPagePattern.FindStringSubmatch(onclick)
		if m == nil || disabledOrHidden(s) {
			return true
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return true
		}
		next, found = n, true
		return false
	})
	return next, found
}

func disabledOrHidden(s *goquery.Selection) bool {
	if _, ok := s.Attr("disabled"); ok {
		return true
	}
	if s.HasClass("disabled") {
		return true
	}
	hidden := false
	s.AddSelection(s.Parents()).EachWithBreak(func(_ int, el *goquery.Selection) bool {
		if _, ok := el.Attr("hidden"); ok {
			hidden = true
			return false
		}
		style, _ := el.Attr("style")
		style = strings.ToLower(strings.ReplaceAll(style, " ", ""))
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			hidden = true
			return false
		}
		return true
	})
	return hidden
}

// paginateScript marks the current results stale and invokes the page's own pager.
func paginateScript(page int) string {
	return fmt.Sprintf(`(function(){
  var c = document.querySelector(%q);
  if (c) { c.setAttribute(%q, "1"); }
  trocaDePg(%d);
  return true;
})()`, resultsSelector, staleAttr, page)
}

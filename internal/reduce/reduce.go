// Package reduce converts listing-page HTML into compact text for
// classification and splits that text into token-bounded chunks.
package reduce

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

// Strategy names the extraction path that produced a Reduction.
type Strategy string

// Extraction strategies, in the order they are tried.
const (
	StrategyTable       Strategy = "table"
	StrategyMain        Strategy = "main"
	StrategyReadability Strategy = "readability"
	StrategyPage        Strategy = "page"
)

// Reduction is the reduced text of one page.
type Reduction struct {
	Text     string
	Strategy Strategy
	Rows     int
}

var (
	listingHeaderTerms = []string{"document id", "event name", "rfp", "due date", "response"}
	strippedTags       = "script, style, noscript, nav, footer, header"
)

// minReadableChars is the smallest readability extraction accepted before
// falling back to whole-page text.
const minReadableChars = 500

// Reduce extracts the listing table from rawHTML if one exists, otherwise the
// main content region, otherwise the page's visible text. Relative links are
// resolved against pageURL.
func Reduce(rawHTML, pageURL string) Reduction {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return Reduction{Text: strings.TrimSpace(rawHTML), Strategy: StrategyPage}
	}
	base, _ := url.Parse(pageURL)

	if table := findListingTable(doc); table != nil {
		lines := tableLines(table, base)
		return Reduction{Text: strings.Join(lines, "\n"), Strategy: StrategyTable, Rows: len(lines)}
	}

	if main := findMainRegion(doc); main != nil {
		main.Find(strippedTags).Remove()
		return Reduction{Text: visibleText(main), Strategy: StrategyMain}
	}

	if text := readableText(rawHTML, base); len(text) >= minReadableChars {
		return Reduction{Text: text, Strategy: StrategyReadability}
	}

	body := doc.Selection
	body.Find(strippedTags).Remove()
	return Reduction{Text: visibleText(body), Strategy: StrategyPage}
}

func findListingTable(doc *goquery.Document) *goquery.Selection {
	var found *goquery.Selection
	doc.Find("table").EachWithBreak(func(_ int, table *goquery.Selection) bool {
		var header []string
		table.Find("th, td").EachWithBreak(func(i int, cell *goquery.Selection) bool {
			header = append(header, strings.ToLower(cellText(cell)))
			return i < 9
		})
		joined := strings.Join(header, " ")
		for _, term := range listingHeaderTerms {
			if strings.Contains(joined, term) {
				found = table
				return false
			}
		}
		return true
	})
	return found
}

func tableLines(table *goquery.Selection, base *url.URL) []string {
	var lines []string
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		var cells []string
		row.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
			text := cellText(cell)
			cell.Find("a[href]").Each(func(_ int, link *goquery.Selection) {
				href, _ := link.Attr("href")
				href = strings.TrimSpace(href)
				if href == "" || strings.HasPrefix(href, "#") {
					return
				}
				text += " [URL: " + absolute(base, href) + "]"
			})
			cells = append(cells, text)
		})
		line := strings.Join(cells, " | ")
		if strings.TrimSpace(strings.ReplaceAll(line, "|", "")) != "" {
			lines = append(lines, line)
		}
	})
	return lines
}

func findMainRegion(doc *goquery.Document) *goquery.Selection {
	for _, sel := range []string{"main", "article", "div#main-content"} {
		if found := doc.Find(sel).First(); found.Length() > 0 {
			return found
		}
	}
	return nil
}

func readableText(rawHTML string, base *url.URL) string {
	if base == nil {
		return ""
	}
	parser := readability.NewParser()
	article, err := parser.Parse(strings.NewReader(rawHTML), base)
	if err != nil || article.Content == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(article.Content))
	if err != nil {
		return ""
	}
	return visibleText(doc.Selection)
}

func cellText(cell *goquery.Selection) string {
	return strings.Join(strings.Fields(cell.Text()), " ")
}

// visibleText joins every non-blank text node under sel, one per line.
func visibleText(sel *goquery.Selection) string {
	var lines []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				lines = append(lines, text)
			}
			return
		}
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style" || n.Data == "noscript") {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	return strings.Join(lines, "\n")
}

func absolute(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil || base == nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

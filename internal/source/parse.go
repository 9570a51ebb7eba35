package source

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/lexiai-legal/uae-crawler/internal/crawl"
)

var (
	pagingParamRe = regexp.MustCompile(`ccm_paging_p=(\d+)`)
	listingDateRe = regexp.MustCompile(`([A-Za-z]+\s+\d{1,2},\s+\d{4})`)
	titleYearRe   = regexp.MustCompile(`\b(20\d{2})\b`)
	legislationRe = regexp.MustCompile(`/legislations/(\d+)`)
)

func resolveURL(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return b.ResolveReference(ref).String()
}

// parseCategories extracts the judgments-orders category links from the
// DIFC landing page.
func parseCategories(html, baseURL string) ([]crawl.Collection, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	var cols []crawl.Collection
	seen := make(map[string]struct{})
	doc.Find(`div.content a[href*="judgments-orders"]`).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		name := strings.TrimSpace(strings.ReplaceAll(a.Text(), " ", " "))
		if href == "" || name == "" {
			return
		}
		full := resolveURL(baseURL, href)
		if _, dup := seen[full]; dup {
			return
		}
		seen[full] = struct{}{}
		cols = append(cols, crawl.Collection{Name: name, URL: full})
	})
	return cols, nil
}

// parseMaxPage reads the highest page number out of the ccm pagination
// widget. A page with no pagination is a single-page collection.
func parseMaxPage(html string) int {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return 1
	}

	maxPage := 1
	doc.Find(`div.ccm-pagination-wrapper a[href*="ccm_paging_p="]`).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if m := pagingParamRe.FindStringSubmatch(href); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > maxPage {
				maxPage = n
			}
		}
	})
	return maxPage
}

// parseJudgmentListing extracts items from a DIFC category listing page.
// The site serves two layouts: the standard result list and a grid layout
// used by a few categories.
func parseJudgmentListing(html, baseURL string) ([]crawl.Item, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	var items []crawl.Item

	standard := doc.Find("div.each_result.content_set")
	if standard.Length() > 0 {
		standard.Each(func(_ int, sel *goquery.Selection) {
			// Placeholder rows exist until lazy loading fills them in.
			if cls, _ := sel.Attr("class"); !strings.Contains(cls, "loaded") {
				return
			}
			link := sel.Find("h4 a").First()
			title := strings.TrimSpace(link.Text())
			href, _ := link.Attr("href")
			if title == "" || href == "" {
				return
			}

			var label, date string
			if lbl := sel.Find("p.label_small").First(); lbl.Length() > 0 {
				label = strings.TrimSpace(lbl.Text())
				if m := listingDateRe.FindStringSubmatch(label); m != nil {
					date = m[1]
				}
			}

			items = append(items, crawl.Item{
				Title: title,
				URL:   resolveURL(baseURL, href),
				Label: label,
				Date:  date,
			})
		})
		return items, nil
	}

	doc.Find("div.grid--listing.row.cd-listing div.col-sm-6 div.item").Each(func(_ int, sel *goquery.Selection) {
		title := strings.TrimSpace(sel.Find("h4").First().Text())
		if title == "" {
			return
		}
		link := sel.Find("a.download-btn").First()
		if link.Length() == 0 {
			link = sel.Find("a").First()
		}
		href, _ := link.Attr("href")
		if href == "" {
			return
		}

		var date string
		if m := titleYearRe.FindStringSubmatch(title); m != nil {
			date = m[1]
		}
		label := "Order"
		if strings.Contains(title, "Cassation") || strings.Contains(title, "Judgment") {
			label = "Judgment"
		}

		items = append(items, crawl.Item{
			Title: title,
			URL:   resolveURL(baseURL, href),
			Label: label,
			Date:  date,
		})
	})
	return items, nil
}

// parseLegislationRows extracts rows from the legislations table. The
// detail URL doubles as the dedup key; number and year come from the two
// centered spans of each row.
func parseLegislationRows(html, baseURL string) ([]crawl.Item, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	var items []crawl.Item
	doc.Find("#legislationsTable .body_tr").Each(func(_ int, row *goquery.Selection) {
		link := row.Find(".body_td > a").First()
		if link.Length() == 0 {
			link = row.Find("a").First()
		}
		title := strings.TrimSpace(link.Text())
		href, _ := link.Attr("href")
		if title == "" || href == "" {
			return
		}
		if !legislationRe.MatchString(href) {
			return
		}

		var number, year string
		spans := row.Find("span.text_center")
		if spans.Length() > 0 {
			number = strings.TrimSpace(spans.Eq(0).Text())
		}
		if spans.Length() > 1 {
			year = strings.TrimSpace(spans.Eq(1).Text())
		}

		items = append(items, crawl.Item{
			Title: title,
			URL:   resolveURL(baseURL, href),
			Label: strings.TrimSpace("Legislation " + number),
			Date:  year,
		})
	})
	return items, nil
}

// LegislationID pulls the numeric id out of a legislation detail URL.
func LegislationID(detailURL string) string {
	if m := legislationRe.FindStringSubmatch(detailURL); m != nil {
		return m[1]
	}
	return ""
}

// parseNextHref returns the paginator's next-page link, or "" when the
// last page was reached.
func parseNextHref(html, baseURL string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	next := doc.Find("#legislationsPaginator a.next_").First()
	if next.Length() == 0 {
		next = doc.Find(".table_pagination a.next_").First()
	}
	href, _ := next.Attr("href")
	href = strings.TrimSpace(href)
	if href == "" || href == "#" || strings.Contains(href, "javascript") {
		return ""
	}
	return resolveURL(baseURL, href)
}

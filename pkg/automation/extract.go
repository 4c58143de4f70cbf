package automation

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"igoutreach/pkg/models"
)

// ExtractHandles returns the distinct valid profile handles linked from
// html, in document order.
func ExtractHandles(html string) ([]models.Handle, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	seen := make(map[models.Handle]bool)
	var out []models.Handle
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		h := HandleFromHref(href)
		if h == "" || seen[h] || !IsValidHandle(h) {
			return
		}
		seen[h] = true
		out = append(out, h)
	})
	return out, nil
}

// ExtractAuthor returns the first profile link inside the post header, the
// usual place of the author.
func ExtractAuthor(html string) models.Handle {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	var author models.Handle
	doc.Find("header a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		if h := HandleFromHref(href); h != "" && IsValidHandle(h) {
			author = h
			return false
		}
		return true
	})
	return author
}

// Package extract turns rendered HTML into crawler.PageContent.
package extract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Page parses html served at pageURL. Image and link references are made
// absolute; images keep their query so signed URLs stay downloadable.
func Page(pageURL, html string) (crawler.PageContent, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return crawler.PageContent{}, fmt.Errorf("parse html: %w", err)
	}
	base := pageURL
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := crawler.ResolveReference(pageURL, href); err == nil {
			base = resolved
		}
	}
	return crawler.PageContent{
		Title:    title(doc),
		Content:  text(doc),
		Images:   images(doc, base),
		Links:    links(doc, base),
		FinalURL: pageURL,
	}, nil
}

func title(doc *goquery.Document) string {
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	if t, ok := doc.Find(`meta[property="og:title"]`).First().Attr("content"); ok && strings.TrimSpace(t) != "" {
		return strings.TrimSpace(t)
	}
	return collapse(doc.Find("h1").First().Text())
}

func text(doc *goquery.Document) string {
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template, svg, iframe").Remove()
	return collapse(body.Text())
}

func images(doc *goquery.Document, base string) []string {
	set := newOrderedSet()
	add := func(ref string) {
		ref = strings.TrimSpace(ref)
		if ref == "" || strings.HasPrefix(ref, "data:") {
			return
		}
		abs, err := crawler.ResolveReference(base, ref)
		if err != nil {
			return
		}
		set.add(abs)
	}
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		add(s.AttrOr("src", ""))
		add(s.AttrOr("data-src", ""))
		for _, candidate := range srcset(s.AttrOr("srcset", "")) {
			add(candidate)
		}
	})
	doc.Find("picture source[srcset]").Each(func(_ int, s *goquery.Selection) {
		for _, candidate := range srcset(s.AttrOr("srcset", "")) {
			add(candidate)
		}
	})
	doc.Find(`meta[property="og:image"]`).Each(func(_ int, s *goquery.Selection) {
		add(s.AttrOr("content", ""))
	})
	return set.items
}

func links(doc *goquery.Document, base string) []string {
	set := newOrderedSet()
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		lower := strings.ToLower(href)
		if strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "tel:") {
			return
		}
		abs, err := crawler.ResolveReference(base, href)
		if err != nil {
			return
		}
		set.add(abs)
	})
	return set.items
}

// srcset returns the URL of each candidate in a srcset attribute.
func srcset(attr string) []string {
	var out []string
	for _, candidate := range strings.Split(attr, ",") {
		fields := strings.Fields(candidate)
		if len(fields) > 0 {
			out = append(out, fields[0])
		}
	}
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

type orderedSet struct {
	seen  map[string]struct{}
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]struct{})}
}

func (o *orderedSet) add(v string) {
	if _, ok := o.seen[v]; ok {
		return
	}
	o.seen[v] = struct{}{}
	o.items = append(o.items, v)
}

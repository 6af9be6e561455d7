package cache

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/gallery-crawler/internal/media"
)

// PlayIndicator marks a box that links to a video page.
const PlayIndicator = "icon-play.svg"

var junkWords = []string{"logo", "placeholder", "blank.gif", PlayIndicator}

// IsJunkSource reports whether an image source is a UI asset rather than gallery content.
func IsJunkSource(src string) bool {
	lower := strings.ToLower(src)
	for _, j := range junkWords {
		if strings.Contains(lower, j) {
			return true
		}
	}
	return false
}

// ImageSource returns the usable source of an <img>: src, or data-src when src is empty or a
// blank.gif placeholder.
func ImageSource(sel *goquery.Selection) string {
	src := strings.TrimSpace(sel.AttrOr("src", ""))
	if src == "" || strings.Contains(src, "blank.gif") {
		if ds := strings.TrimSpace(sel.AttrOr("data-src", "")); ds != "" {
			src = ds
		}
	}
	return src
}

// HasImage reports whether the snippet has at least one <img> with a usable, non-junk source.
func HasImage(snippet string) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(snippet))
	if err != nil {
		return false
	}
	found := false
	doc.Find("img").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src := ImageSource(s)
		if src != "" && !IsJunkSource(src) {
			found = true
			return false
		}
		return true
	})
	return found
}

// HasPlayIndicator reports whether the snippet shows a play icon.
func HasPlayIndicator(snippet string) bool {
	return strings.Contains(strings.ToLower(snippet), PlayIndicator)
}

// Classify turns raw snippets (1-based by position) into Items and a Summary.
func Classify(snippets []string) ([]Item, Summary) {
	sum := Summary{RawBoxCount: len(snippets)}
	items := make([]Item, 0, len(snippets))
	for i, html := range snippets {
		idx := i + 1
		classified := false
		if HasImage(html) {
			items = append(items, Item{Index: idx, Kind: media.KindImage, HTML: html})
			sum.ImageCount++
			classified = true
		}
		if HasPlayIndicator(html) {
			items = append(items, Item{Index: idx, Kind: media.KindVideo, HTML: html})
			sum.VideoCount++
			classified = true
		}
		if classified {
			sum.BoxCount++
		}
	}
	return items, sum
}

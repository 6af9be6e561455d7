// Package extract turns classified gallery boxes into download targets.
package extract

import (
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/gallery-crawler/internal/cache"
	"github.com/JakeFAU/gallery-crawler/internal/media"
)

// Target is one media URL bound to the box index it was found at. For videos URL is the
// video page, which still has to go through the resolver.
type Target struct {
	Index int
	Kind  media.Kind
	URL   string
}

type key struct {
	index int
	url   string
}

// Targets extracts image and video targets from items. Relative links are resolved against
// baseURL. Each (index, url) pair is returned once per kind, ordered by index then URL.
func Targets(baseURL string, items []cache.Item) (images, videos []Target) {
	base, _ := url.Parse(strings.TrimRight(baseURL, "/") + "/")
	seenImg := map[key]struct{}{}
	seenVid := map[key]struct{}{}
	for _, it := range items {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(it.HTML))
		if err != nil {
			continue
		}
		switch it.Kind {
		case media.KindImage:
			if u := imageURL(doc, base); u != "" {
				images = appendUnique(images, seenImg, Target{Index: it.Index, Kind: media.KindImage, URL: u})
			}
		case media.KindVideo:
			if u := videoPageURL(doc, base); u != "" {
				videos = appendUnique(videos, seenVid, Target{Index: it.Index, Kind: media.KindVideo, URL: u})
			}
		}
	}
	sortTargets(images)
	sortTargets(videos)
	return images, videos
}

// imageURL returns the first usable, non-junk image source in the box.
func imageURL(doc *goquery.Document, base *url.URL) string {
	var out string
	doc.Find("img").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src := cache.ImageSource(s)
		if src == "" || cache.IsJunkSource(src) {
			return true
		}
		out = Normalize(base, src)
		return out == ""
	})
	return out
}

// videoPageURL returns the first link of a box that carries the play indicator.
func videoPageURL(doc *goquery.Document, base *url.URL) string {
	hasPlay := false
	doc.Find("img").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.Contains(s.AttrOr("src", ""), cache.PlayIndicator) {
			hasPlay = true
			return false
		}
		return true
	})
	if !hasPlay {
		return ""
	}
	href := strings.TrimSpace(doc.Find("a[href]").First().AttrOr("href", ""))
	if href == "" {
		return ""
	}
	return Normalize(base, href)
}

// Normalize makes ref absolute: protocol-relative links get https, everything else is resolved
// against base.
func Normalize(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return ""
	case strings.HasPrefix(ref, "//"):
		return "https:" + ref
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base == nil {
		return u.String()
	}
	return base.ResolveReference(u).String()
}

func appendUnique(dst []Target, seen map[key]struct{}, t Target) []Target {
	k := key{index: t.Index, url: t.URL}
	if _, dup := seen[k]; dup {
		return dst
	}
	seen[k] = struct{}{}
	return append(dst, t)
}

func sortTargets(ts []Target) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].Index != ts[j].Index {
			return ts[i].Index < ts[j].Index
		}
		return ts[i].URL < ts[j].URL
	})
}

// Package parser converts snapshots into structured records.
package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/lanternworks/harvester/internal/harvest"
)

// Goquery is the reference harvest.Parser. It extracts the minimal stable
// field set per page type; richer extraction plugs in behind the same
// contract. Parse is a pure function of (content, sourceURL).
type Goquery struct{}

// New creates the reference parser.
func New() *Goquery {
	return &Goquery{}
}

// Parse classifies the page by its source URL and extracts fields.
func (p *Goquery) Parse(content []byte, sourceURL string) (harvest.ParsedRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return harvest.ParsedRecord{}, &harvest.ParseError{URL: sourceURL, Reason: fmt.Sprintf("parse html: %v", err)}
	}

	pageType := PageTypeForURL(sourceURL)
	switch pageType {
	case harvest.PageTypeProfile:
		return p.parseProfile(doc, sourceURL)
	case harvest.PageTypeOrganization:
		return p.parseOrganization(doc, sourceURL)
	default:
		return p.parseSearch(doc, sourceURL)
	}
}

// PageTypeForURL maps a platform URL path onto the page type it serves.
func PageTypeForURL(sourceURL string) harvest.PageType {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return harvest.PageTypeSearch
	}
	path := strings.ToLower(u.Path)
	switch {
	case strings.Contains(path, "/in/"):
		return harvest.PageTypeProfile
	case strings.Contains(path, "/company/") || strings.Contains(path, "/org/"):
		return harvest.PageTypeOrganization
	default:
		return harvest.PageTypeSearch
	}
}

func (p *Goquery) parseProfile(doc *goquery.Document, sourceURL string) (harvest.ParsedRecord, error) {
	name := textOf(doc, "h1")
	if name == "" {
		return harvest.ParsedRecord{}, &harvest.ParseError{URL: sourceURL, Reason: "profile name marker missing"}
	}
	fields := map[string]string{
		"name":     name,
		"headline": textOf(doc, ".headline, [data-field=headline]"),
		"location": textOf(doc, ".location, [data-field=location]"),
	}

	// The current employer link is the cross-reference enrichment follows.
	orgRef := ""
	doc.Find("a[href*='/company/'], a[href*='/org/']").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, ok := sel.Attr("href")
		if !ok {
			return true
		}
		orgRef = orgSlug(href)
		return orgRef == ""
	})
	if orgRef != "" {
		fields["org"] = orgRef
	}

	return harvest.ParsedRecord{
		PageType: harvest.PageTypeProfile,
		Fields:   fields,
		OrgRef:   orgRef,
		Success:  true,
	}, nil
}

func (p *Goquery) parseOrganization(doc *goquery.Document, sourceURL string) (harvest.ParsedRecord, error) {
	name := textOf(doc, "h1")
	if name == "" {
		return harvest.ParsedRecord{}, &harvest.ParseError{URL: sourceURL, Reason: "organization name marker missing"}
	}
	return harvest.ParsedRecord{
		PageType: harvest.PageTypeOrganization,
		Fields: map[string]string{
			"name":     name,
			"industry": textOf(doc, ".industry, [data-field=industry]"),
			"size":     textOf(doc, ".company-size, [data-field=size]"),
		},
		OrgRef:  orgSlug(sourceURL),
		Success: true,
	}, nil
}

func (p *Goquery) parseSearch(doc *goquery.Document, sourceURL string) (harvest.ParsedRecord, error) {
	var links []string
	doc.Find("a[href*='/in/']").Each(func(_ int, sel *goquery.Selection) {
		if href, ok := sel.Attr("href"); ok {
			links = append(links, href)
		}
	})
	if len(links) == 0 {
		return harvest.ParsedRecord{}, &harvest.ParseError{URL: sourceURL, Reason: "no result links found"}
	}
	return harvest.ParsedRecord{
		PageType: harvest.PageTypeSearch,
		Fields: map[string]string{
			"results": strings.Join(links, "\n"),
		},
		Success: true,
	}, nil
}

func textOf(doc *goquery.Document, selector string) string {
	return strings.TrimSpace(doc.Find(selector).First().Text())
}

// orgSlug extracts the organization identity from a /company/ or /org/ link.
func orgSlug(href string) string {
	for _, marker := range []string{"/company/", "/org/"} {
		idx := strings.Index(href, marker)
		if idx == -1 {
			continue
		}
		rest := href[idx+len(marker):]
		if cut := strings.IndexAny(rest, "/?#"); cut != -1 {
			rest = rest[:cut]
		}
		return rest
	}
	return ""
}

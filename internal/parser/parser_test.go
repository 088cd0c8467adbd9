package parser

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lanternworks/harvester/internal/harvest"
)

const profileHTML = `<html><body>
<h1> Jane Doe </h1>
<div class="headline">Staff Engineer</div>
<div class="location">Lisbon, Portugal</div>
<a href="https://www.example.com/company/acme-corp/about">Acme Corp</a>
</body></html>`

const orgHTML = `<html><body>
<h1>Acme Corp</h1>
<div class="industry">Software</div>
<div class="company-size">201-500</div>
</body></html>`

const searchHTML = `<html><body>
<a href="/in/jane-doe">Jane Doe</a>
<a href="/in/john-smith">John Smith</a>
</body></html>`

func TestParseProfileExtractsFieldsAndOrgRef(t *testing.T) {
	t.Parallel()

	p := New()
	record, err := p.Parse([]byte(profileHTML), "https://www.example.com/in/jane-doe")
	require.NoError(t, err)
	require.True(t, record.Success)
	require.Equal(t, harvest.PageTypeProfile, record.PageType)
	require.Equal(t, "Jane Doe", record.Fields["name"])
	require.Equal(t, "Staff Engineer", record.Fields["headline"])
	require.Equal(t, "acme-corp", record.OrgRef)
}

func TestParseProfileMissingNameIsParseError(t *testing.T) {
	t.Parallel()

	p := New()
	_, err := p.Parse([]byte("<html><body><p>nothing here</p></body></html>"), "https://www.example.com/in/ghost")
	var parseErr *harvest.ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestParseOrganization(t *testing.T) {
	t.Parallel()

	p := New()
	record, err := p.Parse([]byte(orgHTML), "https://www.example.com/company/acme-corp")
	require.NoError(t, err)
	require.Equal(t, harvest.PageTypeOrganization, record.PageType)
	require.Equal(t, "Acme Corp", record.Fields["name"])
	require.Equal(t, "Software", record.Fields["industry"])
	require.Equal(t, "acme-corp", record.OrgRef)
}

func TestParseSearchCollectsResultLinks(t *testing.T) {
	t.Parallel()

	p := New()
	record, err := p.Parse([]byte(searchHTML), "https://www.example.com/search/results?keywords=engineer")
	require.NoError(t, err)
	require.Equal(t, harvest.PageTypeSearch, record.PageType)
	require.Contains(t, record.Fields["results"], "/in/jane-doe")
	require.Contains(t, record.Fields["results"], "/in/john-smith")
}

func TestParseSearchNoResultsIsParseError(t *testing.T) {
	t.Parallel()

	p := New()
	_, err := p.Parse([]byte("<html><body></body></html>"), "https://www.example.com/search/results")
	var parseErr *harvest.ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestParseIdempotentOnContent(t *testing.T) {
	t.Parallel()

	p := New()
	first, err := p.Parse([]byte(profileHTML), "https://www.example.com/in/jane-doe")
	require.NoError(t, err)
	second, err := p.Parse([]byte(profileHTML), "https://www.example.com/in/jane-doe")
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestPageTypeForURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, harvest.PageTypeProfile, PageTypeForURL("https://x.test/in/jane"))
	require.Equal(t, harvest.PageTypeOrganization, PageTypeForURL("https://x.test/company/acme"))
	require.Equal(t, harvest.PageTypeOrganization, PageTypeForURL("https://x.test/org/acme"))
	require.Equal(t, harvest.PageTypeSearch, PageTypeForURL("https://x.test/search/results"))
}

package parse

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL_NilInput(t *testing.T) {
	assert.Equal(t, "", NormalizeURL(nil))
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"LowercaseSchemeAndHost", "HTTPS://Market.TEST/Item/42", "https://market.test/Item/42"},
		{"DefaultHTTPSPortRemoved", "https://market.test:443/item/42", "https://market.test/item/42"},
		{"DefaultHTTPPortRemoved", "http://market.test:80/item/42", "http://market.test/item/42"},
		{"NonDefaultPortKept", "http://market.test:8080/item/42", "http://market.test:8080/item/42"},
		{"TrailingSlashRemoved", "https://market.test/item/42/", "https://market.test/item/42"},
		{"EmptyPathBecomesSlash", "https://market.test", "https://market.test/"},
		{"FragmentRemoved", "https://market.test/item/42#gallery", "https://market.test/item/42"},
		{"AdIDQueryKept", "https://market.test/ad.html?finnkode=42", "https://market.test/ad.html?finnkode=42"},
		{"TrackingParamsDropped", "https://market.test/item/42?utm_source=mail&ref=home&fbclid=x", "https://market.test/item/42"},
		{"QuerySorted", "https://market.test/ad?b=2&a=1&utm_medium=x", "https://market.test/ad?a=1&b=2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := url.Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, NormalizeURL(parsed))
		})
	}
}

func TestNormalizeURL_DoesNotModifyInput(t *testing.T) {
	u, err := url.Parse("HTTPS://Market.TEST/item/42/?utm_source=x#top")
	require.NoError(t, err)
	before := u.String()
	NormalizeURL(u)
	assert.Equal(t, before, u.String())
}

func TestParseAndNormalize(t *testing.T) {
	norm, parsed, err := ParseAndNormalize("https://market.test/item/42/")
	require.NoError(t, err)
	assert.Equal(t, "https://market.test/item/42", norm)
	assert.Equal(t, "/item/42/", parsed.Path)

	_, _, err = ParseAndNormalize("item/42")
	assert.Error(t, err)
}

package fulltext

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeDOI(t *testing.T) {
	tests := []struct {
		name     string
		doi      string
		expected string
	}{
		{"plain doi lowercased", "10.1000/ABC.123", "10.1000/abc.123"},
		{"https prefix stripped", "https://doi.org/10.1000/abc", "10.1000/abc"},
		{"http dx prefix stripped", "http://dx.doi.org/10.1000/abc", "10.1000/abc"},
		{"case-insensitive prefix", "HTTPS://DOI.ORG/10.1000/abc", "10.1000/abc"},
		{"surrounding whitespace", "  10.1000/abc  ", "10.1000/abc"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeDOI(tt.doi))
		})
	}
}

func TestNormalizeDOIIdempotent(t *testing.T) {
	once := NormalizeDOI("https://doi.org/10.1000/ABC")
	assert.Equal(t, once, NormalizeDOI(once))
}

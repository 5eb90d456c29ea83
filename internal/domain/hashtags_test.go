package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractHashtags(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"hello #jazz and #Live_Music!", []string{"jazz", "Live_Music"}},
		{"#Jazz #jazz #JAZZ", []string{"Jazz"}},
		{"no tags", []string{}},
		{"# lonely hash", []string{}},
		{"", []string{}},
		{"tag#inside word", []string{"inside"}},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, ExtractHashtags(tc.text), tc.text)
	}
}

func TestNormalizeTag(t *testing.T) {
	assert.Equal(t, "jazz", NormalizeTag("#Jazz"))
	assert.Equal(t, "jazz", NormalizeTag("  JAZZ "))
	assert.Equal(t, "", NormalizeTag("#"))
}

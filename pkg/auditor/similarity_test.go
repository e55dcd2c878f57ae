package auditor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"The Avengers", "avengers"},
		{"Avengers", "avengers"},
		{"A New Hope", "newhope"},
		{"  spaced  out  ", "spacedout"},
		{"Node-42!", "node42"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeName(tt.in), tt.in)
	}
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("The Avengers", "avengers"))
	assert.Equal(t, 1.0, Similarity("Sun", "sun"))
	assert.Less(t, Similarity("Sun", "Moon"), DuplicateThreshold)
	assert.Equal(t, 0.0, Similarity("", "anything"))
}

func TestIsDuplicate(t *testing.T) {
	assert.True(t, IsDuplicate("The Avengers", "Avengers"))
	assert.True(t, IsDuplicate("Colour", "Color"))
	assert.False(t, IsDuplicate("Mercury", "Neptune"))
}

package text

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "abc", Truncate("abc", 0))
	assert.Equal(t, "ab...", Truncate("abcdef", 2))
	// "é" is two bytes; never split it
	assert.Equal(t, "a...", Truncate("aébc", 2))
}

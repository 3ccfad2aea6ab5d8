package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateLockID(t *testing.T) {
	a := GenerateLockID("intake", "doc-1")
	assert.Equal(t, a, GenerateLockID("intake", "doc-1"))
	assert.NotEqual(t, a, GenerateLockID("intake", "doc-2"))
	assert.NotEqual(t, GenerateLockID("ab", "c"), GenerateLockID("a", "bc"))
}

package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFixedViewGenerator_Sequence(t *testing.T) {
	gen := NewFixedViewGenerator("page")

	assert.Equal(t, "page-1", gen.Generate())
	assert.Equal(t, "page-2", gen.Generate())
}

func TestFixedViewGenerator_EmptyPrefixDefault(t *testing.T) {
	gen := NewFixedViewGenerator("")

	assert.Equal(t, "view-1", gen.Generate())
}

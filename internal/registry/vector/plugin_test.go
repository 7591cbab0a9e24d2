package vector_test

import (
	"testing"

	"github.com/chirino/memory-sync/internal/registry/vector"
	"github.com/stretchr/testify/assert"
)

func TestNewestKeepsHighestVersion(t *testing.T) {
	got := vector.Newest([]vector.Entry{
		{MemoryID: "M1", Version: 4, ContentHash: "a"},
		{MemoryID: "M2", Version: 1, ContentHash: "b"},
		{MemoryID: "M1", Version: 9, ContentHash: "c"},
		{MemoryID: "M1", Version: 7, ContentHash: "d"},
	})
	assert.Equal(t, []vector.Entry{
		{MemoryID: "M1", Version: 9, ContentHash: "c"},
		{MemoryID: "M2", Version: 1, ContentHash: "b"},
	}, got)
}

func TestSelectUnknownStore(t *testing.T) {
	_, err := vector.Select("faiss")
	assert.ErrorContains(t, err, `unknown vector store "faiss"`)
}

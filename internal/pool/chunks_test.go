package pool

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkPool_GetPut(t *testing.T) {
	p := NewChunkPool(64)

	b := p.Get()
	require.Len(t, *b, 64)
	p.Put(b)

	// 截短的块归还后恢复完整长度
	b = p.Get()
	*b = (*b)[:10]
	p.Put(b)
	assert.Len(t, *p.Get(), 64)

	// 容量不符的块被丢弃
	foreign := make([]byte, 128)
	p.Put(&foreign)
	p.Put(nil)

	assert.Equal(t, int64(3), p.Stats().Gets)
}

func TestChunkPool_CopyLargerThanChunk(t *testing.T) {
	p := NewChunkPool(16)
	src := strings.Repeat("fbx-", 100)

	var dst bytes.Buffer
	n, err := p.Copy(&dst, strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, int64(len(src)), n)
	assert.Equal(t, src, dst.String())
}

func TestChunks_Shared(t *testing.T) {
	b := Chunks.Get()
	assert.Len(t, *b, ChunkSize)
	Chunks.Put(b)
	assert.GreaterOrEqual(t, Chunks.Stats().Gets, int64(1))
}

func TestChunkStats_ReuseRate(t *testing.T) {
	assert.Equal(t, float64(0), ChunkStats{}.ReuseRate())
	assert.Equal(t, 0.75, ChunkStats{Gets: 4, Allocs: 1}.ReuseRate())
}

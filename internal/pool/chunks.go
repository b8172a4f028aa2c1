package pool

import (
	"io"
	"sync"
	"sync/atomic"
)

// ChunkSize 上传、摘要与产物复制共用的分块大小
const ChunkSize = 4096

// ChunkPool 复用固定大小的字节块，避免每次流式复制都分配缓冲
type ChunkPool struct {
	size   int
	pool   sync.Pool
	gets   atomic.Int64
	allocs atomic.Int64
}

// NewChunkPool 创建分块池；size 必须为正
func NewChunkPool(size int) *ChunkPool {
	p := &ChunkPool{size: size}
	p.pool.New = func() any {
		p.allocs.Add(1)
		b := make([]byte, size)
		return &b
	}
	return p
}

// Chunks 进程级共享分块池
var Chunks = NewChunkPool(ChunkSize)

// Get 取出一个长度为 size 的块
func (p *ChunkPool) Get() *[]byte {
	p.gets.Add(1)
	return p.pool.Get().(*[]byte)
}

// Put 归还块；被截短或扩容过的块直接丢弃
func (p *ChunkPool) Put(b *[]byte) {
	if b == nil || cap(*b) != p.size {
		return
	}
	*b = (*b)[:p.size]
	p.pool.Put(b)
}

// Copy 用池中的块执行 io.CopyBuffer
func (p *ChunkPool) Copy(dst io.Writer, src io.Reader) (int64, error) {
	b := p.Get()
	defer p.Put(b)
	return io.CopyBuffer(dst, src, *b)
}

// ChunkStats 分块池计数
type ChunkStats struct {
	Gets   int64 `json:"gets"`
	Allocs int64 `json:"allocs"`
}

// ReuseRate 命中已有块的比例
func (s ChunkStats) ReuseRate() float64 {
	if s.Gets == 0 {
		return 0
	}
	return float64(s.Gets-s.Allocs) / float64(s.Gets)
}

func (p *ChunkPool) Stats() ChunkStats {
	return ChunkStats{Gets: p.gets.Load(), Allocs: p.allocs.Load()}
}

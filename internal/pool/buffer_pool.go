package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// BufferPool 复用拼接文本内容（生成器分块、并行步骤汇总）用的缓冲区。
// 容量超过 maxCap 的缓冲区在归还时丢弃，避免单次大输出长期占用内存。
type BufferPool struct {
	pool       sync.Pool
	initialCap int
	maxCap     int

	borrowed  atomic.Int64
	allocated atomic.Int64
	dropped   atomic.Int64
}

// NewBufferPool 创建缓冲池
func NewBufferPool(initialCap, maxCap int) *BufferPool {
	p := &BufferPool{initialCap: initialCap, maxCap: maxCap}
	p.pool.New = func() any {
		p.allocated.Add(1)
		return bytes.NewBuffer(make([]byte, 0, p.initialCap))
	}
	return p
}

// Get 借出一个空缓冲区
func (p *BufferPool) Get() *bytes.Buffer {
	p.borrowed.Add(1)
	return p.pool.Get().(*bytes.Buffer)
}

// Put 归还缓冲区，调用方之后不能再使用 b
func (p *BufferPool) Put(b *bytes.Buffer) {
	if b == nil {
		return
	}
	if p.maxCap > 0 && b.Cap() > p.maxCap {
		p.dropped.Add(1)
		return
	}
	b.Reset()
	p.pool.Put(b)
}

// BufferStats 缓冲池计数
type BufferStats struct {
	Borrowed  int64 `json:"borrowed"`
	Allocated int64 `json:"allocated"`
	Dropped   int64 `json:"dropped"`
}

// Stats 返回当前计数
func (p *BufferPool) Stats() BufferStats {
	return BufferStats{
		Borrowed:  p.borrowed.Load(),
		Allocated: p.allocated.Load(),
		Dropped:   p.dropped.Load(),
	}
}

// ReuseRate 借出中无需新分配的比例
func (s BufferStats) ReuseRate() float64 {
	if s.Borrowed == 0 {
		return 0
	}
	return float64(s.Borrowed-s.Allocated) / float64(s.Borrowed)
}

// ContentBuffers 工作流内容聚合共用的缓冲池
var ContentBuffers = NewBufferPool(4096, 1<<20)

package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

const (
	bufferSize = 1 << 10
	// 超过此容量的缓冲区不回收，避免一次大事件长期占用内存
	maxPooledBuffer = 64 << 10
)

var (
	buffers = sync.Pool{New: func() any {
		bufferAllocs.Add(1)
		return bytes.NewBuffer(make([]byte, 0, bufferSize))
	}}
	bufferAllocs atomic.Int64
)

// GetBuffer 取一个空缓冲区，用完交给 PutBuffer
func GetBuffer() *bytes.Buffer {
	return buffers.Get().(*bytes.Buffer)
}

// PutBuffer 归还缓冲区；过大的直接丢弃
func PutBuffer(b *bytes.Buffer) {
	if b == nil || b.Cap() > maxPooledBuffer {
		return
	}
	b.Reset()
	buffers.Put(b)
}

// BufferAllocs 累计新分配的缓冲区个数
func BufferAllocs() int64 { return bufferAllocs.Load() }

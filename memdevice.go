package iscsi

import (
	"fmt"
	"sync"
)

// MemoryDevice is a BlockDevice backed by a byte slice, used by tests and
// the example program. It serializes all access behind one mutex;
// TargetServer takes no lock of its own around device calls.
type MemoryDevice struct {
	mu        sync.Mutex
	data      []byte
	blockSize uint32
}

// NewMemoryDevice allocates a zero-filled device of the given capacity
// (in blocks) and block size.
func NewMemoryDevice(blocks uint64, blockSize uint32) *MemoryDevice {
	return &MemoryDevice{
		data:      make([]byte, blocks*uint64(blockSize)),
		blockSize: blockSize,
	}
}

// NewMemoryDeviceFromBytes wraps an existing buffer as a device; its
// length must be a multiple of blockSize.
func NewMemoryDeviceFromBytes(buf []byte, blockSize uint32) (*MemoryDevice, error) {
	if blockSize == 0 || uint64(len(buf))%uint64(blockSize) != 0 {
		return nil, fmt.Errorf("iscsi: buffer length %d is not a multiple of block size %d", len(buf), blockSize)
	}
	return &MemoryDevice{data: buf, blockSize: blockSize}, nil
}

func (d *MemoryDevice) ReadAt(lba uint64, blocks uint32, blockSize uint32) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := lba * uint64(blockSize)
	length := uint64(blocks) * uint64(blockSize)
	if off+length > uint64(len(d.data)) {
		return nil, fmt.Errorf("iscsi: read [%d,%d) out of bounds (capacity %d bytes)", off, off+length, len(d.data))
	}
	out := make([]byte, length)
	copy(out, d.data[off:off+length])
	return out, nil
}

func (d *MemoryDevice) WriteAt(lba uint64, data []byte, blockSize uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := lba * uint64(blockSize)
	if off+uint64(len(data)) > uint64(len(d.data)) {
		return fmt.Errorf("iscsi: write [%d,%d) out of bounds (capacity %d bytes)", off, off+uint64(len(data)), len(d.data))
	}
	copy(d.data[off:], data)
	return nil
}

func (d *MemoryDevice) Capacity() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(len(d.data)) / uint64(d.blockSize)
}

func (d *MemoryDevice) BlockSize() uint32 { return d.blockSize }

func (d *MemoryDevice) Flush() error { return nil }

// Package arena provides a fixed-size memory region carved into named
// sub-buffers plus a bump-allocated scratch area. It exists to keep large
// short-lived allocations (image rows, dither error buffers, layout arrays)
// away from the general heap.
package arena

import (
	"sync"
	"unsafe"

	"go.uber.org/zap"
)

// Region sizes. Primary is shared between zip inflation and image decoding,
// which never run at the same time. Work is sliced into fixed slots.
const (
	TotalBytes   = 80 * 1024
	PrimaryBytes = 32 * 1024

	RowBytes     = 4 * 1024
	DitherBytes  = 32 * 1024
	Image2Bytes  = 4 * 1024
	ScratchBytes = 8 * 1024
)

const (
	rowOffset     = PrimaryBytes
	ditherOffset  = rowOffset + RowBytes
	image2Offset  = ditherOffset + DitherBytes
	scratchOffset = image2Offset + Image2Bytes
)

// Arena owns one contiguous region for the lifetime of the process, or until
// Release is called to hand the memory back (it can be re-initialized later).
type Arena struct {
	log *zap.Logger

	mu     sync.Mutex
	buf    []byte
	offset int // bump watermark within the scratch slot
}

// New creates an uninitialized arena. Call Init before use.
func New(log *zap.Logger) *Arena {
	if log == nil {
		log = zap.NewNop()
	}
	return &Arena{log: log.Named("arena")}
}

// Init allocates the backing region. Calling Init on an initialized arena is
// a no-op.
func (a *Arena) Init() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.buf != nil {
		return
	}
	a.buf = make([]byte, TotalBytes)
	a.offset = 0
	a.log.Debug("arena initialized", zap.Int("bytes", TotalBytes))
}

// Release drops the backing region so the memory can be reclaimed. Any
// outstanding slices become stale; callers must not hold them across Release.
func (a *Arena) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf = nil
	a.offset = 0
	a.log.Debug("arena released")
}

// Valid reports whether the arena currently has a backing region.
func (a *Arena) Valid() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf != nil
}

// Primary returns the 32 KiB shared buffer. ZipBuffer and ImageBuffer are
// names for the same bytes; the two uses are mutually exclusive and the
// caller is responsible for not interleaving them.
func (a *Arena) Primary() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.buf == nil {
		return nil
	}
	return a.buf[:PrimaryBytes:PrimaryBytes]
}

// ZipBuffer aliases Primary for archive inflation.
func (a *Arena) ZipBuffer() []byte { return a.Primary() }

// ImageBuffer aliases Primary for image decoding.
func (a *Arena) ImageBuffer() []byte { return a.Primary() }

// Row returns the single-scanline staging slot.
func (a *Arena) Row() []byte { return a.slot(rowOffset, RowBytes) }

// Dither returns the error-diffusion row slot.
func (a *Arena) Dither() []byte { return a.slot(ditherOffset, DitherBytes) }

// Image2 returns the secondary image staging slot.
func (a *Arena) Image2() []byte { return a.slot(image2Offset, Image2Bytes) }

func (a *Arena) slot(off, n int) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.buf == nil {
		return nil
	}
	return a.buf[off : off+n : off+n]
}

// Alloc bump-allocates n bytes from the scratch slot, rounding the watermark
// up to a 4-byte boundary first. Returns nil when the arena is not
// initialized or the scratch slot is exhausted; callers fall back to the
// heap in that case.
func (a *Arena) Alloc(n int) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocLocked(n)
}

func (a *Arena) allocLocked(n int) []byte {
	if a.buf == nil || n < 0 {
		return nil
	}
	off := (a.offset + 3) &^ 3
	if off+n > ScratchBytes {
		return nil
	}
	a.offset = off + n
	base := scratchOffset + off
	return a.buf[base : base+n : base+n]
}

// AllocInts bump-allocates an int32 slice. The 4-byte alignment of Alloc
// makes the reinterpretation safe.
func (a *Arena) AllocInts(count int) []int32 {
	b := a.Alloc(count * 4)
	if b == nil {
		return nil
	}
	if count == 0 {
		return []int32{}
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&b[0])), count)
}

// Reset invalidates every outstanding scratch allocation wholesale.
func (a *Arena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.offset = 0
}

// Guard records the scratch watermark so it can be restored when the scope
// that needed the allocations exits. Guards nest: releasing a child restores
// to the child's checkpoint, releasing the outer guard reclaims its whole
// slice.
type Guard struct {
	a        *Arena
	mark     int
	released bool
}

// Scratch opens a guard at the current watermark.
func (a *Arena) Scratch() *Guard {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &Guard{a: a, mark: a.offset}
}

// Alloc allocates through the guard's arena.
func (g *Guard) Alloc(n int) []byte {
	if g.released {
		return nil
	}
	return g.a.Alloc(n)
}

// AllocInts allocates an int32 slice through the guard's arena.
func (g *Guard) AllocInts(count int) []int32 {
	if g.released {
		return nil
	}
	return g.a.AllocInts(count)
}

// Release restores the watermark recorded when the guard was opened.
// Releasing twice is harmless.
func (g *Guard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.a.mu.Lock()
	defer g.a.mu.Unlock()
	if g.mark < g.a.offset {
		g.a.offset = g.mark
	}
}

// WithScratch runs fn under a guard and restores the watermark on every exit
// path.
func (a *Arena) WithScratch(fn func(g *Guard) error) error {
	g := a.Scratch()
	defer g.Release()
	return fn(g)
}

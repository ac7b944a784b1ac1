//go:build linux

// Package stack owns the memory blocks that bootstrap a new execution
// context. A Block is a zero-initialized, memfd-backed mapping that the
// parent fills with the bootstrap record and the child maps from the
// inherited descriptor. The block is pinned for as long as an execution
// context owns it and refuses to be released until that context is reaped.
package stack

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultSize is the size of a block when none is configured.
const DefaultSize = 64 * 1024

const minSize = 4096

var (
	// ErrPinned is returned when releasing a block still owned by a live context.
	ErrPinned = errors.New("stack: block is pinned by a live execution context")
	// ErrReleased is returned when a released block is used again.
	ErrReleased = errors.New("stack: block already released")
)

// Arena hands out blocks and tracks how many are outstanding.
type Arena struct {
	mu          sync.Mutex
	outstanding int
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{}
}

// Block is exclusive ownership of one mapped region.
type Block struct {
	arena  *Arena
	mu     sync.Mutex
	file   *os.File
	mem    []byte
	pinned bool
	freed  bool
}

// Acquire allocates a zero-filled block of size bytes. size must be a
// multiple of the page size and at least one page; zero means DefaultSize.
func (a *Arena) Acquire(size int) (*Block, error) {
	if size == 0 {
		size = DefaultSize
	}
	if size < minSize || size%os.Getpagesize() != 0 {
		return nil, fmt.Errorf("stack: invalid size %d", size)
	}

	fd, err := unix.MemfdCreate("jail-stack", 0)
	if err != nil {
		return nil, fmt.Errorf("stack: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stack: ftruncate: %w", err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stack: mmap: %w", err)
	}

	a.mu.Lock()
	a.outstanding++
	a.mu.Unlock()

	return &Block{
		arena: a,
		file:  os.NewFile(uintptr(fd), "jail-stack"),
		mem:   mem,
	}, nil
}

// Outstanding returns the number of blocks not yet released.
func (a *Arena) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outstanding
}

// Size returns the mapped length.
func (b *Block) Size() int {
	return len(b.mem)
}

// Bytes exposes the mapped region. It must not be retained past Release.
func (b *Block) Bytes() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return nil, ErrReleased
	}
	return b.mem, nil
}

// File returns the descriptor to hand to the child process.
func (b *Block) File() *os.File {
	return b.file
}

// Pin marks the block as owned by an execution context.
func (b *Block) Pin() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return ErrReleased
	}
	if b.pinned {
		return ErrPinned
	}
	b.pinned = true
	return nil
}

// Unpin ends the context's ownership. Only the owner calls it, after reaping.
func (b *Block) Unpin() {
	b.mu.Lock()
	b.pinned = false
	b.mu.Unlock()
}

// Release unmaps and closes the block.
func (b *Block) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return ErrReleased
	}
	if b.pinned {
		return ErrPinned
	}
	b.freed = true

	var errs []error
	if err := unix.Munmap(b.mem); err != nil {
		errs = append(errs, fmt.Errorf("stack: munmap: %w", err))
	}
	b.mem = nil
	if err := b.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("stack: close: %w", err))
	}

	b.arena.mu.Lock()
	b.arena.outstanding--
	b.arena.mu.Unlock()

	return errors.Join(errs...)
}

// Map maps a block inherited through fd in the child. The returned
// function unmaps it.
func Map(fd uintptr) ([]byte, func() error, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(fd), &st); err != nil {
		return nil, nil, fmt.Errorf("stack: fstat: %w", err)
	}
	if st.Size <= 0 {
		return nil, nil, fmt.Errorf("stack: empty block")
	}
	mem, err := unix.Mmap(int(fd), 0, int(st.Size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("stack: mmap: %w", err)
	}
	return mem, func() error { return unix.Munmap(mem) }, nil
}

package codecache

import (
	"fmt"

	"go.uber.org/zap"
)

// FaintCacheBlock tracks the body of a method which is dead but may still be
// executing. Its bytes go back to the owning code cache once nothing runs it.
type FaintCacheBlock struct {
	metadata *MethodMetadata
	// bytesToSave is the prefix of the body kept after reclamation.
	bytesToSave int
	// isStillLive is set when a thread was seen executing the body since the
	// last reclamation.
	isStillLive bool
	next        *FaintCacheBlock
}

// Metadata returns the method the block belongs to.
func (b *FaintCacheBlock) Metadata() *MethodMetadata {
	return b.metadata
}

// AddFaintCacheBlock records the body of md as dead. The first bytesToSave
// bytes are kept when the block is reclaimed.
func (m *Manager) AddFaintCacheBlock(md *MethodMetadata, bytesToSave int) {
	if md == nil || md.Cache == nil {
		panic(fmt.Errorf("BUG: faint block without a code cache"))
	}
	if bytesToSave < 0 || bytesToSave > md.Size {
		panic(fmt.Errorf("BUG: faint block of %s saves %d of %d bytes", md.Ref, bytesToSave, md.Size))
	}
	m.faintMux.Lock()
	defer m.faintMux.Unlock()
	m.faintHead = &FaintCacheBlock{metadata: md, bytesToSave: bytesToSave, next: m.faintHead}
	m.numFaint++
}

// MarkFaintBlockLive marks the faint blocks of method as still executing, so
// that the next ReclaimFaintBlocks keeps them. It returns false if method has
// no faint block.
func (m *Manager) MarkFaintBlockLive(method MethodID) bool {
	m.faintMux.Lock()
	defer m.faintMux.Unlock()
	found := false
	for b := m.faintHead; b != nil; b = b.next {
		if b.metadata.Ref.Method == method {
			b.isStillLive = true
			found = true
		}
	}
	return found
}

// ReclaimFaintBlocks frees the faint blocks not marked live since the last
// call and returns their count. Blocks marked live are kept and unmarked. The
// host must hold exclusive access.
func (m *Manager) ReclaimFaintBlocks() int {
	n := m.removeFaintBlocks(func(b *FaintCacheBlock) bool {
		if b.isStillLive {
			b.isStillLive = false
			return false
		}
		return true
	})
	if n > 0 {
		m.logger.Debug("faint blocks reclaimed", zap.Int("count", n))
	}
	return n
}

// purgeFaintBlocks frees the faint blocks of methods loaded by loader. Nothing
// can run code of an unloaded loader, so liveness is not checked.
func (m *Manager) purgeFaintBlocks(loader LoaderID) int {
	return m.removeFaintBlocks(func(b *FaintCacheBlock) bool {
		return b.metadata.Ref.Loader == loader
	})
}

// removeFaintBlocks unlinks the blocks selected by remove and returns the
// bytes after their saved prefix to the owning code cache.
func (m *Manager) removeFaintBlocks(remove func(*FaintCacheBlock) bool) int {
	var freed []*FaintCacheBlock
	m.faintMux.Lock()
	for prev, b := (*FaintCacheBlock)(nil), m.faintHead; b != nil; b = b.next {
		if !remove(b) {
			prev = b
			continue
		}
		if prev == nil {
			m.faintHead = b.next
		} else {
			prev.next = b.next
		}
		freed = append(freed, b)
	}
	m.numFaint -= len(freed)
	m.faintMux.Unlock()

	for _, b := range freed {
		md := b.metadata
		md.Cache.AddFreeBlock(md.Start+uintptr(b.bytesToSave), md.Size-b.bytesToSave)
	}
	return len(freed)
}

// FaintBlocks returns the number of faint blocks.
func (m *Manager) FaintBlocks() int {
	m.faintMux.Lock()
	defer m.faintMux.Unlock()
	return m.numFaint
}

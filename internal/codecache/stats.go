package codecache

// Stats is a snapshot of the code cache usage.
type Stats struct {
	// NumCaches is the number of code caches.
	NumCaches int
	// Reserved is the number of code caches reserved by compilation threads.
	Reserved int
	// TotalBytes is the code capacity of all code caches, excluding trampolines.
	TotalBytes int
	// FreeBytes is the free space of all code caches.
	FreeBytes int
	// UsedBytes is TotalBytes minus FreeBytes.
	UsedBytes int
	// ResolvedMethods is the number of resolved call targets of all code caches.
	ResolvedMethods int
	// FaintBlocks is the number of faint blocks not reclaimed yet.
	FaintBlocks int

	CodeCacheFull bool
	LowSpace      bool
}

// Stats returns a snapshot of the code cache usage.
func (m *Manager) Stats() (s Stats) {
	m.forEach(func(c *CodeCache) {
		s.NumCaches++
		if c.IsReserved() {
			s.Reserved++
		}
		s.TotalBytes += c.Capacity()
		s.FreeBytes += c.FreeSpace()
		s.ResolvedMethods += c.ResolvedCount()
	})
	s.UsedBytes = s.TotalBytes - s.FreeBytes
	s.FaintBlocks = m.FaintBlocks()
	s.CodeCacheFull = m.CodeCacheFull()
	s.LowSpace = m.LowSpace()
	return
}

// IsCodeCacheOccupancyHigh returns true if more than HighOccupancyPercentage
// of TotalSize holds code.
func (m *Manager) IsCodeCacheOccupancyHigh() bool {
	used := 0
	m.forEach(func(c *CodeCache) {
		used += c.Capacity() - c.FreeSpace()
	})
	return used*100 > m.config.HighOccupancyPercentage*m.config.TotalSize
}

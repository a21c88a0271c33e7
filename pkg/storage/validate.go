package storage

// Access validation for the three caller classes. All checks are pure
// and run before any buffer is loaned or any medium call is issued.

// checkRegionAccess validates a region-relative (offset, length) pair
// against an assigned region.
//
// The boundary is inclusive of the last byte: offset+length equal to
// the region length is the largest request that succeeds.
func checkRegionAccess(region Region, offset, length uint64) error {
	if offset >= region.Length {
		return newError(ErrOutOfBounds,
			"offset %d outside region of %d bytes", offset, region.Length)
	}
	if length > region.Length || length > region.Length-offset {
		return newError(ErrOutOfBounds,
			"access [%d, %d+%d) exceeds region of %d bytes",
			offset, offset, length, region.Length)
	}
	return nil
}

// checkSpan validates that an absolute (addr, length) access is fully
// contained in the span [start, start+size). Used for both the kernel
// span and directory traffic in the userspace span.
func checkSpan(start, size, addr, length uint64) error {
	if addr < start || addr > start+size {
		return newError(ErrOutOfBounds,
			"address %d outside span [%d, %d)", addr, start, start+size)
	}
	if length > size || length > start+size-addr {
		return newError(ErrOutOfBounds,
			"access [%d, %d+%d) exceeds span [%d, %d)",
			addr, addr, length, start, start+size)
	}
	return nil
}

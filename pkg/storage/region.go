package storage

// Region is the storage window assigned to one application: Offset is
// the absolute medium address of its first byte (right after its
// on-media header) and Length is its size in bytes.
//
// A region is computed during discovery or allocation and never stored
// redundantly on the medium. Once assigned it never moves and never
// resizes.
type Region struct {
	// Offset is the absolute byte address of the region body
	Offset uint64

	// Length is the region size in bytes
	Length uint64
}

// Identity names one client application.
//
// ID is the stable per-application identifier written into region
// headers; it must be nonzero (zero is the on-media sentinel owner).
//
// Fixed reports whether the identity is stable across reboots. Region
// allocation requires a fixed identity because ownership must be
// re-derivable purely from on-media bytes after a restart; ephemeral
// identities may probe and poll but cannot allocate.
type Identity struct {
	ID    uint32
	Fixed bool
}

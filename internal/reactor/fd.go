package reactor

import "golang.org/x/sys/unix"

// Invalid is the sentinel value held by a released FD.
const Invalid = -1

// FD owns a single OS file descriptor. The owner is responsible for
// calling Close exactly once on every exit path; Close after Release or
// a second Close is a no-op.
type FD struct {
	fd int
}

// NewFD wraps a raw descriptor. Negative values produce an invalid FD.
func NewFD(raw int) FD {
	if raw < 0 {
		raw = Invalid
	}
	return FD{fd: raw}
}

// Raw returns the underlying descriptor for use in syscalls. Invalid
// when the FD has been closed or released.
func (f *FD) Raw() int {
	return f.fd
}

// Valid reports whether the FD still owns a descriptor.
func (f *FD) Valid() bool {
	return f.fd >= 0
}

// Release gives up ownership without closing and returns the raw
// descriptor. The FD is left invalid.
func (f *FD) Release() int {
	raw := f.fd
	f.fd = Invalid
	return raw
}

// Close closes the descriptor if it is still owned. Close errors are
// swallowed; there is nothing useful a caller can do with them here.
func (f *FD) Close() {
	if f.fd >= 0 {
		unix.Close(f.fd)
		f.fd = Invalid
	}
}

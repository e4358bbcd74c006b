// Package loader turns configured blobs and pre-extracted object triples
// into a populated memmap.Map, mirroring the teacher's loader package's
// role of turning parsed program data into memory segments — but consuming
// pre-extracted bytes rather than assembly source.
package loader

import (
	"fmt"
	"os"

	"github.com/lookbusy1344/riscv-replay-gdbstub/internal/memmap"
)

// ELFBlob is a pre-extracted {load_address, bytes, address_width_bits}
// triple, as an external object-file loader would produce. This core never
// parses ELF itself.
type ELFBlob struct {
	LoadAddress      uint64
	Bytes            []byte
	AddressWidthBits int // 0 means "unspecified"
}

// RawBlob is a raw binary blob with an explicit load address, read
// directly from disk by this layer.
type RawBlob struct {
	LoadAddress uint64
	Path        string
}

// ErrBlobCountMismatch describes configured address and path lists for raw
// blobs that don't line up. Load never returns it: each RawBlob already
// pairs one address with one path.
var ErrBlobCountMismatch = fmt.Errorf("loader: address and blob path counts differ")

// Load builds a memmap.Map from elfBlobs and rawBlobs, returning the
// derived address width in bytes (4 or 8). When no elfBlobs carry an
// explicit AddressWidthBits, xlenBytes defaults to 4.
func Load(elfBlobs []ELFBlob, rawBlobs []RawBlob) (*memmap.Map, int, error) {
	mm := memmap.New()
	xlenBytes := 4

	for _, b := range elfBlobs {
		mm.Add(b.LoadAddress, b.Bytes)
		if b.AddressWidthBits != 0 {
			xlenBytes = b.AddressWidthBits / 8
		}
	}

	for _, b := range rawBlobs {
		data, err := os.ReadFile(b.Path)
		if err != nil {
			return nil, 0, fmt.Errorf("loader: reading %s: %w", b.Path, err)
		}
		mm.Add(b.LoadAddress, data)
	}

	if xlenBytes != 4 && xlenBytes != 8 {
		return nil, 0, fmt.Errorf("loader: unsupported address width %d bits", xlenBytes*8)
	}

	return mm, xlenBytes, nil
}

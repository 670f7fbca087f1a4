package remote

import (
	"crypto/md5"
	"encoding/binary"
	"math"

	"github.com/steveyegge/docsync/internal/status"
)

// BloomFilter tests document names against the filter a server sends with
// an existence filter. Bit i of the filter is bit i%8 of byte i/8.
type BloomFilter struct {
	bitmap    []byte
	bitCount  uint64
	hashCount int
}

// NewBloomFilter validates and wraps a bitmap.
func NewBloomFilter(bitmap []byte, padding, hashCount int) (*BloomFilter, error) {
	if padding < 0 || padding >= 8 {
		return nil, status.Errorf(status.InvalidArgument, "invalid bloom filter padding %d", padding)
	}
	if hashCount < 0 {
		return nil, status.Errorf(status.InvalidArgument, "invalid bloom filter hash count %d", hashCount)
	}
	if len(bitmap) > 0 && hashCount == 0 {
		return nil, status.New(status.InvalidArgument, "bloom filter has bits but no hash count")
	}
	if len(bitmap) == 0 && padding != 0 {
		return nil, status.Errorf(status.InvalidArgument, "empty bloom filter has padding %d", padding)
	}
	return &BloomFilter{
		bitmap:    bitmap,
		bitCount:  uint64(len(bitmap))*8 - uint64(padding),
		hashCount: hashCount,
	}, nil
}

// BloomFilterFromFrame decodes the wire form.
func BloomFilterFromFrame(f *BloomFilterFrame) (*BloomFilter, error) {
	return NewBloomFilter(f.Bits.Bitmap, int(f.Bits.Padding), int(f.HashCount))
}

// BitCount is the number of usable bits.
func (b *BloomFilter) BitCount() int { return int(b.bitCount) }

// hashes splits the MD5 digest of name into two little-endian halves.
func hashes(name string) (uint64, uint64) {
	sum := md5.Sum([]byte(name))
	return binary.LittleEndian.Uint64(sum[:8]), binary.LittleEndian.Uint64(sum[8:])
}

// bitIndex is the i-th double hash, reduced modulo the bit count with
// unsigned 64-bit wraparound.
func (b *BloomFilter) bitIndex(h1, h2 uint64, i int) uint64 {
	return (h1 + uint64(i)*h2) % b.bitCount
}

func (b *BloomFilter) isSet(index uint64) bool {
	return b.bitmap[index/8]&(1<<(index%8)) != 0
}

// MightContain reports whether name may have been added. An empty filter
// contains nothing.
func (b *BloomFilter) MightContain(name string) bool {
	if b.bitCount == 0 {
		return false
	}
	h1, h2 := hashes(name)
	for i := 0; i < b.hashCount; i++ {
		if !b.isSet(b.bitIndex(h1, h2, i)) {
			return false
		}
	}
	return true
}

func (b *BloomFilter) insert(name string) {
	h1, h2 := hashes(name)
	for i := 0; i < b.hashCount; i++ {
		idx := b.bitIndex(h1, h2, i)
		b.bitmap[idx/8] |= 1 << (idx % 8)
	}
}

// Frame returns the wire form of the filter.
func (b *BloomFilter) Frame() *BloomFilterFrame {
	padding := uint64(len(b.bitmap))*8 - b.bitCount
	return &BloomFilterFrame{
		Bits:      BitSequence{Bitmap: b.bitmap, Padding: int32(padding)},
		HashCount: int32(b.hashCount),
	}
}

// NewBloomFilterForNames builds a filter holding names sized for the given
// false positive rate.
func NewBloomFilterForNames(names []string, falsePositiveRate float64) *BloomFilter {
	if len(names) == 0 {
		return &BloomFilter{}
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = DefaultBloomFilterFalsePositiveRate
	}
	n := float64(len(names))
	bits := math.Ceil(-n * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2))
	k := int(math.Max(1, math.Round(bits/n*math.Ln2)))
	byteCount := (int(bits) + 7) / 8
	b := &BloomFilter{
		bitmap:    make([]byte, byteCount),
		bitCount:  uint64(bits),
		hashCount: k,
	}
	for _, name := range names {
		b.insert(name)
	}
	return b
}

// DefaultBloomFilterFalsePositiveRate is the rate servers size filters for.
const DefaultBloomFilterFalsePositiveRate = 0.01

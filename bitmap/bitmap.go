// Package bitmap implements bitfields in the MSB-first layout used on the
// BitTorrent wire.  A bitmap's length is maintained modulo 8, so a value can
// be sent as a bitfield payload without conversion.
package bitmap

import (
	"math/bits"
	"strings"
)

type Bitmap []uint8

func New(length int) Bitmap {
	return Bitmap(make([]uint8, (length+7)/8))
}

func bit(i int) uint8 {
	return 1 << (7 - uint8(i&7))
}

// Get returns true if the ith bit is set.
func (b Bitmap) Get(i int) bool {
	if i>>3 >= len(b) {
		return false
	}
	return b[i>>3]&bit(i) != 0
}

// Extend grows the bitmap so that it covers bit i.
func (b *Bitmap) Extend(i int) {
	if n := i>>3 + 1; n > len(*b) {
		*b = append(*b, make([]uint8, n-len(*b))...)
	}
}

// Set sets the ith bit, extending the bitmap if needed.
func (b *Bitmap) Set(i int) {
	b.Extend(i)
	(*b)[i>>3] |= bit(i)
}

// Reset clears the ith bit.
func (b *Bitmap) Reset(i int) {
	if i>>3 < len(*b) {
		(*b)[i>>3] &^= bit(i)
	}
}

func (b Bitmap) Copy() Bitmap {
	if b == nil {
		return nil
	}
	return append(Bitmap(nil), b...)
}

// SetMultiple sets all bits from 0 up to n - 1.
func (b *Bitmap) SetMultiple(n int) {
	if n == 0 {
		return
	}
	b.Extend(n - 1)
	for i := 0; i < n>>3; i++ {
		(*b)[i] = 0xFF
	}
	if n&7 != 0 {
		(*b)[n>>3] |= 0xFF << (8 - uint8(n&7))
	}
}

// Empty returns true if no bits are set.
func (b Bitmap) Empty() bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// All returns true if all bits from 0 up to n - 1 are set.
func (b Bitmap) All(n int) bool {
	if n == 0 {
		return true
	}
	if len(b) < (n+7)>>3 {
		return false
	}
	for i := 0; i < n>>3; i++ {
		if b[i] != 0xFF {
			return false
		}
	}
	if n&7 == 0 {
		return true
	}
	return b[n>>3] == 0xFF<<(8-uint8(n&7))
}

// Count returns the number of bits set.
func (b Bitmap) Count() int {
	count := 0
	for _, v := range b {
		count += bits.OnesCount8(v)
	}
	return count
}

// Len returns the index of the highest bit set, plus one.
func (b Bitmap) Len() int {
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0 {
			return i*8 + 8 - bits.TrailingZeros8(b[i])
		}
	}
	return 0
}

// EqualValue returns true if two bitmaps have the same bits set,
// ignoring trailing zeroes.
func (b1 Bitmap) EqualValue(b2 Bitmap) bool {
	if len(b1) > len(b2) {
		b1, b2 = b2, b1
	}
	for i, v := range b1 {
		if v != b2[i] {
			return false
		}
	}
	for _, v := range b2[len(b1):] {
		if v != 0 {
			return false
		}
	}
	return true
}

// Range calls f for each set bit, in increasing order, until f returns
// false.
func (b Bitmap) Range(f func(index int) bool) {
	for i, v := range b {
		for v != 0 {
			j := bits.LeadingZeros8(v)
			if !f(i<<3 + j) {
				return
			}
			v &^= 1 << (7 - j)
		}
	}
}

func (b Bitmap) String() string {
	var buf strings.Builder
	buf.Grow(len(b)*8 + 2)
	buf.WriteByte('[')
	for i := 0; i < len(b)*8; i++ {
		if b.Get(i) {
			buf.WriteByte('1')
		} else {
			buf.WriteByte('0')
		}
	}
	buf.WriteByte(']')
	return buf.String()
}

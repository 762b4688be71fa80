// Package cryptonight implements the CryptoNote family proof-of-work hash
// functions (standard CryptoNight and CryptoNight-Lite) along with the
// supporting primitives (Keccak-f[1600], CryptoNote varints and tree
// hashing) used throughout the pool to validate shares and block
// candidates.
package cryptonight

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

// keccakRC are the round constants for Keccak-f[1600].
var keccakRC = [24]uint64{
	1, 0x8082, 0x800000000000808a, 0x8000000080008000,
	0x808b, 0x80000001, 0x8000000080008081, 0x8000000000008009,
	0x8a, 0x88, 0x80008009, 0x8000000a,
	0x8000808b, 0x800000000000008b, 0x8000000000008089, 0x8000000000008003,
	0x8000000000008002, 0x8000000000000080, 0x800a, 0x800000008000000a,
	0x8000000080008081, 0x8000000000008080, 0x80000001, 0x8000000080008008,
}

var keccakRho = [24]uint{
	1, 3, 6, 10, 15, 21,
	28, 36, 45, 55, 2, 14,
	27, 41, 56, 8, 25, 43,
	62, 18, 39, 61, 20, 44,
}

var keccakPi = [24]uint{
	10, 7, 11, 17, 18, 3,
	5, 16, 8, 21, 24, 4,
	15, 23, 19, 13, 12, 2,
	20, 14, 22, 9, 6, 1,
}

func rotl64(x uint64, n uint) uint64 {
	return (x << n) | (x >> (64 - n))
}

// keccakF1600 applies the Keccak-f[1600] permutation in place to the 25
// 64-bit lanes of a.
func keccakF1600(a *[25]uint64) {
	var b [5]uint64

	for round := 0; round < 24; round++ {
		// Theta
		for x := 0; x < 5; x++ {
			b[x] = a[x] ^ a[x+5] ^ a[x+10] ^ a[x+15] ^ a[x+20]
		}
		for x := 0; x < 5; x++ {
			d := b[(x+4)%5] ^ rotl64(b[(x+1)%5], 1)
			for y := 0; y < 5; y++ {
				a[y*5+x] ^= d
			}
		}

		// Rho and Pi
		t := a[1]
		for x := 0; x < 24; x++ {
			b[0] = a[keccakPi[x]]
			a[keccakPi[x]] = rotl64(t, keccakRho[x])
			t = b[0]
		}

		// Chi
		for y := 0; y < 5; y++ {
			var row [5]uint64
			for x := 0; x < 5; x++ {
				row[x] = a[y*5+x]
			}
			for x := 0; x < 5; x++ {
				a[y*5+x] = row[x] ^ ((^row[(x+1)%5]) & row[(x+2)%5])
			}
		}

		// Iota
		a[0] ^= keccakRC[round]
	}
}

const keccakRate = 136 // 200 - 512/4, i.e. the CryptoNote 1088-bit rate.

// keccakState runs the CryptoNote variant of Keccak absorption over an
// arbitrary-length input and returns the full 200-byte (1600-bit) permuted
// state, rather than a squeezed digest. CryptoNight needs the raw state to
// seed its scratchpad, which the standard sha3 package does not expose.
// Inputs longer than the rate absorb in multiple blocks; the final partial
// block carries the 0x01..0x80 pad.
func keccakState(input []byte) [200]byte {
	var a [25]uint64

	for len(input) >= keccakRate {
		for i := 0; i < keccakRate/8; i++ {
			a[i] ^= binary.LittleEndian.Uint64(input[i*8:])
		}
		keccakF1600(&a)
		input = input[keccakRate:]
	}

	var tmp [keccakRate]byte
	copy(tmp[:], input)
	tmp[len(input)] = 1
	tmp[keccakRate-1] |= 0x80
	for i := 0; i < keccakRate/8; i++ {
		a[i] ^= binary.LittleEndian.Uint64(tmp[i*8:])
	}
	keccakF1600(&a)

	var out [200]byte
	for i := 0; i < 25; i++ {
		binary.LittleEndian.PutUint64(out[i*8:], a[i])
	}
	return out
}

// Keccak256 computes the original (pre-NIST, 0x01-padded) Keccak-256
// digest CryptoNote uses for transaction and block-id hashing. It is
// equivalent to taking the first 32 bytes of the long-keccak state
// keccakState produces, but delegates to golang.org/x/crypto/sha3's
// legacy-padding Keccak implementation rather than reusing the
// scratchpad-seeding state permutation above: scratchpad seeding needs the
// raw 1600-bit state, which no squeeze-only hash.Hash exposes, so that
// path keeps its own arbitrary-length absorption.
func Keccak256(input []byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(input)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

package cryptonight

import (
	"encoding/binary"
	"math/bits"

	"github.com/aead/skein"
	"github.com/dchest/blake256"
	"ekyu.moe/cryptonight/groestl"
	"ekyu.moe/cryptonight/jh"
)

// CryptoNight-Lite halves both the scratchpad and the iteration count of
// standard CryptoNight (cns008 sec.3-5, with MEM_SIZE/ITERATIONS divided by
// two, following cryptonightlite.rs). There is no variant/tweak byte: the
// coin family this pool serves never adopted the Monero v7 "tweak".
const (
	liteScratchpadSize = 1024 * 1024
	liteIterations     = 262144
)

// liteCache holds the scratch memory for one CryptoNight-Lite invocation.
// Like ekyu.moe/cryptonight.Cache, it is not concurrency-safe. sumLite
// allocates a fresh cache for every hash; caches are not pooled or reused
// between calls.
type liteCache struct {
	state      [200]byte
	scratchpad [liteScratchpadSize]byte
}

func sumLite(data []byte) [32]byte {
	c := new(liteCache)
	return c.sum(data)
}

func (c *liteCache) sum(data []byte) [32]byte {
	c.state = keccakState(data)

	// The scratchpad is built 128 bytes at a time: eight 16-byte lanes
	// seeded from state[64:192], each lane chained through ten AES rounds
	// per step (cns008 sec.3).
	initKeys := cnExpandKey(c.state[:32])
	var blocks [8][16]byte
	for i := range blocks {
		copy(blocks[i][:], c.state[64+16*i:80+16*i])
	}
	for j := 0; j < liteScratchpadSize; j += 128 {
		for i := range blocks {
			blocks[i] = cnRounds(blocks[i], initKeys)
			copy(c.scratchpad[j+16*i:j+16*i+16], blocks[i][:])
		}
	}

	var a, b [16]byte
	xor16(a[:], c.state[0:16], c.state[32:48])
	xor16(b[:], c.state[16:32], c.state[48:64])

	for i := 0; i < liteIterations; i++ {
		addr := liteAddr(a)
		var scratchBlock [16]byte
		copy(scratchBlock[:], c.scratchpad[addr:addr+16])

		aesResult := cnAESRound(scratchBlock, a)
		var newBlock [16]byte
		xor16(newBlock[:], b[:], aesResult[:])
		copy(c.scratchpad[addr:addr+16], newBlock[:])

		addr2 := liteAddr(aesResult)
		var mem [16]byte
		copy(mem[:], c.scratchpad[addr2:addr2+16])

		// The 128-bit product lands high-qword-first: hi folds into the low
		// half of a, lo into the high half (cns008 sec.4's 8byte_add/mul).
		hi, lo := bits.Mul64(binary.LittleEndian.Uint64(aesResult[:8]), binary.LittleEndian.Uint64(mem[:8]))
		aLo := binary.LittleEndian.Uint64(a[:8]) + hi
		aHi := binary.LittleEndian.Uint64(a[8:]) + lo

		var addRes [16]byte
		binary.LittleEndian.PutUint64(addRes[:8], aLo)
		binary.LittleEndian.PutUint64(addRes[8:], aHi)
		copy(c.scratchpad[addr2:addr2+16], addRes[:])

		xor16(a[:], addRes[:], mem[:])
		b = aesResult
	}

	// Finalization folds the whole scratchpad back through the same eight
	// lanes, then writes all 128 bytes into state[64:192] before the final
	// permutation (cns008 sec.5).
	finalKeys := cnExpandKey(c.state[32:64])
	for i := range blocks {
		copy(blocks[i][:], c.state[64+16*i:80+16*i])
	}
	for j := 0; j < liteScratchpadSize; j += 128 {
		for i := range blocks {
			xor16(blocks[i][:], blocks[i][:], c.scratchpad[j+16*i:j+16*i+16])
			blocks[i] = cnRounds(blocks[i], finalKeys)
		}
	}
	for i := range blocks {
		copy(c.state[64+16*i:80+16*i], blocks[i][:])
	}

	lanes := bytesToLanes(c.state[:])
	keccakF1600(&lanes)
	c.state = lanesToBytes(&lanes)

	return finalSelect(c.state)
}

func xor16(dst, a, b []byte) {
	for i := 0; i < 16; i++ {
		dst[i] = a[i] ^ b[i]
	}
}

func liteAddr(block [16]byte) uint32 {
	lo := binary.LittleEndian.Uint64(block[:8])
	return uint32(lo) & 0xFFFF0
}

func bytesToLanes(b []byte) [25]uint64 {
	var out [25]uint64
	for i := 0; i < 25; i++ {
		out[i] = binary.LittleEndian.Uint64(b[i*8 : i*8+8])
	}
	return out
}

func lanesToBytes(a *[25]uint64) [200]byte {
	var out [200]byte
	for i := 0; i < 25; i++ {
		binary.LittleEndian.PutUint64(out[i*8:i*8+8], a[i])
	}
	return out
}

// finalSelect picks among BLAKE-256, Groestl-256, JH-256 and Skein-256
// depending on the low two bits of the first state byte, per cns008 sec.5.
func finalSelect(state [200]byte) [32]byte {
	var out [32]byte
	switch state[0] & 0x03 {
	case 0x00:
		h := blake256.New()
		h.Write(state[:])
		copy(out[:], h.Sum(nil))
	case 0x01:
		h := groestl.New256()
		h.Write(state[:])
		copy(out[:], h.Sum(nil))
	case 0x02:
		h := jh.New256()
		h.Write(state[:])
		copy(out[:], h.Sum(nil))
	default:
		h := skein.New256(nil)
		h.Write(state[:])
		copy(out[:], h.Sum(nil))
	}
	return out
}

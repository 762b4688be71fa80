package cryptonight

import (
	"encoding/hex"
	"fmt"
	"strings"

	ekyu "ekyu.moe/cryptonight"
)

// HashType selects which CryptoNote PoW family a pool instance validates
// against. It is set once from configuration and never changes at runtime.
type HashType int

const (
	// HashCryptonight is the standard, full-size CryptoNight hash.
	HashCryptonight HashType = iota
	// HashCryptonightLite is the half-scratchpad, half-iteration variant.
	HashCryptonightLite
)

// ParseHashType maps a configuration string to a HashType.
func ParseHashType(s string) (HashType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cryptonight":
		return HashCryptonight, nil
	case "cryptonightlite", "cryptonight-lite", "cryptonight_lite":
		return HashCryptonightLite, nil
	default:
		return 0, fmt.Errorf("cryptonight: unknown hash type %q", s)
	}
}

// Variant selects a CryptoNight sub-algorithm. Variant1 is the Monero "v7"
// tweak (cns008 sec.3-4 modifications); Variant0 is the original algorithm.
type Variant int

const (
	Variant0 Variant = iota
	Variant1
)

// SelectVariant inspects the first bytes of a block's hashing blob to
// decide which PoW variant applies. A "07 07" major/minor version prefix
// marks blocks that must be hashed with the Monero v7 tweak.
func SelectVariant(hashingBlobHex string) Variant {
	if len(hashingBlobHex) >= 4 && strings.EqualFold(hashingBlobHex[:4], "0707") {
		return Variant1
	}
	return Variant0
}

// Sum computes the CryptoNote PoW hash of input under the given hash type
// and variant, returning the 32-byte digest.
func Sum(input []byte, hashType HashType, variant Variant) [32]byte {
	switch hashType {
	case HashCryptonightLite:
		// CryptoNight-Lite, as deployed by this pool's supported coins,
		// predates the v7 tweak; only variant 0 is ever requested.
		return sumLite(input)
	default:
		digest := ekyu.Sum(input, int(variant))
		var out [32]byte
		copy(out[:], digest)
		return out
	}
}

// SumHex is a convenience wrapper for callers holding hex-encoded blobs.
func SumHex(inputHex string, hashType HashType, variant Variant) ([32]byte, error) {
	raw, err := hex.DecodeString(inputHex)
	if err != nil {
		return [32]byte{}, fmt.Errorf("cryptonight: decode input: %w", err)
	}
	return Sum(raw, hashType, variant), nil
}

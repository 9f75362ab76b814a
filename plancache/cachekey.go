package plancache

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/labiium/edurouter-go/types"
)

// Key is a 64-bit fingerprint over everything that must agree for two
// requests to share a cached plan.
type Key uint64

// TokenBucket maps a token count into one of the fixed dyadic ranges the
// cache key uses, so that two requests differing only by a handful of
// tokens still collapse onto the same fingerprint.
func TokenBucket(tokens uint32) uint16 {
	switch {
	case tokens <= 256:
		return 0
	case tokens <= 512:
		return 1
	case tokens <= 1024:
		return 2
	case tokens <= 2048:
		return 3
	case tokens <= 4096:
		return 4
	case tokens <= 8192:
		return 5
	case tokens <= 16384:
		return 6
	default:
		return 7
	}
}

// DeriveKey hashes the fixed-order field tuple from the cache-key
// derivation design into a single xxhash64 fingerprint. Field order is
// significant and must never change within a running build, or cache
// keys computed before/after the change will silently diverge.
func DeriveKey(
	policyRevision string,
	aliasIndexHash uint64,
	capsMask uint64,
	jsonMode bool,
	inBucket, outBucket uint16,
	regionMask uint32,
	teacherBoost bool,
	stickyModelIndex uint32,
	overlayHash uint64,
	privacy types.PrivacyMode,
	api types.ApiKind,
	freezeHash uint64,
	canonicalHash uint64,
) Key {
	h := xxhash.New()
	var buf [8]byte

	h.Write([]byte(policyRevision))

	binary.LittleEndian.PutUint64(buf[:], aliasIndexHash)
	h.Write(buf[:])

	binary.LittleEndian.PutUint64(buf[:], capsMask)
	h.Write(buf[:])

	h.Write([]byte{boolByte(jsonMode)})

	binary.LittleEndian.PutUint16(buf[:2], inBucket)
	h.Write(buf[:2])
	binary.LittleEndian.PutUint16(buf[:2], outBucket)
	h.Write(buf[:2])

	binary.LittleEndian.PutUint32(buf[:4], regionMask)
	h.Write(buf[:4])

	h.Write([]byte{boolByte(teacherBoost)})

	binary.LittleEndian.PutUint32(buf[:4], stickyModelIndex)
	h.Write(buf[:4])

	binary.LittleEndian.PutUint64(buf[:], overlayHash)
	h.Write(buf[:])

	h.Write([]byte{byte(privacyOrdinal(privacy))})
	h.Write([]byte{byte(apiOrdinal(api))})

	binary.LittleEndian.PutUint64(buf[:], freezeHash)
	h.Write(buf[:])

	binary.LittleEndian.PutUint64(buf[:], canonicalHash)
	h.Write(buf[:])

	return Key(h.Sum64())
}

// HashString derives a 64-bit hash for standalone string inputs
// (alias names, overlay fingerprints, freeze keys) that feed DeriveKey.
func HashString(s string) uint64 {
	return xxhash.Sum64String(s)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func privacyOrdinal(p types.PrivacyMode) int {
	switch p {
	case types.PrivacyFeaturesOnly:
		return 0
	case types.PrivacySummary:
		return 1
	case types.PrivacyFull:
		return 2
	default:
		return 0
	}
}

func apiOrdinal(a types.ApiKind) int {
	switch a {
	case types.ApiResponses:
		return 0
	case types.ApiChat:
		return 1
	default:
		return 0
	}
}

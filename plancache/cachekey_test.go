package plancache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/labiium/edurouter-go/types"
)

func TestTokenBucketDyadicRanges(t *testing.T) {
	cases := []struct {
		tokens uint32
		bucket uint16
	}{
		{0, 0}, {256, 0}, {257, 1}, {512, 1}, {513, 2},
		{1024, 2}, {4096, 4}, {16384, 6}, {16385, 7},
	}
	for _, c := range cases {
		assert.Equal(t, c.bucket, TokenBucket(c.tokens), "tokens=%d", c.tokens)
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	k1 := DeriveKey("rev1", 1, 2, true, 0, 1, 3, false, 0, 4, types.PrivacySummary, types.ApiChat, 5, 6)
	k2 := DeriveKey("rev1", 1, 2, true, 0, 1, 3, false, 0, 4, types.PrivacySummary, types.ApiChat, 5, 6)
	assert.Equal(t, k1, k2)
}

func TestDeriveKeyDivergesOnAnyField(t *testing.T) {
	base := DeriveKey("rev1", 1, 2, true, 0, 1, 3, false, 0, 4, types.PrivacySummary, types.ApiChat, 5, 6)

	variants := []Key{
		DeriveKey("rev2", 1, 2, true, 0, 1, 3, false, 0, 4, types.PrivacySummary, types.ApiChat, 5, 6),
		DeriveKey("rev1", 9, 2, true, 0, 1, 3, false, 0, 4, types.PrivacySummary, types.ApiChat, 5, 6),
		DeriveKey("rev1", 1, 2, false, 0, 1, 3, false, 0, 4, types.PrivacySummary, types.ApiChat, 5, 6),
		DeriveKey("rev1", 1, 2, true, 0, 1, 3, false, 0, 4, types.PrivacyFull, types.ApiChat, 5, 6),
		DeriveKey("rev1", 1, 2, true, 0, 1, 3, false, 0, 4, types.PrivacySummary, types.ApiResponses, 5, 6),
	}
	for i, v := range variants {
		assert.NotEqual(t, base, v, "variant %d should diverge", i)
	}
}

func TestHashStringDeterministic(t *testing.T) {
	assert.Equal(t, HashString("overlay:none"), HashString("overlay:none"))
	assert.NotEqual(t, HashString("a"), HashString("b"))
}

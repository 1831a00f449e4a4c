package watermark_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zero-sync/internal/watermark"
)

func TestOrderingIsMonotonic(t *testing.T) {
	t1 := watermark.New(100, 0)
	t2 := watermark.New(101, 0)
	assert.True(t, watermark.Less(t1, t2))
	assert.True(t, watermark.Less(watermark.Zero, t1))
}

func TestNextStaysWithinTransaction(t *testing.T) {
	t1 := watermark.New(100, 0)
	t2 := watermark.Next(t1)
	lsn1, _, err := watermark.Parts(t1)
	require.NoError(t, err)
	lsn2, logical2, err := watermark.Parts(t2)
	require.NoError(t, err)
	assert.Equal(t, lsn1, lsn2)
	assert.Equal(t, uint32(1), logical2)
	assert.True(t, watermark.Less(t1, t2))
}

func TestPartsRoundTrip(t *testing.T) {
	v := watermark.New(12345, 7)
	lsn, logical, err := watermark.Parts(v)
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), lsn)
	assert.Equal(t, uint32(7), logical)
}

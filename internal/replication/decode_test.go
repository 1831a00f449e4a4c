package replication

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zero-sync/internal/model"
)

// The following helpers build raw pgoutput logical-decoding messages
// byte-for-byte per the protocol's wire format, so txDecoder.decode is
// exercised against the same bytes a real replication connection
// would deliver rather than against pre-built pglogrepl structs.

func beginBytes(finalLSN uint64, xid uint32) []byte {
	buf := []byte{'B'}
	buf = appendUint64(buf, finalLSN)
	buf = appendUint64(buf, 0) // timestamp, unused by the decoder
	buf = appendUint32(buf, xid)
	return buf
}

func commitBytes(commitLSN, endLSN uint64) []byte {
	buf := []byte{'C', 0}
	buf = appendUint64(buf, commitLSN)
	buf = appendUint64(buf, endLSN)
	buf = appendUint64(buf, 0)
	return buf
}

func relationBytes(id uint32, namespace, name string, cols []string) []byte {
	return relationBytesIdentity(id, namespace, name, cols, 'd')
}

// relationBytesIdentity builds a Relation message with an explicit
// replica-identity byte ('d' default, 'f' full, 'n' nothing, 'i' index).
func relationBytesIdentity(id uint32, namespace, name string, cols []string, identity byte) []byte {
	buf := []byte{'R'}
	buf = appendUint32(buf, id)
	buf = appendCString(buf, namespace)
	buf = appendCString(buf, name)
	buf = append(buf, identity)
	buf = appendUint16(buf, uint16(len(cols)))
	for i, c := range cols {
		flag := byte(0)
		if i == 0 {
			flag = 1 // first column is the key, per the decoder's pk-flag convention
		}
		buf = append(buf, flag)
		buf = appendCString(buf, c)
		buf = appendUint32(buf, 25) // text OID
		buf = appendUint32(buf, 0)  // typmod
	}
	return buf
}

// typeBytes builds a Type message (custom enum/composite/domain
// announcement).
func typeBytes(dataType uint32, namespace, name string) []byte {
	buf := []byte{'Y'}
	buf = appendUint32(buf, dataType)
	buf = appendCString(buf, namespace)
	buf = appendCString(buf, name)
	return buf
}

func insertBytes(relationID uint32, values []string) []byte {
	buf := []byte{'I'}
	buf = appendUint32(buf, relationID)
	buf = append(buf, 'N')
	buf = appendTuple(buf, values)
	return buf
}

func updateBytes(relationID uint32, values []string) []byte {
	buf := []byte{'U'}
	buf = appendUint32(buf, relationID)
	buf = append(buf, 'N')
	buf = appendTuple(buf, values)
	return buf
}

func deleteBytes(relationID uint32, values []string) []byte {
	buf := []byte{'D'}
	buf = appendUint32(buf, relationID)
	buf = append(buf, 'K')
	buf = appendTuple(buf, values)
	return buf
}

func appendTuple(buf []byte, values []string) []byte {
	buf = appendUint16(buf, uint16(len(values)))
	for _, v := range values {
		buf = append(buf, 't')
		buf = appendUint32(buf, uint32(len(v)))
		buf = append(buf, []byte(v)...)
	}
	return buf
}

func appendUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendCString(buf []byte, s string) []byte {
	return append(append(buf, []byte(s)...), 0)
}

func TestDecodeFullTransactionProducesOrderedEntries(t *testing.T) {
	d := &txDecoder{relations: newRelationCache()}

	entries, _, err := d.decode(beginBytes(100, 7), 100)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.KindBegin, entries[0].Change.Kind)

	entries, _, err = d.decode(relationBytes(1, "public", "issues", []string{"id", "title"}), 100)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.KindCreateTable, entries[0].Change.Kind)
	assert.Equal(t, "issues", entries[0].Change.Schema.Name.Name().Raw())

	// Re-observing the identical relation shape should not re-emit CreateTable.
	entries, _, err = d.decode(relationBytes(1, "public", "issues", []string{"id", "title"}), 100)
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, _, err = d.decode(insertBytes(1, []string{"42", "hello"}), 100)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.KindInsert, entries[0].Change.Kind)
	assert.Equal(t, "hello", entries[0].Change.Row.Columns["title"])
	assert.Equal(t, []string{"42"}, entries[0].Change.Row.PrimaryKey)

	entries, _, err = d.decode(updateBytes(1, []string{"42", "updated"}), 100)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.KindUpdate, entries[0].Change.Kind)

	entries, _, err = d.decode(deleteBytes(1, []string{"42", "updated"}), 100)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.KindDelete, entries[0].Change.Kind)

	entries, last, err := d.decode(commitBytes(100, 100), 100)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.KindCommit, entries[0].Change.Kind)
	assert.Equal(t, last, entries[0].Watermark)
}

func TestDecodeUnknownRelationErrors(t *testing.T) {
	d := &txDecoder{relations: newRelationCache()}
	_, _, err := d.decode(insertBytes(99, []string{"1"}), 1)
	assert.ErrorIs(t, err, errUnknownRelation)
}

func TestDecodeRejectsReplicaIdentityFull(t *testing.T) {
	d := &txDecoder{relations: newRelationCache()}
	_, _, err := d.decode(relationBytesIdentity(3, "public", "widgets", []string{"id"}, 'f'), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REPLICA IDENTITY FULL")
}

func TestDecodeRejectsCustomType(t *testing.T) {
	d := &txDecoder{relations: newRelationCache()}
	_, _, err := d.decode(typeBytes(16400, "public", "mood"), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mood")
}

func TestDecodeWatermarksStrictlyIncreaseWithinTransaction(t *testing.T) {
	d := &txDecoder{relations: newRelationCache()}
	_, begin, err := d.decode(beginBytes(50, 1), 50)
	require.NoError(t, err)

	_, afterRelation, err := d.decode(relationBytes(2, "public", "widgets", []string{"id"}), 50)
	require.NoError(t, err)
	assert.True(t, begin < afterRelation)

	_, afterInsert, err := d.decode(insertBytes(2, []string{"1"}), 50)
	require.NoError(t, err)
	assert.True(t, afterRelation < afterInsert)
}

// Package model holds the wire- and disk-level data types shared by the
// client pipeline and the server dedup engine: secrets, shares, file
// headers, metadata nodes, and the key/file recipe entries built from them.
package model

import (
	"encoding/binary"
	"fmt"
	"time"
)

// SecretMax is the largest plaintext unit the chunker may hand to the
// encoder (16 KiB).
const SecretMax = 16 * 1024

// Secret is a contiguous byte slice produced by the (external) chunker,
// tagged with its origin-order id.
type Secret struct {
	ID         int32
	Bytes      []byte
	SecretSize int32
	End        bool // last secret of the file
}

// Share is the output of the dispersal codec on a Secret: one of N
// equal-length strips such that any M of N reconstruct the secret.
type Share struct {
	SecretID   int32
	SecretSize int32
	ShareSize  int32
	ShareFP    [32]byte
	Bytes      []byte
}

// FileHeader carries per-file, per-cloud bookkeeping negotiated with one
// server across the batches of a single upload or restore.
type FileHeader struct {
	FileSize            int64
	FullNameSize         int32
	EncodedName          []byte // this cloud's share of the dispersed path
	NumOfPastSecrets     int32
	SizeOfPastSecrets    int64
	NumOfComingSecrets   int32
	SizeOfComingSecrets  int64
}

// MetadataNode describes a single share inside a metadata chunk.
type MetadataNode struct {
	ShareFP    [32]byte
	SecretID   int32
	SecretSize int32
	ShareSize  int32
}

// KeyRecipeEntry maps one emitted metadata chunk to its convergent key and
// published fingerprint, for one cloud.
type KeyRecipeEntry struct {
	MetaChunkID      int32
	MetaChunkShareFP [32]byte
	Key              [32]byte
}

// FileRecipeEntry is one reconstructed line of a file's recipe: which share
// fingerprint corresponds to which secret.
type FileRecipeEntry struct {
	ShareFP    [32]byte
	SecretID   int32
	SecretSize int32
}

// ItemKind discriminates the tagged variants flowing through the encoder's
// and uploader's queues, replacing the C union of Item_t/Secret_Item_t.
type ItemKind uint8

const (
	ItemFileHeader ItemKind = iota
	ItemShare
	ItemEnd
)

// Item is a single element moving through an encoder/uploader pipeline
// queue. Exactly one of Header/Share is populated, per Kind; KeyRecipe rides
// along on ItemEnd so the metadata-stream uploader has it in hand the
// instant it sees End, with no separate handoff to race against.
type Item struct {
	Kind      ItemKind
	Header    *FileHeader
	Share     *Share
	KeyRecipe []KeyRecipeEntry
}

// UserRef is one user's reference count against a deduplicated share.
type UserRef struct {
	UserID int64
	RefCnt int64
}

// ShareIndexValue is the KV index's value for a share fingerprint key: where
// the bytes live and who references them.
type ShareIndexValue struct {
	ShareContainerName   string
	ShareContainerOffset int64
	ShareSize            int32
	Users                []UserRef
}

// NumOfUsers reports the length of the user-ref vector (kept as a method,
// not a stored field, so it can never drift from the slice it describes).
func (v ShareIndexValue) NumOfUsers() int {
	return len(v.Users)
}

// HasUser reports whether userID already holds a reference, and its index.
func (v ShareIndexValue) HasUser(userID int64) (int, bool) {
	for i, u := range v.Users {
		if u.UserID == userID {
			return i, true
		}
	}
	return -1, false
}

// metadataNodeSize is the fixed on-wire size of one MetadataNode record:
// a 32-byte shareFP followed by three little-endian int32 fields.
const metadataNodeSize = 32 + 4 + 4 + 4

// EncodeMetadataNodes serializes a run of MetadataNodes into the byte form
// the uploader accumulates in its per-cloud metadata buffer and the engine
// walks at firstStageDedup/secondStageDedup time.
func EncodeMetadataNodes(nodes []MetadataNode) []byte {
	buf := make([]byte, len(nodes)*metadataNodeSize)
	for i, n := range nodes {
		off := i * metadataNodeSize
		copy(buf[off:off+32], n.ShareFP[:])
		binary.LittleEndian.PutUint32(buf[off+32:off+36], uint32(n.SecretID))
		binary.LittleEndian.PutUint32(buf[off+36:off+40], uint32(n.SecretSize))
		binary.LittleEndian.PutUint32(buf[off+40:off+44], uint32(n.ShareSize))
	}
	return buf
}

// DecodeMetadataNodes reverses EncodeMetadataNodes.
func DecodeMetadataNodes(buf []byte) ([]MetadataNode, error) {
	if len(buf)%metadataNodeSize != 0 {
		return nil, fmt.Errorf("model: metadata buffer length %d is not a multiple of %d", len(buf), metadataNodeSize)
	}
	count := len(buf) / metadataNodeSize
	nodes := make([]MetadataNode, count)
	for i := range nodes {
		off := i * metadataNodeSize
		var n MetadataNode
		copy(n.ShareFP[:], buf[off:off+32])
		n.SecretID = int32(binary.LittleEndian.Uint32(buf[off+32 : off+36]))
		n.SecretSize = int32(binary.LittleEndian.Uint32(buf[off+36 : off+40]))
		n.ShareSize = int32(binary.LittleEndian.Uint32(buf[off+40 : off+44]))
		nodes[i] = n
	}
	return nodes, nil
}

// fileRecipeEntrySize is the fixed on-wire size of one FileRecipeEntry: a
// 32-byte shareFP followed by two little-endian int32 fields.
const fileRecipeEntrySize = 32 + 4 + 4

// EncodeFileRecipeEntries serializes the ordered list of (shareFP, secretID,
// secretSize) entries that make up a reconstructed file recipe.
func EncodeFileRecipeEntries(entries []FileRecipeEntry) []byte {
	buf := make([]byte, len(entries)*fileRecipeEntrySize)
	for i, e := range entries {
		off := i * fileRecipeEntrySize
		copy(buf[off:off+32], e.ShareFP[:])
		binary.LittleEndian.PutUint32(buf[off+32:off+36], uint32(e.SecretID))
		binary.LittleEndian.PutUint32(buf[off+36:off+40], uint32(e.SecretSize))
	}
	return buf
}

// DecodeFileRecipeEntries reverses EncodeFileRecipeEntries.
func DecodeFileRecipeEntries(buf []byte) ([]FileRecipeEntry, error) {
	if len(buf)%fileRecipeEntrySize != 0 {
		return nil, fmt.Errorf("model: file recipe buffer length %d is not a multiple of %d", len(buf), fileRecipeEntrySize)
	}
	count := len(buf) / fileRecipeEntrySize
	entries := make([]FileRecipeEntry, count)
	for i := range entries {
		off := i * fileRecipeEntrySize
		var e FileRecipeEntry
		copy(e.ShareFP[:], buf[off:off+32])
		e.SecretID = int32(binary.LittleEndian.Uint32(buf[off+32 : off+36]))
		e.SecretSize = int32(binary.LittleEndian.Uint32(buf[off+36 : off+40]))
		entries[i] = e
	}
	return entries, nil
}

// EncodeKeyRecipeEntries serializes the (metaChunkId, metaChunkShareFP, key)
// tuples written per emitted metadata chunk, before passphrase encryption.
func EncodeKeyRecipeEntries(entries []KeyRecipeEntry) []byte {
	const size = 4 + 32 + 32
	buf := make([]byte, len(entries)*size)
	for i, e := range entries {
		off := i * size
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(e.MetaChunkID))
		copy(buf[off+4:off+36], e.MetaChunkShareFP[:])
		copy(buf[off+36:off+68], e.Key[:])
	}
	return buf
}

// DecodeKeyRecipeEntries reverses EncodeKeyRecipeEntries.
func DecodeKeyRecipeEntries(buf []byte) ([]KeyRecipeEntry, error) {
	const size = 4 + 32 + 32
	if len(buf)%size != 0 {
		return nil, fmt.Errorf("model: key recipe buffer length %d is not a multiple of %d", len(buf), size)
	}
	count := len(buf) / size
	entries := make([]KeyRecipeEntry, count)
	for i := range entries {
		off := i * size
		var e KeyRecipeEntry
		e.MetaChunkID = int32(binary.LittleEndian.Uint32(buf[off : off+4]))
		copy(e.MetaChunkShareFP[:], buf[off+4:off+36])
		copy(e.Key[:], buf[off+36:off+68])
		entries[i] = e
	}
	return entries, nil
}

// EncodeFileHeader serializes a FileHeader for the wire: the fixed fields
// followed by the variable-length per-cloud encoded path.
func EncodeFileHeader(h FileHeader) []byte {
	buf := make([]byte, 8+4+4+len(h.EncodedName)+4+8+4+8)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(h.FileSize))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(h.FullNameSize))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(h.EncodedName)))
	off += 4
	copy(buf[off:off+len(h.EncodedName)], h.EncodedName)
	off += len(h.EncodedName)
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(h.NumOfPastSecrets))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(h.SizeOfPastSecrets))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(h.NumOfComingSecrets))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(h.SizeOfComingSecrets))
	return buf
}

// DecodeFileHeader reverses EncodeFileHeader, returning the header and the
// number of bytes consumed so the caller can continue parsing the
// remainder of a metadata buffer.
func DecodeFileHeader(buf []byte) (FileHeader, int, error) {
	if len(buf) < 16 {
		return FileHeader{}, 0, fmt.Errorf("model: file header buffer too short (%d bytes)", len(buf))
	}
	var h FileHeader
	off := 0
	h.FileSize = int64(binary.LittleEndian.Uint64(buf[off : off+8]))
	off += 8
	h.FullNameSize = int32(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	nameLen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	if len(buf) < off+nameLen+24 {
		return FileHeader{}, 0, fmt.Errorf("model: file header buffer truncated")
	}
	h.EncodedName = append([]byte(nil), buf[off:off+nameLen]...)
	off += nameLen
	h.NumOfPastSecrets = int32(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	h.SizeOfPastSecrets = int64(binary.LittleEndian.Uint64(buf[off : off+8]))
	off += 8
	h.NumOfComingSecrets = int32(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	h.SizeOfComingSecrets = int64(binary.LittleEndian.Uint64(buf[off : off+8]))
	off += 8
	return h, off, nil
}

// CatalogEntry is a client-side record of a past upload or download,
// supplementing spec.md with a local history the CLI can report against.
// It does not participate in dedup semantics.
type CatalogEntry struct {
	SessionID    string
	FilePath     string
	UserID       int64
	Direction    string // "upload" | "download"
	N, M         int
	Profile      string
	TotalBytes   int64
	UniqueBytes  int64
	StartedAt    time.Time
	CompletedAt  time.Time
	Succeeded    bool
}

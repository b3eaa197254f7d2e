// Package downloader implements the client-side restore path from spec.md
// §4.3: a pre-download phase that reconstructs the real file recipe from a
// cloud's key recipe and metadata-chunk shares, and a download phase that
// reorders k parallel share streams by secret id and feeds the decoder.
// Grounded on the same per-stream worker shape as client/uploader, run in
// reverse.
package downloader

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/quantarax/dispersa/internal/cryptoprofile"
	"github.com/quantarax/dispersa/internal/dispersal"
	"github.com/quantarax/dispersa/internal/errs"
	"github.com/quantarax/dispersa/internal/model"
	"github.com/quantarax/dispersa/internal/wireproto"
)

// Conn is the minimal bidirectional stream a Downloader needs; satisfied by
// net.Conn.
type Conn interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
}

// keyRecipeName mirrors client/uploader's naming: <path>-share-<i>-enc.key
// with '/' remapped to '_'.
func keyRecipeName(filePath string, cloud int) string {
	safe := strings.ReplaceAll(filePath, "/", "_")
	return fmt.Sprintf("%s-share-%d-enc.key", safe, cloud)
}

// recipeName is the <name>-<i>.recipe resource spec.md §4.3 names, used both
// for the metadata-chunk-share recipe and the final reconstructed recipe.
func recipeName(filePath string, cloud int) string {
	safe := strings.ReplaceAll(filePath, "/", "_")
	return fmt.Sprintf("%s-%d.recipe", safe, cloud)
}

// shareRecord is one (secretID, secretSize, bytes) record read back from a
// DOWNLOAD response stream.
type shareRecord struct {
	secretID   int32
	secretSize int64
	bytes      []byte
}

// requestDownload issues a DOWNLOAD request for name and reads back the
// shareFileHead_t plus numOfShares {shareEntry_t, bytes} records the engine's
// Restore emits.
func requestDownload(conn Conn, name string) ([]shareRecord, error) {
	if err := wireproto.WriteIndicator(conn, wireproto.IndicatorDownload); err != nil {
		return nil, err
	}
	if err := wireproto.WriteString(conn, name); err != nil {
		return nil, err
	}

	_, err := wireproto.ReadInt64(conn) // fileSize, informational
	if err != nil {
		return nil, err
	}
	numShares, err := wireproto.ReadUint32(conn)
	if err != nil {
		return nil, err
	}

	records := make([]shareRecord, numShares)
	for i := range records {
		if _, err := wireproto.ReadRestoreHead(conn); err != nil {
			return nil, err
		}
		secretID, err := wireproto.ReadUint32(conn)
		if err != nil {
			return nil, err
		}
		secretSize, err := wireproto.ReadInt64(conn)
		if err != nil {
			return nil, err
		}
		b, err := wireproto.ReadFrame(conn)
		if err != nil {
			return nil, err
		}
		records[i] = shareRecord{secretID: int32(secretID), secretSize: secretSize, bytes: b}
	}
	return records, nil
}

// uploadFileRecipe ships a reconstructed recipe to the server as a
// FILE_RECIPE request so a later DOWNLOAD can restore against it.
func uploadFileRecipe(conn Conn, name string, entries []model.FileRecipeEntry) error {
	body := model.EncodeFileRecipeEntries(entries)
	if err := wireproto.WriteIndicator(conn, wireproto.IndicatorFileRecipe); err != nil {
		return err
	}
	if err := wireproto.WriteString(conn, name); err != nil {
		return err
	}
	return wireproto.WriteFrame(conn, body)
}

// PreDownload reconstructs one cloud's file recipe: fetch and decrypt the
// key recipe, use it to pull back the metadata-chunk shares, decrypt each
// chunk to recover its fileRecipeEntry_t records, and re-upload the
// assembled recipe under the same name so Download can restore against it.
func PreDownload(ctx context.Context, conn Conn, cloud int, filePath, passphrase string, profile cryptoprofile.Profile) ([]model.FileRecipeEntry, error) {
	krName := keyRecipeName(filePath, cloud)
	if err := wireproto.WriteIndicator(conn, wireproto.IndicatorGetKeyRecipe); err != nil {
		return nil, err
	}
	if err := wireproto.WriteString(conn, krName); err != nil {
		return nil, err
	}
	raw, err := wireproto.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	plaintext, err := profile.DecryptWireKeyRecipe(raw, passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCrypto, err)
	}
	keyEntries, err := model.DecodeKeyRecipeEntries(plaintext)
	if err != nil {
		return nil, err
	}
	byChunkID := make(map[int32]model.KeyRecipeEntry, len(keyEntries))
	metaChunkRecipe := make([]model.FileRecipeEntry, len(keyEntries))
	for i, e := range keyEntries {
		byChunkID[e.MetaChunkID] = e
		metaChunkRecipe[i] = model.FileRecipeEntry{ShareFP: e.MetaChunkShareFP, SecretID: e.MetaChunkID}
	}
	sort.Slice(metaChunkRecipe, func(i, j int) bool { return metaChunkRecipe[i].SecretID > metaChunkRecipe[j].SecretID })

	chunkRecipeName := recipeName(filePath, cloud)
	if err := uploadFileRecipe(conn, chunkRecipeName, metaChunkRecipe); err != nil {
		return nil, err
	}
	chunkRecords, err := requestDownload(conn, chunkRecipeName)
	if err != nil {
		return nil, err
	}

	var reconstructed []model.FileRecipeEntry
	for _, rec := range chunkRecords {
		entry, ok := byChunkID[rec.secretID]
		if !ok {
			return nil, fmt.Errorf("%w: metadata-chunk share %d has no matching key-recipe entry", errs.ErrIntegrity, rec.secretID)
		}
		key := entry.Key[:profile.KeySize()]
		metaBuf, err := profile.OpenConvergent(key, rec.bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: decrypt metadata chunk %d: %v", errs.ErrCrypto, rec.secretID, err)
		}
		nodes, err := model.DecodeMetadataNodes(metaBuf)
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			reconstructed = append(reconstructed, model.FileRecipeEntry{
				ShareFP:    n.ShareFP,
				SecretID:   n.SecretID,
				SecretSize: n.SecretSize,
			})
		}
	}
	sort.Slice(reconstructed, func(i, j int) bool { return reconstructed[i].SecretID < reconstructed[j].SecretID })

	realRecipeName := recipeName(filePath, cloud)
	if err := uploadFileRecipe(conn, realRecipeName, reconstructed); err != nil {
		return nil, err
	}
	return reconstructed, nil
}

// Download fetches the reconstructed recipe from each of the given
// connections (one per selected cloud, paired with that cloud's index in
// the dispersal codec's n-way share space), reorders the k parallel streams
// by secret id, groups shares per secret, and decodes each secret through
// codec. secretSize per id is taken from the first stream that reports it.
func Download(ctx context.Context, conns []Conn, clouds []int, filePath string, codec *dispersal.Codec) ([]byte, error) {
	if len(conns) == 0 || len(conns) != len(clouds) {
		return nil, fmt.Errorf("%w: download requires one connection per selected cloud", errs.ErrConfig)
	}
	streams := make([][]shareRecord, len(conns))
	for i, conn := range conns {
		name := recipeName(filePath, clouds[i])
		recs, err := requestDownload(conn, name)
		if err != nil {
			return nil, err
		}
		streams[i] = recs
	}

	n := len(streams[0])
	for _, s := range streams {
		if len(s) != n {
			return nil, fmt.Errorf("%w: per-cloud recipe streams disagree on share count", errs.ErrTransport)
		}
	}

	var out []byte
	for idx := 0; idx < n; idx++ {
		secretID := streams[0][idx].secretID
		secretSize := streams[0][idx].secretSize
		shares := make([][]byte, codec.N())
		for i, s := range streams {
			rec := s[idx]
			if rec.secretID != secretID {
				return nil, fmt.Errorf("%w: cloud %d out of sync at position %d (want secret %d, got %d)", errs.ErrTransport, i, idx, secretID, rec.secretID)
			}
			shares[clouds[i]] = rec.bytes
		}
		secret, err := codec.Reconstruct(shares, int(secretSize))
		if err != nil {
			return nil, err
		}
		out = append(out, secret...)
	}
	return out, nil
}

package downloader

import (
	"context"
	"net"
	"testing"

	"github.com/quantarax/dispersa/internal/cryptoprofile"
	"github.com/quantarax/dispersa/internal/dispersal"
	"github.com/quantarax/dispersa/internal/model"
	"github.com/quantarax/dispersa/internal/wireproto"
)

// fakeCloud emulates one cloud's server-side handling of GET_KEY_RECIPE,
// FILE_RECIPE, and DOWNLOAD against an in-memory store, enough to exercise
// the downloader's wire protocol without a full server/engine instance.
type fakeCloud struct {
	keystore map[string][]byte
	recipes  map[string][]model.FileRecipeEntry
	shares   map[[32]byte][]byte // shareFP -> bytes, for metadata-chunk and real shares alike
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		keystore: make(map[string][]byte),
		recipes:  make(map[string][]model.FileRecipeEntry),
		shares:   make(map[[32]byte][]byte),
	}
}

func (f *fakeCloud) serve(t *testing.T, conn net.Conn, stop <-chan struct{}) {
	for {
		ind, err := wireproto.ReadIndicator(conn)
		if err != nil {
			return
		}
		switch ind {
		case wireproto.IndicatorGetKeyRecipe:
			name, err := wireproto.ReadString(conn)
			if err != nil {
				t.Error(err)
				return
			}
			if err := wireproto.WriteFrame(conn, f.keystore[name]); err != nil {
				t.Error(err)
				return
			}

		case wireproto.IndicatorFileRecipe:
			name, err := wireproto.ReadString(conn)
			if err != nil {
				t.Error(err)
				return
			}
			body, err := wireproto.ReadFrame(conn)
			if err != nil {
				t.Error(err)
				return
			}
			entries, err := model.DecodeFileRecipeEntries(body)
			if err != nil {
				t.Error(err)
				return
			}
			f.recipes[name] = entries

		case wireproto.IndicatorDownload:
			name, err := wireproto.ReadString(conn)
			if err != nil {
				t.Error(err)
				return
			}
			entries := f.recipes[name]
			var fileSize int64
			for _, e := range entries {
				fileSize += int64(e.SecretSize)
			}
			if err := wireproto.WriteInt64(conn, fileSize); err != nil {
				t.Error(err)
				return
			}
			if err := wireproto.WriteUint32(conn, uint32(len(entries))); err != nil {
				t.Error(err)
				return
			}
			var sent int64
			for _, e := range entries {
				b := f.shares[e.ShareFP]
				if err := wireproto.WriteRestoreHead(conn, wireproto.RestoreHead{SentDataSize: sent}); err != nil {
					t.Error(err)
					return
				}
				if err := wireproto.WriteUint32(conn, uint32(e.SecretID)); err != nil {
					t.Error(err)
					return
				}
				if err := wireproto.WriteInt64(conn, int64(e.SecretSize)); err != nil {
					t.Error(err)
					return
				}
				if err := wireproto.WriteFrame(conn, b); err != nil {
					t.Error(err)
					return
				}
				sent += int64(len(b))
			}

		default:
			t.Errorf("fakeCloud: unexpected indicator %s", ind)
			return
		}
	}
}

// TestPreDownloadReconstructsFileRecipe builds a single-cloud scenario: one
// metadata chunk covering one secret, encrypts it the way the encoder would,
// seeds the fake cloud's keystore/shares, and checks PreDownload recovers
// the original (shareFP, secretID, secretSize) entry.
func TestPreDownloadReconstructsFileRecipe(t *testing.T) {
	profile := cryptoprofile.HIGH
	passphrase := "s3cr3t"
	filePath := "/backup/report.pdf"
	cloud := 0

	secretPayload := []byte("the-actual-secret-bytes")
	node := model.MetadataNode{
		ShareFP:    profile.Hash(secretPayload),
		SecretID:   0,
		SecretSize: int32(len(secretPayload)),
		ShareSize:  int32(len(secretPayload)),
	}
	metaBuf := model.EncodeMetadataNodes([]model.MetadataNode{node})
	chunkKey := profile.Hash(metaBuf)
	ciphertext, err := profile.SealConvergent(chunkKey[:profile.KeySize()], metaBuf)
	if err != nil {
		t.Fatal(err)
	}
	chunkFP := profile.Hash(ciphertext)

	keyEntries := []model.KeyRecipeEntry{{MetaChunkID: -1, MetaChunkShareFP: chunkFP, Key: chunkKey}}
	krPlain := model.EncodeKeyRecipeEntries(keyEntries)
	krBlob, err := profile.EncryptKeyRecipe(krPlain, passphrase)
	if err != nil {
		t.Fatal(err)
	}
	var wireBlob []byte
	wireBlob = append(wireBlob, krBlob.Salt...)
	wireBlob = append(wireBlob, krBlob.Nonce...)
	wireBlob = append(wireBlob, krBlob.Ciphertext...)

	cloudSrv := newFakeCloud()
	cloudSrv.keystore[keyRecipeName(filePath, cloud)] = wireBlob
	cloudSrv.shares[chunkFP] = ciphertext

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	stop := make(chan struct{})
	defer close(stop)
	go cloudSrv.serve(t, server, stop)

	entries, err := PreDownload(context.Background(), client, cloud, filePath, passphrase, profile)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one reconstructed entry, got %d", len(entries))
	}
	if entries[0].ShareFP != node.ShareFP || entries[0].SecretID != node.SecretID || entries[0].SecretSize != node.SecretSize {
		t.Fatalf("reconstructed entry mismatch: got %+v, want %+v", entries[0], node)
	}
}

// TestDownloadReconstructsSecretFromShares exercises the download phase
// directly: a codec disperses one secret into n shares, the fake cloud
// streams each of k shares back keyed by its own recipe, and Download must
// recover the exact original bytes.
func TestDownloadReconstructsSecretFromShares(t *testing.T) {
	codec, err := dispersal.New(4, 3)
	if err != nil {
		t.Fatal(err)
	}
	secret := []byte("reconstruct-me-please")
	shares, err := codec.Disperse(secret)
	if err != nil {
		t.Fatal(err)
	}

	filePath := "/backup/report.pdf"
	const k = 3
	clouds := []int{0, 1, 2}
	conns := make([]Conn, k)
	for i, cloud := range clouds {
		entry := model.FileRecipeEntry{ShareFP: cryptoprofile.HIGH.Hash(shares[cloud]), SecretID: 0, SecretSize: int32(len(secret))}
		cloudSrv := newFakeCloud()
		cloudSrv.recipes[recipeName(filePath, cloud)] = []model.FileRecipeEntry{entry}
		cloudSrv.shares[entry.ShareFP] = shares[cloud]

		client, server := net.Pipe()
		t.Cleanup(func() { client.Close(); server.Close() })
		stop := make(chan struct{})
		t.Cleanup(func() { close(stop) })
		go cloudSrv.serve(t, server, stop)
		conns[i] = client
	}

	got, err := Download(context.Background(), conns, clouds, filePath, codec)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(secret) {
		t.Fatalf("expected %q, got %q", secret, got)
	}
}

// Package uploader implements the per-cloud uploader streams from spec.md
// §4.2: a framing/batching buffer over a pair of metadata+data connections,
// the four-step performUpload status-reconciliation protocol, and the
// key-recipe upload on SHARE_END. One Uploader drains one of the encoder's
// 2N per-cloud item streams (data-share stream or metadata-chunk-share
// stream); both run the identical protocol, grounded on the teacher's
// single-responsibility per-stream worker shape in daemon/transport.
package uploader

import (
	"context"
	"fmt"
	"strings"

	"github.com/quantarax/dispersa/internal/cryptoprofile"
	"github.com/quantarax/dispersa/internal/errs"
	"github.com/quantarax/dispersa/internal/model"
	"github.com/quantarax/dispersa/internal/observability"
	"github.com/quantarax/dispersa/internal/queue"
	"github.com/quantarax/dispersa/internal/wireproto"
)

// Conn is the minimal bidirectional stream an Uploader needs; satisfied by
// net.Conn.
type Conn interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
}

// Result is what Run reports: bytes negotiated vs. bytes actually put on
// the wire, per spec.md §4.2's join() → (totalBytes, uniqueBytes) contract.
type Result struct {
	TotalBytes  int64
	UniqueBytes int64
}

// Uploader drains one per-cloud Item queue against a metadata connection
// and a data connection to the same cloud.
type Uploader struct {
	cloud      int
	metaConn   Conn
	dataConn   Conn
	profile    cryptoprofile.Profile
	uploadMax  int64
	isMetaSide bool // true for the metadata-chunk-share stream (uploads the key recipe on SHARE_END)
	passphrase string
	filePath   string
	logger     *observability.Logger
	metrics    *observability.Metrics

	header     model.FileHeader
	nodes      []model.MetadataNode
	dataBuf    []byte
	keyRecipe  []model.KeyRecipeEntry
	result     Result
}

// New builds an Uploader for one cloud's data-share or metadata-chunk-share
// stream.
func New(cloud int, metaConn, dataConn Conn, profile cryptoprofile.Profile, uploadMax int64, isMetaSide bool, filePath, passphrase string, logger *observability.Logger, metrics *observability.Metrics) *Uploader {
	return &Uploader{
		cloud:      cloud,
		metaConn:   metaConn,
		dataConn:   dataConn,
		profile:    profile,
		uploadMax:  uploadMax,
		isMetaSide: isMetaSide,
		passphrase: passphrase,
		filePath:   filePath,
		logger:     logger,
		metrics:    metrics,
	}
}

// Run drains items from in until ItemEnd, batching into uploadMetaBuffer/
// uploadContainer and running performUpload on overflow and at the end.
func (u *Uploader) Run(ctx context.Context, in *queue.Queue[model.Item]) (Result, error) {
	for {
		item, ok, err := in.Get(ctx)
		if err != nil {
			return u.result, err
		}
		if !ok {
			return u.result, fmt.Errorf("%w: upload stream closed before ItemEnd", errs.ErrTransport)
		}

		switch item.Kind {
		case model.ItemFileHeader:
			u.header = *item.Header

		case model.ItemShare:
			share := item.Share
			if int64(len(u.dataBuf))+int64(share.ShareSize) > u.uploadMax {
				if err := u.performUpload(); err != nil {
					return u.result, err
				}
			}
			u.nodes = append(u.nodes, model.MetadataNode{
				ShareFP:    share.ShareFP,
				SecretID:   share.SecretID,
				SecretSize: share.SecretSize,
				ShareSize:  share.ShareSize,
			})
			u.dataBuf = append(u.dataBuf, share.Bytes...)
			u.header.NumOfComingSecrets++
			u.header.SizeOfComingSecrets += int64(share.SecretSize)

		case model.ItemEnd:
			if err := u.performUpload(); err != nil {
				return u.result, err
			}
			if u.isMetaSide {
				u.keyRecipe = item.KeyRecipe
				if err := u.uploadKeyRecipe(); err != nil {
					return u.result, err
				}
			}
			return u.result, nil
		}
	}
}

// performUpload runs spec.md §4.2's four-step protocol: send the metadata
// batch, receive the status list, compact the data buffer to unique
// shares, send the data batch.
func (u *Uploader) performUpload() error {
	if len(u.nodes) == 0 {
		return nil
	}

	headerBuf := model.EncodeFileHeader(u.header)
	metaBuf := append(headerBuf, model.EncodeMetadataNodes(u.nodes)...)

	if err := wireproto.WriteIndicator(u.metaConn, wireproto.IndicatorMeta); err != nil {
		return err
	}
	if err := wireproto.WriteFrame(u.metaConn, metaBuf); err != nil {
		return err
	}

	ind, err := wireproto.ReadIndicator(u.metaConn)
	if err != nil {
		return err
	}
	if ind != wireproto.IndicatorStat {
		return fmt.Errorf("%w: expected STAT indicator, got %s", errs.ErrTransport, ind)
	}
	status, err := wireproto.ReadStatusList(u.metaConn)
	if err != nil {
		return err
	}
	if len(status) != len(u.nodes) {
		return fmt.Errorf("%w: status list length %d does not match %d pending shares", errs.ErrTransport, len(status), len(u.nodes))
	}

	var compacted []byte
	var accuData, accuUnique int64
	offset := 0
	for i, n := range u.nodes {
		sz := int(n.ShareSize)
		chunk := u.dataBuf[offset : offset+sz]
		offset += sz
		accuData += int64(sz)
		if !status[i] {
			compacted = append(compacted, chunk...)
			accuUnique += int64(sz)
		}
	}
	u.result.TotalBytes += accuData
	u.result.UniqueBytes += accuUnique
	u.metrics.RecordUploadComplete(true, 0, accuData, accuUnique)

	if err := wireproto.WriteIndicator(u.dataConn, wireproto.IndicatorData); err != nil {
		return err
	}
	if err := wireproto.WriteFrame(u.dataConn, compacted); err != nil {
		return err
	}

	u.header.NumOfPastSecrets += u.header.NumOfComingSecrets
	u.header.SizeOfPastSecrets += u.header.SizeOfComingSecrets
	u.header.NumOfComingSecrets = 0
	u.header.SizeOfComingSecrets = 0
	u.nodes = nil
	u.dataBuf = nil
	return nil
}

// keyRecipeName builds the on-disk/wire name spec.md §6 specifies for a
// per-cloud key-recipe file: <originalPath>-share-<i>-enc.key with '/'
// remapped to '_'.
func keyRecipeName(filePath string, cloud int) string {
	safe := strings.ReplaceAll(filePath, "/", "_")
	return fmt.Sprintf("%s-share-%d-enc.key", safe, cloud)
}

// uploadKeyRecipe encrypts the accumulated key-recipe entries under the
// configured passphrase and ships them as a KEY_RECIPE request.
func (u *Uploader) uploadKeyRecipe() error {
	if len(u.keyRecipe) == 0 {
		return nil
	}
	plaintext := model.EncodeKeyRecipeEntries(u.keyRecipe)
	blob, err := u.profile.EncryptKeyRecipe(plaintext, u.passphrase)
	if err != nil {
		return fmt.Errorf("%w: encrypt key recipe: %v", errs.ErrCrypto, err)
	}

	var payload []byte
	payload = append(payload, blob.Salt...)
	payload = append(payload, blob.Nonce...)
	payload = append(payload, blob.Ciphertext...)

	name := keyRecipeName(u.filePath, u.cloud)
	if err := wireproto.WriteIndicator(u.metaConn, wireproto.IndicatorKeyRecipe); err != nil {
		return err
	}
	if err := wireproto.WriteString(u.metaConn, name); err != nil {
		return err
	}
	if err := wireproto.WriteFrame(u.metaConn, payload); err != nil {
		return err
	}
	return nil
}

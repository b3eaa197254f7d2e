// Package encoder implements the client-side encoder from spec.md §4.1: T
// worker slots disperse secrets into N-way shares in parallel, and a single
// collector re-serializes the results in submission order and performs
// metadata-chunk formation per cloud. Grounded on the teacher's worker-pool
// shape (a fixed slot count, one goroutine per slot, a single collector),
// generalized from fixed-size manifest chunks to the dispersal codec's
// variable-size shares, using internal/queue for the T input/output queues
// spec.md §9 calls out as a clean channel-close replacement for the
// original pthread_t array.
package encoder

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/quantarax/dispersa/internal/config"
	"github.com/quantarax/dispersa/internal/cryptoprofile"
	"github.com/quantarax/dispersa/internal/dispersal"
	"github.com/quantarax/dispersa/internal/model"
	"github.com/quantarax/dispersa/internal/observability"
	"github.com/quantarax/dispersa/internal/queue"
)

// workItem is what the submitter hands to a worker slot: either a secret
// awaiting dispersal or a pre-dispersed file header passed through
// untouched (SubmitFileHeader disperses the path itself, once per file,
// before the header enters a worker queue).
type workItem struct {
	isHeader     bool
	secret       model.Secret
	headerShares [][]byte
	header       model.FileHeader
}

// workResult is what a worker slot hands to the collector.
type workResult struct {
	isHeader     bool
	secret       model.Secret
	shares       [][]byte
	headerShares [][]byte
	header       model.FileHeader
}

// Encoder owns the T worker slots and the single collector goroutine. One
// Encoder processes exactly one file, start to finish.
type Encoder struct {
	codec   *dispersal.Codec
	profile cryptoprofile.Profile
	cfg     config.EngineConfig
	logger  *observability.Logger
	metrics *observability.Metrics

	workers int
	n       int // clouds, == codec.N()

	in  []*queue.Queue[workItem]
	out []*queue.Queue[workResult]

	nextAddIndex int

	DataOut []*queue.Queue[model.Item]
	MetaOut []*queue.Queue[model.Item]

	wg   sync.WaitGroup
	done chan struct{}

	metaNodes        [][]model.MetadataNode
	segSizeTemp      []int64
	metaChunkCounter []int32
	keyRecipes       [][]model.KeyRecipeEntry
}

// New builds an Encoder with T worker slots over codec, whose N determines
// the number of per-cloud output streams.
func New(codec *dispersal.Codec, profile cryptoprofile.Profile, cfg config.EngineConfig, workers int, logger *observability.Logger, metrics *observability.Metrics) *Encoder {
	if workers < 1 {
		workers = 1
	}
	n := codec.N()
	e := &Encoder{
		codec:            codec,
		profile:          profile,
		cfg:              cfg,
		logger:           logger,
		metrics:          metrics,
		workers:          workers,
		n:                n,
		in:               make([]*queue.Queue[workItem], workers),
		out:              make([]*queue.Queue[workResult], workers),
		DataOut:          make([]*queue.Queue[model.Item], n),
		MetaOut:          make([]*queue.Queue[model.Item], n),
		done:             make(chan struct{}),
		metaNodes:        make([][]model.MetadataNode, n),
		segSizeTemp:      make([]int64, n),
		metaChunkCounter: make([]int32, n),
		keyRecipes:       make([][]model.KeyRecipeEntry, n),
	}
	for i := 0; i < workers; i++ {
		e.in[i] = queue.New[workItem](8)
		e.out[i] = queue.New[workResult](8)
	}
	for i := 0; i < n; i++ {
		e.DataOut[i] = queue.New[model.Item](64)
		e.MetaOut[i] = queue.New[model.Item](64)
		e.metaChunkCounter[i] = -1
	}
	return e
}

// Start launches the T worker goroutines and the collector goroutine.
func (e *Encoder) Start(ctx context.Context) {
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.runWorker(ctx, i)
	}
	go e.runCollector(ctx)
}

func (e *Encoder) runWorker(ctx context.Context, i int) {
	defer e.wg.Done()
	for {
		wi, ok, err := e.in[i].Get(ctx)
		if !ok || err != nil {
			return
		}
		if wi.isHeader {
			e.out[i].Put(ctx, workResult{isHeader: true, headerShares: wi.headerShares, header: wi.header})
			continue
		}
		shares, err := e.codec.Disperse(wi.secret.Bytes)
		if err != nil {
			e.logger.Error(err, "encoder: dispersal failed")
			continue
		}
		e.out[i].Put(ctx, workResult{secret: wi.secret, shares: shares})
	}
}

// SubmitFileHeader encodes path through the dispersal codec once and
// enqueues a per-cloud FileHeader record (§4.1's file-header variant), in
// round-robin order alongside secrets.
func (e *Encoder) SubmitFileHeader(path string, fileSize int64) error {
	shares, err := e.codec.Disperse([]byte(path))
	if err != nil {
		return fmt.Errorf("encoder: disperse path: %w", err)
	}
	wi := workItem{
		isHeader:     true,
		headerShares: shares,
		header:       model.FileHeader{FileSize: fileSize, FullNameSize: int32(len(path))},
	}
	return e.submit(wi)
}

// Submit enqueues a secret into the next worker queue in round-robin order
// (nextAddIndex = (nextAddIndex+1) mod T).
func (e *Encoder) Submit(secret model.Secret) error {
	return e.submit(workItem{secret: secret})
}

func (e *Encoder) submit(wi workItem) error {
	idx := e.nextAddIndex
	e.nextAddIndex = (e.nextAddIndex + 1) % e.workers
	return e.in[idx].Put(context.Background(), wi)
}

// runCollector pulls worker results in the same round-robin order the
// submitter used, which — because each per-worker queue is FIFO — is
// exactly the submission order (spec.md §4.1).
func (e *Encoder) runCollector(ctx context.Context) {
	idx := 0
	for {
		wr, ok, err := e.out[idx].Get(ctx)
		idx = (idx + 1) % e.workers
		if !ok || err != nil {
			return
		}

		if wr.isHeader {
			e.emitHeader(ctx, wr)
			continue
		}

		e.emitShare(ctx, wr)

		if wr.secret.End {
			for cloud := 0; cloud < e.n; cloud++ {
				e.flushMetaChunk(ctx, cloud, true)
				e.DataOut[cloud].Put(ctx, model.Item{Kind: model.ItemEnd})
				e.MetaOut[cloud].Put(ctx, model.Item{Kind: model.ItemEnd, KeyRecipe: e.keyRecipes[cloud]})
			}
			close(e.done)
			return
		}
	}
}

func (e *Encoder) emitHeader(ctx context.Context, wr workResult) {
	for cloud := 0; cloud < e.n; cloud++ {
		hdr := wr.header
		hdr.EncodedName = wr.headerShares[cloud]
		item := model.Item{Kind: model.ItemFileHeader, Header: &hdr}
		e.DataOut[cloud].Put(ctx, item)
		e.MetaOut[cloud].Put(ctx, item)
	}
}

func (e *Encoder) emitShare(ctx context.Context, wr workResult) {
	for cloud := 0; cloud < e.n; cloud++ {
		shareBytes := wr.shares[cloud]
		fp := e.profile.Hash(shareBytes)
		share := &model.Share{
			SecretID:   wr.secret.ID,
			SecretSize: wr.secret.SecretSize,
			ShareSize:  int32(len(shareBytes)),
			ShareFP:    fp,
			Bytes:      shareBytes,
		}
		e.DataOut[cloud].Put(ctx, model.Item{Kind: model.ItemShare, Share: share})
		e.metrics.RecordShareSent(len(shareBytes))
		e.appendMetadataNode(ctx, cloud, share)
	}
}

// appendMetadataNode appends a metadata node for share to cloud's pending
// metadata chunk and flushes it on a cut point (spec.md §4.1 step 2):
// fingerprint-remainder match, segment overflow, or (handled by the caller)
// end of file.
func (e *Encoder) appendMetadataNode(ctx context.Context, cloud int, share *model.Share) {
	node := model.MetadataNode{
		ShareFP:    share.ShareFP,
		SecretID:   share.SecretID,
		SecretSize: share.SecretSize,
		ShareSize:  share.ShareSize,
	}
	e.metaNodes[cloud] = append(e.metaNodes[cloud], node)
	e.segSizeTemp[cloud] += int64(share.ShareSize)

	n := binary.LittleEndian.Uint32(share.ShareFP[0:4])
	divisor := e.cfg.Divisor
	if divisor == 0 {
		divisor = 1
	}
	fpCut := n&(divisor-1) == e.cfg.Pattern
	sizeCut := e.segSizeTemp[cloud] > e.cfg.MaxSegmentSize
	if fpCut || sizeCut {
		e.flushMetaChunk(ctx, cloud, false)
	}
}

// flushMetaChunk performs the cut described in spec.md §4.1 step 3: encrypt
// the pending metadata buffer under a key derived from its own hash,
// publish a key-recipe entry, and enqueue the ciphertext as a
// metadata-chunk share to the metadata uploader.
func (e *Encoder) flushMetaChunk(ctx context.Context, cloud int, isEnd bool) {
	if len(e.metaNodes[cloud]) == 0 {
		return
	}
	metaBuf := model.EncodeMetadataNodes(e.metaNodes[cloud])

	keyFull := e.profile.Hash(metaBuf)
	key := keyFull[:e.profile.KeySize()]

	ciphertext, err := e.profile.SealConvergent(key, metaBuf)
	if err != nil {
		// §7: encryption failure logs and continues; the metadata-chunk
		// share is still enqueued (unencrypted), so the integrity check
		// on restore is the backstop, not this path.
		e.logger.Error(err, "encoder: metadata-chunk encryption failed, enqueuing plaintext")
		ciphertext = metaBuf
	}

	shareFP := e.profile.Hash(ciphertext)
	metaChunkID := e.metaChunkCounter[cloud]
	e.metaChunkCounter[cloud]--

	e.keyRecipes[cloud] = append(e.keyRecipes[cloud], model.KeyRecipeEntry{
		MetaChunkID:      metaChunkID,
		MetaChunkShareFP: shareFP,
		Key:              keyFull,
	})

	metaShare := &model.Share{
		SecretID:   metaChunkID,
		SecretSize: int32(len(metaBuf)),
		ShareSize:  int32(len(ciphertext)),
		ShareFP:    shareFP,
		Bytes:      ciphertext,
	}
	e.MetaOut[cloud].Put(ctx, model.Item{Kind: model.ItemShare, Share: metaShare})

	e.metaNodes[cloud] = nil
	e.segSizeTemp[cloud] = 0
}

// Join blocks until the collector has observed the secret marked End.
func (e *Encoder) Join() {
	<-e.done
}

// Close stops the worker goroutines once Join has returned. Calling it
// before Join risks dropping in-flight items.
func (e *Encoder) Close() {
	for i := range e.in {
		e.in[i].Close()
	}
	e.wg.Wait()
	for i := range e.out {
		e.out[i].Close()
	}
}

// KeyRecipe returns cloud's accumulated key-recipe entries, ready for
// passphrase encryption and upload once the file is fully encoded.
func (e *Encoder) KeyRecipe(cloud int) []model.KeyRecipeEntry {
	return e.keyRecipes[cloud]
}

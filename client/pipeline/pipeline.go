// Package pipeline wires the client-side upload and download paths from
// spec.md §4.1-§4.3 together: chunker feeds encoder, encoder's per-cloud
// queues feed uploader instances, and each of a cloud's two uploader streams
// gets its own pair of TCP connections (metadata, data). Grounded on the teacher's session.go orchestration
// style (a single struct owning every per-session resource and exposing one
// blocking Run-to-completion call).
package pipeline

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/quantarax/dispersa/internal/config"
	"github.com/quantarax/dispersa/internal/chunker"
	"github.com/quantarax/dispersa/internal/cryptoprofile"
	"github.com/quantarax/dispersa/internal/dispersal"
	"github.com/quantarax/dispersa/internal/errs"
	"github.com/quantarax/dispersa/internal/observability"
	"github.com/quantarax/dispersa/client/downloader"
	"github.com/quantarax/dispersa/client/encoder"
	"github.com/quantarax/dispersa/client/uploader"
)

// UploadResult aggregates the per-cloud byte counters reported by the
// uploader instances for one file.
type UploadResult struct {
	TotalBytes  int64
	UniqueBytes int64
}

// dialAndGreet opens a TCP connection and writes the 4-byte network-order
// user id spec.md §4.5 requires as the very first bytes on every connection.
func dialAndGreet(addr string, userID int64) (net.Conn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", errs.ErrTransport, addr, err)
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(userID))
	if _, err := conn.Write(buf[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: greet %s: %v", errs.ErrTransport, addr, err)
	}
	return conn, nil
}

// Upload runs a complete upload of filePath: it opens two metadata and two
// data connections per cloud in topology (one pair per uploader), streams the file through the
// chunker and encoder, and drives one uploader per cloud per stream
// (2*topology.N() uploaders total) to completion.
func Upload(ctx context.Context, filePath string, userID int64, profile cryptoprofile.Profile, topology config.CloudTopology, passphrase string, cfg config.EngineConfig, pcfg config.PipelineConfig, logger *observability.Logger, metrics *observability.Metrics) (UploadResult, error) {
	n := topology.N()
	m := config.DefaultThreshold(n)
	codec, err := dispersal.New(n, m)
	if err != nil {
		return UploadResult{}, err
	}

	f, err := os.Open(filePath)
	if err != nil {
		return UploadResult{}, fmt.Errorf("%w: open %s: %v", errs.ErrIO, filePath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return UploadResult{}, fmt.Errorf("%w: stat %s: %v", errs.ErrIO, filePath, err)
	}

	// Each cloud gets two independent connection pairs, one per logical
	// uploader stream (data shares, metadata-chunk shares): spec.md §4.2
	// runs these as 2N cooperating streams, and §6 notes the server
	// "accepts pairs of connections" (plural) per client session, so the
	// two streams must not share a single pair of sockets.
	dataMetaConns := make([]net.Conn, n)
	dataDataConns := make([]net.Conn, n)
	metaMetaConns := make([]net.Conn, n)
	metaDataConns := make([]net.Conn, n)
	allConns := func() []net.Conn {
		return append(append(append(append([]net.Conn{}, dataMetaConns...), dataDataConns...), metaMetaConns...), metaDataConns...)
	}
	for i := 0; i < n; i++ {
		var err error
		if dataMetaConns[i], err = dialAndGreet(topology.Meta[i].HostPort, userID); err != nil {
			return UploadResult{}, err
		}
		if dataDataConns[i], err = dialAndGreet(topology.Data[i].HostPort, userID); err != nil {
			return UploadResult{}, err
		}
		if metaMetaConns[i], err = dialAndGreet(topology.Meta[i].HostPort, userID); err != nil {
			return UploadResult{}, err
		}
		if metaDataConns[i], err = dialAndGreet(topology.Data[i].HostPort, userID); err != nil {
			return UploadResult{}, err
		}
	}
	defer func() {
		for _, c := range allConns() {
			c.Close()
		}
	}()

	enc := encoder.New(codec, profile, cfg, pcfg.Workers, logger, metrics)
	enc.Start(ctx)

	dataUploaders := make([]*uploader.Uploader, n)
	metaUploaders := make([]*uploader.Uploader, n)
	for i := 0; i < n; i++ {
		dataUploaders[i] = uploader.New(i, dataMetaConns[i], dataDataConns[i], profile, cfg.UploadMax, false, filePath, passphrase, logger, metrics)
		metaUploaders[i] = uploader.New(i, metaMetaConns[i], metaDataConns[i], profile, cfg.UploadMax, true, filePath, passphrase, logger, metrics)
	}

	type runResult struct {
		res uploader.Result
		err error
	}
	resultsCh := make(chan runResult, 2*n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			res, err := dataUploaders[i].Run(ctx, enc.DataOut[i])
			resultsCh <- runResult{res, err}
		}()
		go func() {
			res, err := metaUploaders[i].Run(ctx, enc.MetaOut[i])
			resultsCh <- runResult{res, err}
		}()
	}

	logger.UploadStarted(filePath, info.Size(), n, m)
	start := time.Now()

	if err := enc.SubmitFileHeader(filePath, info.Size()); err != nil {
		return UploadResult{}, err
	}
	c, err := chunker.New(f, chunker.DefaultOptions())
	if err != nil {
		return UploadResult{}, err
	}
	for {
		secret, err := c.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return UploadResult{}, err
		}
		if err := enc.Submit(secret); err != nil {
			return UploadResult{}, err
		}
	}
	enc.Join()
	enc.Close()

	var agg UploadResult
	var firstErr error
	for i := 0; i < 2*n; i++ {
		r := <-resultsCh
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
		agg.TotalBytes += r.res.TotalBytes
		agg.UniqueBytes += r.res.UniqueBytes
	}
	if firstErr != nil {
		return agg, firstErr
	}

	logger.UploadCompleted(filePath, agg.TotalBytes, agg.UniqueBytes, time.Since(start))
	metrics.RecordUploadComplete(true, time.Since(start).Seconds(), agg.TotalBytes, agg.UniqueBytes)
	return agg, nil
}

// Download restores filePath from k of topology's n clouds: it runs
// PreDownload against each selected cloud's metadata connection to rebuild
// the real file recipe, then streams the actual share bytes over that
// cloud's data connection (matching the original client's split between a
// meta-port recipe-reconstruction phase and a data-port bulk-transfer
// phase), and writes the restored bytes to destPath.
func Download(ctx context.Context, filePath, destPath string, userID int64, profile cryptoprofile.Profile, topology config.CloudTopology, passphrase string, clouds []int, codec *dispersal.Codec) error {
	dataConns := make([]downloader.Conn, len(clouds))
	for i, cloud := range clouds {
		metaConn, err := dialAndGreet(topology.Meta[cloud].HostPort, userID)
		if err != nil {
			return err
		}
		defer metaConn.Close()
		if _, err := downloader.PreDownload(ctx, metaConn, cloud, filePath, passphrase, profile); err != nil {
			return err
		}

		dataConn, err := dialAndGreet(topology.Data[cloud].HostPort, userID)
		if err != nil {
			return err
		}
		defer dataConn.Close()
		dataConns[i] = dataConn
	}

	data, err := downloader.Download(ctx, dataConns, clouds, filePath, codec)
	if err != nil {
		return err
	}
	return os.WriteFile(destPath, data, 0600)
}

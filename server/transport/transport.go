// Package transport implements spec.md §4.5's server side: two TCP
// listeners (metadata, data), a per-connection handler that reads a 4-byte
// user id and then dispatches on a 4-byte indicator. Grounded on the
// teacher's daemon/main.go connection-accept-loop shape (rate-limited
// accept, one goroutine per connection), adapted from its QUIC/gRPC
// transport to the plain-TCP framing spec.md §6 mandates.
package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/quantarax/dispersa/internal/config"
	"github.com/quantarax/dispersa/internal/errs"
	"github.com/quantarax/dispersa/internal/observability"
	"github.com/quantarax/dispersa/internal/ratelimit"
	"github.com/quantarax/dispersa/internal/wireproto"
	"github.com/quantarax/dispersa/server/engine"
)

// Server owns the metadata and data listeners for one engine instance.
type Server struct {
	cfg     config.EngineConfig
	eng     *engine.Engine
	logger  *observability.Logger
	metrics *observability.Metrics
	limiter *ratelimit.TokenBucket

	metaLn net.Listener
	dataLn net.Listener

	// lastMeta caches, per connection, the most recent META frame's decoded
	// metadata and status so a following DATA frame can run secondStageDedup
	// against it, mirroring spec.md §4.5's "DATA ... against the last META".
	mu       sync.Mutex
	lastMeta map[net.Conn]pendingMeta
}

type pendingMeta struct {
	metaBuf []byte
	status  []bool
}

// New builds a Server around an already-constructed Engine.
func New(cfg config.EngineConfig, eng *engine.Engine, logger *observability.Logger, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		eng:      eng,
		logger:   logger,
		metrics:  metrics,
		limiter:  ratelimit.NewTokenBucket(50, 100),
		lastMeta: make(map[net.Conn]pendingMeta),
	}
}

// ListenAndServe binds both listeners and blocks accepting connections on
// each until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, metaAddr, dataAddr string) error {
	metaLn, err := net.Listen("tcp", metaAddr)
	if err != nil {
		return fmt.Errorf("%w: listen meta %s: %v", errs.ErrTransport, metaAddr, err)
	}
	dataLn, err := net.Listen("tcp", dataAddr)
	if err != nil {
		metaLn.Close()
		return fmt.Errorf("%w: listen data %s: %v", errs.ErrTransport, dataAddr, err)
	}
	return s.ListenAndServeListeners(ctx, metaLn, dataLn)
}

// ListenAndServeListeners runs the accept loops over already-bound
// listeners, letting a caller pick ports itself (":0") and read back the
// bound addresses before serving.
func (s *Server) ListenAndServeListeners(ctx context.Context, metaLn, dataLn net.Listener) error {
	s.metaLn, s.dataLn = metaLn, dataLn

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.acceptLoop(ctx, metaLn) }()
	go func() { defer wg.Done(); s.acceptLoop(ctx, dataLn) }()

	<-ctx.Done()
	metaLn.Close()
	dataLn.Close()
	wg.Wait()
	return nil
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	var err error
	if s.metaLn != nil {
		err = s.metaLn.Close()
	}
	if s.dataLn != nil {
		if e := s.dataLn.Close(); e != nil {
			err = e
		}
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !s.limiter.Allow(1) {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.ConnectionFailed(ln.Addr().String(), err)
			s.metrics.RecordConnection(false)
			continue
		}
		s.metrics.RecordConnection(true)
		s.logger.ConnectionEstablished(conn.RemoteAddr().String(), "")
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	start := time.Now()
	defer func() {
		s.mu.Lock()
		delete(s.lastMeta, conn)
		s.mu.Unlock()
		conn.Close()
		s.metrics.RecordConnectionClose(time.Since(start).Seconds())
	}()

	var idBuf [4]byte
	if _, err := readFull(conn, idBuf[:]); err != nil {
		return
	}
	userID := int64(binary.BigEndian.Uint32(idBuf[:]))
	logger := s.logger.WithUser(userID)

	for {
		ind, err := wireproto.ReadIndicator(conn)
		if err != nil {
			return
		}
		if err := s.dispatch(conn, userID, ind, logger); err != nil {
			logger.Error(err, "request handling failed")
			return
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Server) dispatch(conn net.Conn, userID int64, ind wireproto.Indicator, logger *observability.Logger) error {
	switch ind {
	case wireproto.IndicatorMeta:
		metaBuf, err := wireproto.ReadFrame(conn)
		if err != nil {
			return err
		}
		status, _, err := s.eng.FirstStageDedup(userID, metaBuf)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.lastMeta[conn] = pendingMeta{metaBuf: metaBuf, status: status}
		s.mu.Unlock()
		return wireproto.WriteStatusList(conn, status)

	case wireproto.IndicatorData:
		dataBuf, err := wireproto.ReadFrame(conn)
		if err != nil {
			return err
		}
		s.mu.Lock()
		pm, ok := s.lastMeta[conn]
		s.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: DATA frame with no preceding META on this connection", errs.ErrTransport)
		}
		return s.eng.SecondStageDedup(userID, pm.metaBuf, pm.status, dataBuf)

	case wireproto.IndicatorDownload:
		name, err := wireproto.ReadString(conn)
		if err != nil {
			return err
		}
		return s.eng.Restore(s.recipePath(name), conn)

	case wireproto.IndicatorKeyRecipe:
		name, err := wireproto.ReadString(conn)
		if err != nil {
			return err
		}
		body, err := wireproto.ReadFrame(conn)
		if err != nil {
			return err
		}
		return s.writeKeystoreFile(name, body)

	case wireproto.IndicatorGetKeyRecipe:
		name, err := wireproto.ReadString(conn)
		if err != nil {
			return err
		}
		body, err := os.ReadFile(s.keystorePath(name))
		if err != nil {
			body = nil
		}
		return wireproto.WriteFrame(conn, body)

	case wireproto.IndicatorFileRecipe:
		name, err := wireproto.ReadString(conn)
		if err != nil {
			return err
		}
		body, err := wireproto.ReadFrame(conn)
		if err != nil {
			return err
		}
		return s.eng.AppendFileRecipe(s.recipePath(name), body)

	default:
		return fmt.Errorf("%w: unknown indicator %s", errs.ErrTransport, ind)
	}
}

func sanitizeName(name string) string {
	return strings.ReplaceAll(name, "/", "_")
}

func (s *Server) keystorePath(name string) string {
	return s.cfg.KeystoreDir + "/" + sanitizeName(name)
}

func (s *Server) recipePath(name string) string {
	return s.cfg.RecipeDir + "/" + sanitizeName(name)
}

func (s *Server) writeKeystoreFile(name string, body []byte) error {
	if err := os.MkdirAll(s.cfg.KeystoreDir, 0700); err != nil {
		return fmt.Errorf("%w: mkdir keystore: %v", errs.ErrIO, err)
	}
	if err := os.WriteFile(s.keystorePath(name), body, 0600); err != nil {
		return fmt.Errorf("%w: write keystore file %s: %v", errs.ErrIO, name, err)
	}
	return nil
}

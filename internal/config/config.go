// Package config holds the tunables and config-file readers for both the
// client and server binaries, following the teacher's
// daemon/config.Config / DefaultConfig() pattern.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/quantarax/dispersa/internal/errs"
)

// EngineConfig holds the server-side dedup engine tunables from spec.md §3-5.
type EngineConfig struct {
	ContainerMax          int64 // CONTAINER_MAX, 4 MiB
	UploadMax             int64 // UPLOAD_MAX, 4 MiB
	MaxBufferWaitSecs     int64 // MAX_BUFFER_WAIT_SECS, 18s
	NumCachedContainers   int   // NUM_OF_CACHED_CONTAINERS, 4
	Divisor               uint32 // content-defined segmentation DIVISOR (power of two)
	Pattern               uint32 // content-defined segmentation PATTERN
	MaxSegmentSize        int64  // MAX_SEGMENT_SIZE

	MetaRoot     string // meta/
	DedupDBPath  string // meta/DedupDB
	RecipeDir    string // meta/RecipeFiles
	ContainerDir string // meta/ShareContainers
	KeystoreDir  string // meta/keystore
}

// DefaultEngineConfig returns spec.md's documented constants.
func DefaultEngineConfig(metaRoot string) EngineConfig {
	if metaRoot == "" {
		metaRoot = "meta"
	}
	return EngineConfig{
		ContainerMax:        4 * 1024 * 1024,
		UploadMax:           4 * 1024 * 1024,
		MaxBufferWaitSecs:   18,
		NumCachedContainers: 4,
		Divisor:             1 << 12,
		Pattern:             0,
		MaxSegmentSize:      1 * 1024 * 1024,

		MetaRoot:     metaRoot,
		DedupDBPath:  metaRoot + "/DedupDB",
		RecipeDir:    metaRoot + "/RecipeFiles",
		ContainerDir: metaRoot + "/ShareContainers",
		KeystoreDir:  metaRoot + "/keystore",
	}
}

// CloudEndpoint is one line of a config-u/config-d file: a host:port for
// either a metadata or a data listener on one cloud.
type CloudEndpoint struct {
	HostPort string
}

// CloudTopology is the parsed form of spec.md §6's config-u/config-d files:
// the first N lines are metadata endpoints, the next N are data endpoints.
type CloudTopology struct {
	Meta []CloudEndpoint
	Data []CloudEndpoint
}

// N reports the number of clouds.
func (t CloudTopology) N() int { return len(t.Meta) }

// LoadCloudTopology reads a config-u or config-d file: 2N lines of
// host:port, metadata endpoints first.
func LoadCloudTopology(path string) (CloudTopology, error) {
	f, err := os.Open(path)
	if err != nil {
		return CloudTopology{}, fmt.Errorf("%w: open %s: %v", errs.ErrConfig, path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !strings.Contains(line, ":") {
			return CloudTopology{}, fmt.Errorf("%w: malformed line %q in %s", errs.ErrConfig, line, path)
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return CloudTopology{}, fmt.Errorf("%w: scan %s: %v", errs.ErrConfig, path, err)
	}
	if len(lines)%2 != 0 || len(lines) == 0 {
		return CloudTopology{}, fmt.Errorf("%w: %s must have an even, nonzero number of lines (2N), got %d", errs.ErrConfig, path, len(lines))
	}

	n := len(lines) / 2
	top := CloudTopology{Meta: make([]CloudEndpoint, n), Data: make([]CloudEndpoint, n)}
	for i := 0; i < n; i++ {
		top.Meta[i] = CloudEndpoint{HostPort: lines[i]}
		top.Data[i] = CloudEndpoint{HostPort: lines[n+i]}
	}
	return top, nil
}

// DefaultThreshold picks the dispersal codec's reconstruction threshold M
// for an N-cloud topology: a simple majority, since spec.md leaves the
// specific (n,m) pairing to the deployment rather than the CLI. Round-trip
// tests exercise other pairings directly against the codec.
func DefaultThreshold(n int) int {
	return n/2 + 1
}

// PipelineConfig sizes the client-side encoder worker pool, following
// daemon/config.Config's WorkerCount/QueueDepth. Only Workers is read: the
// encoder's queues have fixed capacities (8 per worker slot, 64 per cloud
// stream) and no stage reads QueueSize.
type PipelineConfig struct {
	Workers   int // T worker slots in the encoder
	QueueSize int // queue capacity setting; not read by any stage
}

// DefaultPipelineConfig mirrors the teacher's WorkerCount=8/QueueDepth=32.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{Workers: 8, QueueSize: 32}
}

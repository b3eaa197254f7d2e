// Command client is the CLIENT binary from spec.md §6:
//
//	CLIENT <filepath> <userID:int> (-u|-d|-a) (HIGH|LOW)
//
// -u uploads, -d downloads, -a appends a catalog-only listing of past
// sessions for this user. Exit 0 on success, 1 on argument or operation
// failure, mirroring the teacher's strict argc-mismatch exit convention
// from cmd/keygen/main.go.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/quantarax/dispersa/client/catalog"
	"github.com/quantarax/dispersa/client/pipeline"
	"github.com/quantarax/dispersa/internal/config"
	"github.com/quantarax/dispersa/internal/cryptoprofile"
	"github.com/quantarax/dispersa/internal/dispersal"
	"github.com/quantarax/dispersa/internal/model"
	"github.com/quantarax/dispersa/internal/observability"
	"github.com/quantarax/dispersa/internal/validation"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: CLIENT <filepath> <userID:int> (-u|-d|-a) (HIGH|LOW)")
}

func main() {
	if len(os.Args) != 5 {
		usage()
		os.Exit(1)
	}
	filePath := os.Args[1]
	userID, err := strconv.ParseInt(os.Args[2], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid userID: %v\n", err)
		os.Exit(1)
	}
	mode := os.Args[3]
	if mode != "-u" && mode != "-d" && mode != "-a" {
		usage()
		os.Exit(1)
	}
	profile, err := cryptoprofile.Parse(os.Args[4])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if mode != "-d" {
		if err := validation.ValidateStringNonEmpty(filePath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	logger := observability.NewLogger("dispersa-client", "1.0.0", os.Stdout)
	metrics := observability.NewMetrics()

	cat, err := catalog.Open(".dispersa-catalog.db")
	if err != nil {
		logger.Error(err, "failed to open client catalog")
		os.Exit(1)
	}
	defer cat.Close()

	if mode == "-a" {
		runList(cat, userID)
		return
	}

	topology, err := config.LoadCloudTopology(topologyFile(mode))
	if err != nil {
		logger.Error(err, "failed to load cloud topology")
		os.Exit(1)
	}

	passphrase, err := resolvePassphrase()
	if err != nil {
		logger.Error(err, "failed to resolve key-recipe passphrase")
		os.Exit(1)
	}

	ctx := context.Background()
	cfg := config.DefaultEngineConfig("")
	pcfg := config.DefaultPipelineConfig()

	switch mode {
	case "-u":
		runUpload(ctx, filePath, userID, profile, topology, passphrase, cfg, pcfg, cat, logger, metrics)
	case "-d":
		runDownload(ctx, filePath, userID, profile, topology, passphrase, cat, logger)
	}
}

func topologyFile(mode string) string {
	if mode == "-u" {
		return "config-u"
	}
	return "config-d"
}

// resolvePassphrase follows the priority order SPEC_FULL.md documents: an
// environment variable first (for scripted/unattended runs), then an
// interactive terminal prompt, mirroring the teacher's keygen passphrase
// flow (golang.org/x/term.ReadPassword).
func resolvePassphrase() (string, error) {
	if p := os.Getenv(cryptoprofile.PassphraseEnvVar); p != "" {
		return p, nil
	}
	fmt.Print("Enter key-recipe passphrase: ")
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(b), nil
}

func runUpload(ctx context.Context, filePath string, userID int64, profile cryptoprofile.Profile, topology config.CloudTopology, passphrase string, cfg config.EngineConfig, pcfg config.PipelineConfig, cat *catalog.Catalog, logger *observability.Logger, metrics *observability.Metrics) {
	sessionID := catalog.NewSessionID()
	started := time.Now()

	res, err := pipeline.Upload(ctx, filePath, userID, profile, topology, passphrase, cfg, pcfg, logger, metrics)
	entry := catalogEntry(sessionID, filePath, userID, "upload", topology.N(), config.DefaultThreshold(topology.N()), profile, res.TotalBytes, res.UniqueBytes, started, err == nil)
	if saveErr := cat.Save(entry); saveErr != nil {
		logger.Error(saveErr, "failed to record catalog entry")
	}
	if err != nil {
		logger.Error(err, "upload failed")
		os.Exit(1)
	}
	fmt.Printf("upload complete: %d bytes total, %d unique\n", res.TotalBytes, res.UniqueBytes)
}

func runDownload(ctx context.Context, filePath string, userID int64, profile cryptoprofile.Profile, topology config.CloudTopology, passphrase string, cat *catalog.Catalog, logger *observability.Logger) {
	sessionID := catalog.NewSessionID()
	started := time.Now()

	n := topology.N()
	m := config.DefaultThreshold(n)
	codec, err := dispersal.New(n, m)
	if err != nil {
		logger.Error(err, "failed to build dispersal codec")
		os.Exit(1)
	}

	clouds := make([]int, m)
	for i := range clouds {
		clouds[i] = i
	}

	err = pipeline.Download(ctx, filePath, filePath, userID, profile, topology, passphrase, clouds, codec)
	entry := catalogEntry(sessionID, filePath, userID, "download", n, m, profile, 0, 0, started, err == nil)
	if saveErr := cat.Save(entry); saveErr != nil {
		logger.Error(saveErr, "failed to record catalog entry")
	}
	if err != nil {
		logger.Error(err, "download failed")
		os.Exit(1)
	}
	fmt.Println("download complete:", filePath)
}

func runList(cat *catalog.Catalog, userID int64) {
	entries, err := cat.ListByUser(userID, 50)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for _, e := range entries {
		status := "failed"
		if e.Succeeded {
			status = "ok"
		}
		fmt.Printf("%s  %-8s  %-6s  %s  total=%d unique=%d\n", e.StartedAt.Format(time.RFC3339), e.Direction, status, e.FilePath, e.TotalBytes, e.UniqueBytes)
	}
}

func catalogEntry(sessionID, filePath string, userID int64, direction string, n, m int, profile cryptoprofile.Profile, totalBytes, uniqueBytes int64, started time.Time, succeeded bool) model.CatalogEntry {
	return model.CatalogEntry{
		SessionID:   sessionID,
		FilePath:    filePath,
		UserID:      userID,
		Direction:   direction,
		N:           n,
		M:           m,
		Profile:     string(profile),
		TotalBytes:  totalBytes,
		UniqueBytes: uniqueBytes,
		StartedAt:   started,
		CompletedAt: time.Now(),
		Succeeded:   succeeded,
	}
}

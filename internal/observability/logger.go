package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging across the client pipeline and
// server dedup engine.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithUser adds user_id context to logger.
func (l *Logger) WithUser(userID int64) *Logger {
	return &Logger{
		logger: l.logger.With().Int64("user_id", userID).Logger(),
	}
}

// WithCloud adds cloud_index context to logger.
func (l *Logger) WithCloud(cloudIndex int) *Logger {
	return &Logger{
		logger: l.logger.With().Int("cloud_index", cloudIndex).Logger(),
	}
}

// WithFile adds file context to logger.
func (l *Logger) WithFile(filePath string, fileSize int64) *Logger {
	return &Logger{
		logger: l.logger.With().
			Str("file_path", filePath).
			Int64("file_size", fileSize).
			Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// UploadStarted logs the start of a client upload session.
func (l *Logger) UploadStarted(filePath string, fileSize int64, n, m int) {
	l.logger.Info().
		Str("file_path", filePath).
		Int64("file_size", fileSize).
		Int("n", n).
		Int("m", m).
		Msg("upload started")
}

// UploadCompleted logs the completion of a client upload session.
func (l *Logger) UploadCompleted(filePath string, totalBytes, uniqueBytes int64, duration time.Duration) {
	l.logger.Info().
		Str("file_path", filePath).
		Int64("total_bytes", totalBytes).
		Int64("unique_bytes", uniqueBytes).
		Float64("duration_seconds", duration.Seconds()).
		Msg("upload completed")
}

// DedupHit logs an intra- or inter-user dedup match for one share.
func (l *Logger) DedupHit(userID int64, secretID int32, interUser bool) {
	l.logger.Debug().
		Int64("user_id", userID).
		Int32("secret_id", secretID).
		Bool("inter_user", interUser).
		Msg("dedup hit")
}

// ContainerFlushed logs a container file being flushed to disk.
func (l *Logger) ContainerFlushed(containerName string, bytesWritten int64) {
	l.logger.Info().
		Str("container", containerName).
		Int64("bytes_written", bytesWritten).
		Msg("container flushed")
}

// BufferNodeEvicted logs a per-user buffer node being evicted by the sweeper.
func (l *Logger) BufferNodeEvicted(userID int64, idleFor time.Duration) {
	l.logger.Debug().
		Int64("user_id", userID).
		Float64("idle_seconds", idleFor.Seconds()).
		Msg("buffer node evicted")
}

// IntegrityFailed logs a shareFP mismatch at secondStageDedup.
func (l *Logger) IntegrityFailed(userID int64, secretID int32) {
	l.logger.Error().
		Int64("user_id", userID).
		Int32("secret_id", secretID).
		Msg("share fingerprint mismatch, aborting batch")
}

// ConnectionEstablished logs connection establishment.
func (l *Logger) ConnectionEstablished(remoteAddr string, connectionID string) {
	l.logger.Info().
		Str("remote_addr", remoteAddr).
		Str("connection_id", connectionID).
		Msg("connection established")
}

// ConnectionFailed logs connection failure.
func (l *Logger) ConnectionFailed(remoteAddr string, err error) {
	l.logger.Error().
		Str("remote_addr", remoteAddr).
		Err(err).
		Msg("connection failed")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}

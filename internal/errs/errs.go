// Package errs defines the engine-wide error taxonomy from spec.md §9's
// "Result<T, EngineError>" note: one sentinel per error kind, wrapped with
// context at the call site via fmt.Errorf("...: %w", err), following the
// teacher's errors.New + %w convention (daemon/manager/store.go).
package errs

import "errors"

var (
	// Config: missing or malformed config line / CLI argument.
	ErrConfig = errors.New("config error")
	// Transport: short read/write or connection reset.
	ErrTransport = errors.New("transport error")
	// Integrity: hash(data) != claimed shareFP.
	ErrIntegrity = errors.New("integrity error")
	// KV: KV store get/put failed (corruption, IO).
	ErrKV = errors.New("kv store error")
	// IO: container or recipe file read/write failed.
	ErrIO = errors.New("io error")
	// Crypto: encryption or decryption failed.
	ErrCrypto = errors.New("crypto error")
)

// Package errors defines the stable error kinds shared by every storage
// backend and pipeline stage. Callers classify failures with errors.As and
// the Kind fields rather than string matching.
package errors

import (
	"errors"
	"fmt"
)

// FetchKind classifies repository acquisition failures.
type FetchKind string

const (
	FetchNetwork  FetchKind = "network"
	FetchAuth     FetchKind = "auth"
	FetchNotFound FetchKind = "not-found"
	FetchCorrupt  FetchKind = "corrupt"
)

// EmbeddingKind classifies embedding service failures.
type EmbeddingKind string

const (
	EmbeddingTransient         EmbeddingKind = "transient"
	EmbeddingAuth              EmbeddingKind = "auth"
	EmbeddingQuota             EmbeddingKind = "quota"
	EmbeddingDimensionMismatch EmbeddingKind = "dimension-mismatch"
)

// StorageKind classifies storage layer failures.
type StorageKind string

const (
	StorageConnection StorageKind = "connection"
	StorageNotFound   StorageKind = "not-found"
	StorageIntegrity  StorageKind = "integrity"
	StorageDiskFull   StorageKind = "disk-full"
)

// ErrCancelled signals cooperative cancellation. Wraps are matched with
// errors.Is(err, ErrCancelled).
var ErrCancelled = errors.New("cancelled")

// ConfigError indicates invalid or missing configuration. Fatal at startup.
type ConfigError struct {
	Option string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Option == "" {
		return fmt.Sprintf("config: %s", e.Reason)
	}
	return fmt.Sprintf("config: %s: %s", e.Option, e.Reason)
}

// NewConfigError creates a ConfigError for a named option.
func NewConfigError(option, reason string) *ConfigError {
	return &ConfigError{Option: option, Reason: reason}
}

// FetchError is surfaced from the repository fetcher.
type FetchError struct {
	Kind   FetchKind
	Source string
	Cause  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.Source, e.Kind, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// NewFetchError wraps a fetch failure with its kind and origin.
func NewFetchError(kind FetchKind, source string, cause error) *FetchError {
	return &FetchError{Kind: kind, Source: source, Cause: cause}
}

// ParseError is a per-file chunking failure. Collected, never fatal.
type ParseError struct {
	File   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s", e.File, e.Reason)
}

// NewParseError records a per-file parse failure.
func NewParseError(file, reason string) *ParseError {
	return &ParseError{File: file, Reason: reason}
}

// EmbeddingError is surfaced from the embedding client and the vector
// store dimension check. Transient errors are retried; the rest abort.
type EmbeddingError struct {
	Kind  EmbeddingKind
	Cause error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding: %s: %v", e.Kind, e.Cause)
}

func (e *EmbeddingError) Unwrap() error { return e.Cause }

// Retryable reports whether the failure is worth retrying.
func (e *EmbeddingError) Retryable() bool { return e.Kind == EmbeddingTransient }

// NewEmbeddingError wraps an embedding failure with its kind.
func NewEmbeddingError(kind EmbeddingKind, cause error) *EmbeddingError {
	return &EmbeddingError{Kind: kind, Cause: cause}
}

// NewDimensionMismatch builds the dimension-mismatch error shared by all
// vector backends. The store must not be mutated when this is returned.
func NewDimensionMismatch(expected, got int) *EmbeddingError {
	return &EmbeddingError{
		Kind:  EmbeddingDimensionMismatch,
		Cause: fmt.Errorf("expected %d dimensions, got %d", expected, got),
	}
}

// StorageError is surfaced from the block, vector, and metadata stores.
// Write failures are fatal for an indexing run; read failures degrade to
// empty results with a logged warning.
type StorageError struct {
	Kind  StorageKind
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %s: %v", e.Op, e.Kind, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// NewStorageError wraps a storage failure with its kind and operation.
func NewStorageError(kind StorageKind, op string, cause error) *StorageError {
	return &StorageError{Kind: kind, Op: op, Cause: cause}
}

// IsDimensionMismatch reports whether err is an EmbeddingError with the
// dimension-mismatch kind.
func IsDimensionMismatch(err error) bool {
	var ee *EmbeddingError
	return errors.As(err, &ee) && ee.Kind == EmbeddingDimensionMismatch
}

// IsRetryableEmbedding reports whether err is a transient embedding error.
func IsRetryableEmbedding(err error) bool {
	var ee *EmbeddingError
	return errors.As(err, &ee) && ee.Retryable()
}

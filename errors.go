package psvpfs

import (
	"errors"
	"fmt"
)

// Error types represent different categories of errors

// ValidationError represents a configuration or parameter validation error
type ValidationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// KeyDerivationError represents a failure to produce the klicensee
type KeyDerivationError struct {
	Source  KlicenseeSource // Which derivation path failed
	Message string          // Human-readable error message
	Err     error           // Underlying error
}

func (e *KeyDerivationError) Error() string {
	return fmt.Sprintf("klicensee error: %s: %s", e.Source, e.Message)
}

func (e *KeyDerivationError) Unwrap() error {
	return e.Err
}

// KeyLookupError is returned by the file F00D strategy when a key is not in
// its cache. The key itself is deliberately not part of the message.
type KeyLookupError struct {
	CachePath string
	Err       error
}

func (e *KeyLookupError) Error() string {
	return fmt.Sprintf("f00d error: key not found in cache %s", e.CachePath)
}

func (e *KeyLookupError) Unwrap() error {
	return e.Err
}

// IOError represents a file system I/O error
type IOError struct {
	Operation string // "read", "write", "open", "copy", "mkdir", etc.
	Path      string // File path
	Offset    int64  // File offset, if applicable
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Path != "" && e.Offset >= 0 {
		return fmt.Sprintf("io error: %s %s at offset %d: %s", e.Operation, e.Path, e.Offset, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("io error: %s %s: %s", e.Operation, e.Path, e.Message)
	}
	return fmt.Sprintf("io error: %s: %s", e.Operation, e.Message)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// CorruptionError represents malformed on-disk data
type CorruptionError struct {
	Path    string // File path
	Line    int    // Line number for text formats, if applicable
	Message string // Human-readable error message
	Err     error  // Underlying error
}

func (e *CorruptionError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("corruption error: %s (line %d): %s", e.Path, e.Line, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("corruption error: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("corruption error: %s", e.Message)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// Stage identifies the external engine step that failed
type Stage string

const (
	StageMount    Stage = "mount"
	StageDecrypt  Stage = "decrypt"
	StageKeystone Stage = "keystone"
)

// EngineError wraps failures reported by the mount engine or the keystone check
type EngineError struct {
	Stage Stage
	Path  string
	Err   error
}

func (e *EngineError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s error: %s: %v", e.Stage, e.Path, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Stage, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Common sentinel errors
var (
	ErrInvalidKey           = errors.New("invalid key")
	ErrInvalidSize          = errors.New("invalid size parameter")
	ErrEmptyPath            = errors.New("path cannot be empty")
	ErrUnknownEncryptorType = errors.New("unknown F00D encryptor type")
	ErrCacheMiss            = errors.New("key not present in F00D cache")
	ErrNoLicenseDecoder     = errors.New("no license decoder configured")
	ErrJunctionUnbound      = errors.New("junction is not linked to a real path")
	ErrKeyNotConfigured     = errors.New("required key is not configured")
	ErrNilFileSystem        = errors.New("filesystem cannot be nil")
)

// Helper functions for creating structured errors

// NewValidationError creates a new validation error
func NewValidationError(field string, value any, message string) error {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewKeyDerivationError creates a new klicensee derivation error
func NewKeyDerivationError(source KlicenseeSource, err error) error {
	return &KeyDerivationError{
		Source:  source,
		Message: err.Error(),
		Err:     err,
	}
}

// NewIOError creates a new I/O error
func NewIOError(operation, path string, err error) error {
	return &IOError{
		Operation: operation,
		Path:      path,
		Offset:    -1,
		Message:   err.Error(),
		Err:       err,
	}
}

// NewCorruptionError creates a new corruption error
func NewCorruptionError(path string, line int, message string) error {
	return &CorruptionError{
		Path:    path,
		Line:    line,
		Message: message,
	}
}

// NewEngineError creates a new engine error
func NewEngineError(stage Stage, path string, err error) error {
	return &EngineError{
		Stage: stage,
		Path:  path,
		Err:   err,
	}
}

// Error checking helpers

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsKeyDerivationError checks if an error is a klicensee derivation error
func IsKeyDerivationError(err error) bool {
	var ke *KeyDerivationError
	return errors.As(err, &ke)
}

// IsCacheMiss checks if an error is a F00D cache lookup miss
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// IsIOError checks if an error is an I/O error
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}

// IsCorruptionError checks if an error is a corruption error
func IsCorruptionError(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// IsEngineError checks if an error came from the mount engine or keystone check
func IsEngineError(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee)
}

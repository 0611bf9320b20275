package download

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState guards branches that normal flow never reaches.
	ErrInvalidState = errors.New("invalid state")
	// ErrAlreadyExists is wrapped by StoreError when a path is already tracked.
	ErrAlreadyExists = errors.New("record already exists")
)

// NotFoundError is returned when an operation references a path with no record.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return "download not found: " + e.Path
}

// StoreError represents failures inside the record store: serialization,
// disk I/O or a conflicting key.
type StoreError struct {
	Op  string // The store operation that failed (e.g., "create", "load")
	Err error  // Underlying error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error during %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// FileError represents partial or final file I/O failures outside the store.
type FileError struct {
	Op   string // The file operation that failed (e.g., "open", "rename")
	Path string // File the operation targeted
	Err  error  // Underlying error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("file error during %s of %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// HTTPError represents request failures, stream failures and servers that
// rejected or ignored a resume range.
type HTTPError struct {
	URL        string // Source URL
	StatusCode int    // HTTP status code, 0 when no response was received
	Reason     string // Human-readable explanation
	Err        error  // Underlying error, if any
}

func (e *HTTPError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("http error for %s (HTTP %d): %s", e.URL, e.StatusCode, e.Reason)
	}

	return fmt.Sprintf("http error for %s: %s", e.URL, e.Reason)
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// URLError is a validation failure of a source URL.
type URLError struct {
	URL    string
	Reason string
	Err    error
}

func (e *URLError) Error() string {
	return fmt.Sprintf("invalid url %q: %s", e.URL, e.Reason)
}

func (e *URLError) Unwrap() error {
	return e.Err
}

// PathError is a validation failure of a destination path.
type PathError struct {
	Path   string
	Reason string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("invalid path %q: %s", e.Path, e.Reason)
}

// ErrorType maps err to a bounded label suitable for metric attributes.
func ErrorType(err error) string {
	var (
		notFound *NotFoundError
		storeErr *StoreError
		fileErr  *FileError
		httpErr  *HTTPError
		urlErr   *URLError
		pathErr  *PathError
	)

	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.As(err, &notFound):
		return "not_found"
	case errors.As(err, &storeErr):
		return "store"
	case errors.As(err, &fileErr):
		return "file"
	case errors.As(err, &httpErr):
		return "http"
	case errors.As(err, &urlErr):
		return "url"
	case errors.As(err, &pathErr):
		return "path"
	default:
		return "io"
	}
}

// Package errs defines the error kinds shared by the backend and the
// frontend. A kind survives the wire: the backend reports it in an error
// message and the proxy rebuilds an *E with the same kind.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable error category.
type Kind string

const (
	Transport            Kind = "transport"
	ProtocolDecode       Kind = "protocol_decode"
	DatasetLoadFailed    Kind = "dataset_load_failed"
	DatasetNotReady      Kind = "dataset_not_ready"
	DatasetNotFound      Kind = "dataset_not_found"
	DatasetBusy          Kind = "dataset_busy"
	JobFailed            Kind = "job_failed"
	JobNotFound          Kind = "job_not_found"
	ColumnAnalysisFailed Kind = "column_analysis_failed"
	ViewNotFound         Kind = "view_not_found"
	InvalidRequest       Kind = "invalid_request"
	ConnectionLost       Kind = "connection_lost"
	// Internal is reported for recovered panics and other unexpected failures.
	Internal Kind = "internal"
)

// E wraps an error with a kind and a human-friendly message.
type E struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *E) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *E) Unwrap() error { return e.Err }

func Wrap(kind Kind, msg string, err error) *E { return &E{Kind: kind, Message: msg, Err: err} }
func New(kind Kind, msg string) *E             { return &E{Kind: kind, Message: msg} }

// Newf is New with fmt formatting.
func Newf(kind Kind, format string, args ...any) *E {
	return &E{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *E in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *E
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// Message returns the text reported on the wire for err: the message of the
// outermost *E (plus its cause), or err.Error() for foreign errors.
func Message(err error) string {
	var e *E
	if !errors.As(err, &e) {
		return err.Error()
	}
	switch {
	case e.Err != nil && e.Message != "":
		return e.Message + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Message
	}
}

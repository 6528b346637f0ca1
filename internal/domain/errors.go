package domain

import (
	"context"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

type FetchErrorKind string

const (
	FetchTimeout   FetchErrorKind = "Timeout"
	FetchHTTPError FetchErrorKind = "HttpError"
	FetchBlocked   FetchErrorKind = "Blocked"
	FetchMalformed FetchErrorKind = "Malformed"
)

type FetchError struct {
	Kind   FetchErrorKind
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// PageParseError means one page could not be parsed. Next is set when the
// adapter could still work out where the feed continues.
type PageParseError struct {
	Source SourceID
	Cursor Cursor
	Next   Cursor
	Err    error
}

func (e *PageParseError) Error() string {
	return fmt.Sprintf("%s: parse page %q: %v", e.Source, e.Cursor, e.Err)
}

func (e *PageParseError) Unwrap() error { return e.Err }

// PageFetchError is a failed fetch of one page when the adapter still knows
// the cursor after it. Err is the underlying *FetchError.
type PageFetchError struct {
	Source SourceID
	Cursor Cursor
	Next   Cursor
	Err    error
}

func (e *PageFetchError) Error() string {
	return fmt.Sprintf("%s: page %q: %v", e.Source, e.Cursor, e.Err)
}

func (e *PageFetchError) Unwrap() error { return e.Err }

type StalledPaginationError struct {
	Source SourceID
	Cursor Cursor
}

func (e *StalledPaginationError) Error() string {
	return fmt.Sprintf("%s: pagination stalled at %q: page identical to previous", e.Source, e.Cursor)
}

type NormalizationError struct {
	Field string
	Value string
	Err   error
}

func (e *NormalizationError) Error() string {
	msg := fmt.Sprintf("normalize %s %q", e.Field, e.Value)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NormalizationError) Unwrap() error { return e.Err }

// ErrorKind maps an error onto the name reported in job results.
func ErrorKind(err error) string {
	var fe *FetchError
	var pe *PageParseError
	var se *StalledPaginationError
	var ne *NormalizationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &fe):
		return string(fe.Kind)
	case errors.As(err, &pe):
		return "PageParseError"
	case errors.As(err, &se):
		return "StalledPaginationError"
	case errors.As(err, &ne):
		return "NormalizationError"
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return "Cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return string(FetchTimeout)
	default:
		return "Internal"
	}
}

var ErrCancelled = errors.New("cancelled")

// Package fetcher downloads raw feed payloads over HTTP(S) and FTP. It does
// no decoding and no retrying: retry policy belongs to the task queue, and
// decode belongs to the normalizer.
package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/citypulse/transit-ingest/internal/feed"
)

// RawResult is the outcome of one successful fetch: raw bytes tagged with
// the fetch instant and a content hash. Never persisted as-is.
type RawResult struct {
	DatasetID   string
	FetchedAt   time.Time
	ContentHash string
	Body        []byte
}

// ErrorKind classifies a fetch failure.
type ErrorKind int

const (
	KindNetwork ErrorKind = iota + 1
	KindHTTPStatus
	KindTimeout
	KindEmptyBody
)

// String returns the report-facing name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindHTTPStatus:
		return "http_status"
	case KindTimeout:
		return "timeout"
	case KindEmptyBody:
		return "empty_body"
	default:
		return "unknown"
	}
}

// FetchError is the typed failure returned by a Client.
type FetchError struct {
	Kind   ErrorKind
	Status int // set for KindHTTPStatus
	Err    error
}

func (e *FetchError) Error() string {
	if e.Kind == KindHTTPStatus {
		return fmt.Sprintf("fetch: http_status(%d)", e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch: %s", e.Kind)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Transient reports whether the failure is worth retrying: network errors,
// timeouts, rate limiting, and server-side statuses. Client errors such as
// 404 stay transient-false so a misconfigured URL dead-letters quickly.
func (e *FetchError) Transient() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout:
		return true
	case KindHTTPStatus:
		switch e.Status {
		case 408, 429, 500, 502, 503, 504:
			return true
		}
	}
	return false
}

// Client fetches one feed source. The caller injects now so the fetch
// timestamp is deterministic under test.
type Client interface {
	Fetch(ctx context.Context, src *feed.Source, now time.Time) (*RawResult, error)
}

// hashBytes returns the hex sha256 of a payload, used both as the raw
// content hash and as the feed version for static datasets.
func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Package capability defines the external interfaces the streaming core
// consumes (spec §6): networking, text/metadata sinks, the event bus, the
// transmuxer, and crypto key import. The core treats every one of these as
// a pluggable collaborator — none of their internals live in this module.
package capability

import (
	"context"

	"github.com/zsiec/streamcore/internal/manifest"
	"github.com/zsiec/streamcore/internal/mediaerr"
)

// Cue is a single timed text cue forwarded to a TextSink.
type Cue struct {
	StartTime float64
	EndTime   float64
	Text      string
	Channel   int
}

// MetadataFrame is a single decoded ID3/emsg metadata frame forwarded to a
// MetadataSink.
type MetadataFrame struct {
	Data      []byte
	StartTime float64
	EndTime   float64
}

// ByteRange is a byte range for a ranged HTTP-style fetch. Start and End are
// both inclusive, as in an HTTP Range header.
type ByteRange struct {
	Start int64
	End   int64 // -1 means open-ended
}

// Response is the result of a successful Networking.Request.
type Response struct {
	Data    []byte
	URI     string
	Headers map[string]string
}

// AbortableOp is a pending asynchronous unit of work — a fetch, most
// commonly — that can be cancelled from outside the goroutine running it.
// abort() is idempotent and safe to call after the op has already
// completed.
type AbortableOp interface {
	// Wait blocks until the operation completes or is aborted.
	Wait(ctx context.Context) (*Response, error)
	// Abort cancels the operation, causing a pending Wait to return
	// mediaerr.ErrAborted. Safe to call multiple times and after
	// completion.
	Abort()
}

// RetryParams bounds a single Networking.Request call's retry behavior.
type RetryParams struct {
	MaxAttempts int
	BaseDelay   float64
	FuzzFactor  float64
}

// Networking is the fetch capability. Retry/backoff policy lives entirely
// behind this interface; the core only ever issues one logical request per
// call and aborts it on switch/destroy.
type Networking interface {
	Request(ctx context.Context, contentType manifest.ContentType, uris []string, byteRange *ByteRange, retry RetryParams) AbortableOp
}

// TextSink is the owner-supplied text track collaborator.
type TextSink interface {
	Append(cues []Cue)
	Remove(start, end float64)
	SetSelectedClosedCaptionID(id string)
	IsTextVisible() bool
}

// MetadataSink receives decoded ID3/emsg metadata frames.
type MetadataSink interface {
	OnMetadata(frames []MetadataFrame, startTime, endTime float64)
}

// EventKind enumerates the kinds of events EventBus.OnEvent forwards.
type EventKind int

const (
	EventEmsg EventKind = iota
	EventPrft
	EventManifestUpdate
	EventSegmentAppended
	EventInitSegmentAppended
)

func (k EventKind) String() string {
	switch k {
	case EventEmsg:
		return "emsg"
	case EventPrft:
		return "prft"
	case EventManifestUpdate:
		return "manifest-update"
	case EventSegmentAppended:
		return "segment-appended"
	case EventInitSegmentAppended:
		return "init-segment-appended"
	default:
		return "unknown"
	}
}

// EventBus is the generic observation channel for ancillary engine events.
type EventBus interface {
	OnEvent(kind EventKind, payload any)
}

// TransmuxResult is what a Transmuxer produces from a source-container
// segment: sink-native bytes plus any captions/metadata it extracted along
// the way, treated by the core as fully-formed outputs to forward.
type TransmuxResult struct {
	Data     []byte
	Captions []Cue
	Metadata []MetadataFrame
}

// Transmuxer converts a source container to the sink's native container
// when the sink cannot ingest the input directly.
type Transmuxer interface {
	NeedsTransmux(inputMime string, sinkMimes []string) bool
	Transmux(ctx context.Context, data []byte, ref *manifest.SegmentReference, duration float64, contentType manifest.ContentType) (*TransmuxResult, error)
}

// Crypto provides key import and block decryption for a sink that wants to
// perform its own decryption rather than delegating to internal/aescrypt.
type Crypto interface {
	ImportKey(ctx context.Context, rawBytes []byte, algo string) (any, error)
	Decrypt(ctx context.Context, algoAndIV string, key any, bytes []byte) ([]byte, error)
}

// FailureObserver is invoked with a classified error before it is surfaced
// to the application, letting an observer mark it handled (suppressing
// failureCallback) or trigger recovery.
type FailureObserver func(err *mediaerr.Error)

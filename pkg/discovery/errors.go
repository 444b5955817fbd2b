package discovery

import (
	"context"
	"errors"
)

var (
	// ErrGone signals that a resume token is too old and a full relist is required.
	ErrGone = errors.New("discovery: resume token expired")
	// ErrUnauthorized signals an authentication or authorization failure. It is fatal.
	ErrUnauthorized = errors.New("discovery: unauthorized")
	// ErrMalformed signals unparseable discovery content.
	ErrMalformed = errors.New("discovery: malformed content")
	// ErrOverflow is returned by Outbox.Publish when a delta cannot be queued.
	ErrOverflow = errors.New("discovery: outbox overflow")
)

// Class is the handling class of a discovery error.
type Class int

const (
	// ClassTransient errors are retried with backoff.
	ClassTransient Class = iota
	// ClassGone errors require a full relist before resuming.
	ClassGone
	// ClassFatal errors halt discovery.
	ClassFatal
	// ClassCanceled means the caller's context ended.
	ClassCanceled
)

func (c Class) String() string {
	switch c {
	case ClassGone:
		return "gone"
	case ClassFatal:
		return "fatal"
	case ClassCanceled:
		return "canceled"
	default:
		return "transient"
	}
}

// Classify maps an error returned by a backend to its handling class.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassTransient
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrMalformed):
		return ClassFatal
	case errors.Is(err, ErrGone):
		return ClassGone
	default:
		return ClassTransient
	}
}

// Package transport defines the downstream upload channels and their
// size-based capabilities.
package transport

import "context"

// Transport is a downstream upload channel. Implementations differ in the
// maximum payload they accept and the wire endpoint they post to.
type Transport interface {
	// Name identifies the transport in logs, metrics and the operation log.
	Name() string

	// MaxPayloadSize is the largest file, in bytes, the transport accepts.
	// Zero means unbounded.
	MaxPayloadSize() int64

	// CanHandle reports whether a file of the given size fits this transport.
	CanHandle(size int64) bool

	// Upload sends the file with the given caption and returns the remote
	// reference assigned downstream along with the uploaded byte count.
	Upload(ctx context.Context, path, caption string) (remoteRef string, byteSize int64, err error)
}

// Package fetch retrieves media artifacts from upstream sources onto local
// disk.
package fetch

import "context"

// Fetcher resolves a source URL into local files. One source URL may yield
// several artifacts (an album, a clip plus its thumbnail).
type Fetcher interface {
	// Fetch downloads every artifact behind url into local storage and
	// returns their absolute paths, in delivery order.
	Fetch(ctx context.Context, url string) ([]string, error)

	// RefreshSession discards upstream session state and establishes a fresh
	// one. Called on session rotation, before the session gets flagged.
	RefreshSession(ctx context.Context) error
}

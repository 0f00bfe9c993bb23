// Package web embeds the reserved offline fallback document served when a
// navigation request cannot be satisfied from network or cache.
package web

import (
	_ "embed"
)

//go:embed offline.html
var offlinePage []byte

// OfflinePage returns the embedded offline fallback document.
func OfflinePage() []byte {
	return offlinePage
}

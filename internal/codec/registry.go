package codec

import "sync"

// handleRegistry replaces a C-side back-pointer from AVCodecContext.opaque
// to a Go Handle with an integer token. cgo must never stash a live Go
// pointer somewhere C code might retain it past the call that set it; an
// index into this table is safe to round-trip through opaque because it
// carries no GC-managed memory.
var (
	registryMu   sync.Mutex
	registryNext int
	registry     = make(map[int]Handle)
)

func registryPut(h Handle) int {
	registryMu.Lock()
	defer registryMu.Unlock()
	registryNext++
	token := registryNext
	registry[token] = h
	return token
}

func registryDelete(token int) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, token)
}

//go:build govips && cgo

package pipeline

import (
	"runtime"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

// libvips is process-global. Startup and Shutdown are reference counted so
// the API, worker and CLI can each pair them without coordinating.
var (
	vipsMu    sync.Mutex
	vipsUsers int
)

func Startup() error {
	vipsMu.Lock()
	defer vipsMu.Unlock()

	if vipsUsers == 0 {
		vips.LoggingSettings(nil, vips.LogLevelWarning)
		vips.Startup(&vips.Config{
			ConcurrencyLevel: runtime.GOMAXPROCS(0),
			MaxCacheFiles:    0,
			MaxCacheMem:      64 << 20,
			MaxCacheSize:     32,
		})
	}
	vipsUsers++
	return nil
}

func Shutdown() {
	vipsMu.Lock()
	defer vipsMu.Unlock()

	if vipsUsers == 0 {
		return
	}
	vipsUsers--
	if vipsUsers == 0 {
		vips.Shutdown()
	}
}

func defaultCodec() Codec {
	return govipsCodec{}
}

//go:build !govips || !cgo

package pipeline

// Startup and Shutdown pair with the govips runtime; the image/* codecs need
// no process setup.
func Startup() error { return nil }

func Shutdown() {}

func defaultCodec() Codec { return stdlibCodec{} }

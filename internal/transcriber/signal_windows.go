//go:build windows

package transcriber

import "os"

// Windows has no SIGTERM; Kill is the only portable stop.
func terminateSignal() os.Signal { return os.Kill }

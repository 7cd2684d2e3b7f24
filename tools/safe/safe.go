package safe

import (
	"BTPSync/logger"
)

// SafeGo starts a goroutine that recovers from panic, so a bad frame or
// a storage hiccup in a background loop cannot crash the service.
func SafeGo(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[SafeGo] panic recovered: %v", r)
			}
		}()
		f()
	}()
}

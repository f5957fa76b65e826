package device

import (
	"sync"

	"github.com/sidkik/vitadeploy/pkg/errors"
)

var (
	inUseLock sync.Mutex
	inUse     = map[string]struct{}{}
)

// Acquire reserves the device at `address` for one deployment. It fails fast
// with DeviceBusyError rather than queueing, since the device only serves a
// single client anyway. The returned release function is idempotent.
func Acquire(address string) (release func(), err error) {
	inUseLock.Lock()
	defer inUseLock.Unlock()

	if _, ok := inUse[address]; ok {
		return nil, errors.DeviceBusyError{Address: address}
	}
	inUse[address] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			inUseLock.Lock()
			defer inUseLock.Unlock()
			delete(inUse, address)
		})
	}, nil
}

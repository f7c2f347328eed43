// Package slave implements the worker: it reserves tasks from the
// queue, supervises the isolate runner subprocess, packages artifacts
// and reports results.
package slave

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"
)

// numCacheDirs bounds how many slave processes can share one host.
const numCacheDirs = 16

// AcquireCacheDir claims an exclusive isolate cache directory by
// iterating base.0 through base.15 and taking an advisory lock on the
// matching .lock file. The returned release func drops the lock.
func AcquireCacheDir(base string) (string, func(), error) {
	for i := 0; i < numCacheDirs; i++ {
		dir := fmt.Sprintf("%s.%d", base, i)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", nil, fmt.Errorf("op=slave.cache_dir: %w", err)
		}
		lock := flock.New(dir + ".lock")
		locked, err := lock.TryLock()
		if err != nil {
			return "", nil, fmt.Errorf("op=slave.cache_dir dir=%s: %w", dir, err)
		}
		if !locked {
			continue
		}
		return dir, func() { _ = lock.Unlock() }, nil
	}
	return "", nil, fmt.Errorf("op=slave.cache_dir: all %d cache dirs under %s are locked", numCacheDirs, base)
}

package classifier

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Loader hands out the process-wide Model. The first Get opens it; concurrent
// callers wait on the same open and a failed open is retried on the next Get.
type Loader struct {
	open  func(ctx context.Context) (*Model, error)
	group singleflight.Group

	mu    sync.RWMutex
	model *Model
}

func NewLoader(open func(ctx context.Context) (*Model, error)) *Loader {
	return &Loader{open: open}
}

func (l *Loader) Get(ctx context.Context) (*Model, error) {
	l.mu.RLock()
	m := l.model
	l.mu.RUnlock()
	if m != nil {
		return m, nil
	}

	v, err, _ := l.group.Do("model", func() (any, error) {
		l.mu.RLock()
		cached := l.model
		l.mu.RUnlock()
		if cached != nil {
			return cached, nil
		}
		opened, err := l.open(ctx)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.model = opened
		l.mu.Unlock()
		return opened, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Model), nil
}

// Loaded reports whether the model has been opened.
func (l *Loader) Loaded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.model != nil
}

package tray

import (
	"context"
	"sync"
)

// uiLoop serialises callbacks onto one goroutine.
type uiLoop struct {
	fns  chan func()
	done chan struct{}
	once sync.Once
}

func newUILoop(buffer int) *uiLoop {
	return &uiLoop{
		fns:  make(chan func(), buffer),
		done: make(chan struct{}),
	}
}

func (l *uiLoop) run(ctx context.Context) {
	defer l.once.Do(func() { close(l.done) })
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.fns:
			fn()
		}
	}
}

func (l *uiLoop) queue(fn func()) {
	select {
	case l.fns <- fn:
	case <-l.done:
	}
}

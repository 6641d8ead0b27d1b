package delegation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/ggoodman/access-relay-go/bus"
	"github.com/ggoodman/access-relay-go/internal/metrics"
)

// handleFunc turns one bus message into an optional frame. last ends the
// loop after the frame is delivered; a non-nil err ends it at once and is
// reported by Err.
type handleFunc func(ctx context.Context, msg bus.Message) (frame []byte, last bool, err error)

// Listener is a running relay loop.
type Listener struct {
	kind   string
	frames chan []byte
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error
}

func startListener(ctx context.Context, kind string, sub bus.Subscription, log *slog.Logger, handle handleFunc) *Listener {
	ctx, cancel := context.WithCancel(ctx)
	l := &Listener{
		kind:   kind,
		frames: make(chan []byte, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	metrics.ActiveListeners.WithLabelValues(kind).Inc()
	go func() {
		defer close(l.done)
		defer close(l.frames)
		defer metrics.ActiveListeners.WithLabelValues(kind).Dec()
		defer sub.Close()
		l.setErr(l.loop(ctx, sub, log, handle))
	}()
	return l
}

func (l *Listener) loop(ctx context.Context, sub bus.Subscription, log *slog.Logger, handle handleFunc) error {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}
			log.ErrorContext(ctx, "listener.next.fail", slog.String("err", err.Error()))
			return err
		}
		frame, last, err := handle(ctx, msg)
		if err != nil {
			return err
		}
		if frame != nil {
			select {
			case l.frames <- frame:
			case <-ctx.Done():
				return nil
			}
		}
		if last {
			return nil
		}
	}
}

func (l *Listener) setErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

// Frames yields outgoing frames. It is closed when the loop ends.
func (l *Listener) Frames() <-chan []byte { return l.frames }

// Done is closed once the loop has exited and released its subscription.
func (l *Listener) Done() <-chan struct{} { return l.done }

// Err reports why the loop ended; nil after a normal finish or Close.
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close stops the loop and waits for it to release its subscription.
func (l *Listener) Close() error {
	l.once.Do(l.cancel)
	<-l.done
	return nil
}

package eventbus

import (
	"fmt"
	"runtime/debug"
	"time"

	logx "codemarshal/pkg/logx"
)

// NotifyFunc is an external status observer (e.g. a UI indicator).
//
// It is invoked synchronously on the goroutine that produced the event.
type NotifyFunc func(eventType string, data map[string]any)

// Notifier reports lifecycle events from the cache and scheduler without
// coupling them to any observer.
//
// Delivery is best-effort: a panicking NotifyFunc is recovered and logged and
// never reaches the caller. A nil *Notifier is a valid no-op.
type Notifier struct {
	fn  NotifyFunc
	bus Bus
	log logx.Logger
}

// NewNotifier returns a notifier calling fn (optional) and publishing to bus (optional).
func NewNotifier(fn NotifyFunc, bus Bus, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{fn: fn, bus: bus, log: log}
}

// Notify delivers one event.
func (n *Notifier) Notify(eventType string, data map[string]any) {
	if n == nil {
		return
	}
	if n.fn != nil {
		n.call(eventType, data)
	}
	if n.bus != nil {
		n.bus.Publish(Event{Type: eventType, Time: time.Now(), Data: data})
	}
}

// Bus returns the fanout bus (may be nil).
func (n *Notifier) Bus() Bus {
	if n == nil {
		return nil
	}
	return n.bus
}

func (n *Notifier) call(eventType string, data map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Warn("status callback panicked",
				logx.String("event", eventType),
				logx.String("panic", fmt.Sprint(r)),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	n.fn(eventType, data)
}

package notify

import (
	"fmt"
	"io"
	"sync"
	"time"
)

type Kind string

const (
	KindSuccess Kind = "success"
	KindFailure Kind = "failure"
)

type Notification struct {
	Kind    Kind      `json:"kind"`
	Action  string    `json:"action"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Sink receives user-facing success and failure events.
type Sink interface {
	Notify(n Notification)
}

type SinkFunc func(Notification)

func (f SinkFunc) Notify(n Notification) { f(n) }

type Discard struct{}

func (Discard) Notify(Notification) {}

// Fanout delivers each notification to every sink in order.
type Fanout []Sink

func (f Fanout) Notify(n Notification) {
	for _, s := range f {
		if s != nil {
			s.Notify(n)
		}
	}
}

// WriterSink prints one line per notification.
type WriterSink struct {
	mu  sync.Mutex
	out io.Writer
}

func NewWriterSink(out io.Writer) *WriterSink {
	return &WriterSink{out: out}
}

func (w *WriterSink) Notify(n Notification) {
	marker := "[ok]"
	if n.Kind == KindFailure {
		marker = "[fail]"
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, _ = fmt.Fprintf(w.out, "%s %s: %s\n", marker, n.Title, n.Message)
}

// Recorder keeps every notification; tests inspect it.
type Recorder struct {
	mu     sync.Mutex
	events []Notification
}

func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, n)
}

func (r *Recorder) Events() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.events...)
}

func (r *Recorder) Last() (Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return Notification{}, false
	}
	return r.events[len(r.events)-1], true
}

func Success(action, title, message string) Notification {
	return Notification{Kind: KindSuccess, Action: action, Title: title, Message: message, At: time.Now().UTC()}
}

func Failure(action, title, message string) Notification {
	return Notification{Kind: KindFailure, Action: action, Title: title, Message: message, At: time.Now().UTC()}
}

// Package notify delivers best-effort messages to users.
package notify

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"libraryapi/internal/metrics"
)

var ErrNoAddress = errors.New("notify: empty address")

// Notifier sends one message to one address.
type Notifier interface {
	Notify(ctx context.Context, address, subject, body string) error
}

// LogNotifier writes messages to the process log instead of a mail relay.
type LogNotifier struct {
	From string
}

func (n LogNotifier) Notify(_ context.Context, address, subject, body string) error {
	if strings.TrimSpace(address) == "" {
		return ErrNoAddress
	}
	log.Printf("notify from=%q to=%q subject=%q body=%q", n.From, address, subject, body)
	return nil
}

// Async sends in the background. Failures are logged and counted, never returned.
type Async struct {
	next    Notifier
	timeout time.Duration
}

func NewAsync(next Notifier, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Async{next: next, timeout: timeout}
}

// Send dispatches the message and returns immediately. The returned channel
// is closed once delivery has been attempted.
func (a *Async) Send(ctx context.Context, address, subject, body string) <-chan struct{} {
	return a.SendThen(ctx, address, subject, body, nil)
}

// SendThen is Send with a callback that receives the delivery result before
// the returned channel closes.
func (a *Async) SendThen(ctx context.Context, address, subject, body string, then func(ctx context.Context, err error)) <-chan struct{} {
	done := make(chan struct{})
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer close(done)
		sendCtx, cancel := context.WithTimeout(ctx, a.timeout)
		err := a.next.Notify(sendCtx, address, subject, body)
		cancel()
		if err != nil {
			metrics.Notifications.WithLabelValues("failed").Inc()
			log.Printf("notify to=%q subject=%q err=%v", address, subject, err)
		} else {
			metrics.Notifications.WithLabelValues("sent").Inc()
		}
		if then != nil {
			then(ctx, err)
		}
	}()
	return done
}

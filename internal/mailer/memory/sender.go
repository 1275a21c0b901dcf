// Package memory keeps sent email in memory. Useful for tests and for running
// without an email provider.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Sender records every email it is asked to send.
type Sender struct {
	mu       sync.Mutex
	sent     []monitor.Email
	failWith error
}

// New constructs an empty Sender.
func New() *Sender {
	return &Sender{}
}

// FailWith makes subsequent sends return err. A nil err restores success.
func (s *Sender) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// Send records the email.
func (s *Sender) Send(_ context.Context, email monitor.Email) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.sent = append(s.sent, email)
	return nil
}

// Sent returns a copy of the recorded emails.
func (s *Sender) Sent() []monitor.Email {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]monitor.Email, len(s.sent))
	copy(out, s.sent)
	return out
}

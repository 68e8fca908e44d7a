package alerting

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Message 封装一次出站通知的内容。
type Message struct {
	Recipient string
	Subject   string
	Body      string
}

// Transport delivers a single message. A nil error means the message was
// accepted by the downstream channel; failures are classified as transient
// (retry may succeed) or permanent (retry is pointless) via the error types
// below. An unclassified error is treated as transient by callers.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// TransientError marks a failure that may succeed on retry (timeouts,
// connection errors, rate limiting).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that will not succeed without external
// change (invalid recipient, rejected payload).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as terminal.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a permanent classification.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ConsoleTransport prints messages to a writer. Used by the simulate command
// and as a fallback when no real channel is configured.
type ConsoleTransport struct {
	Out io.Writer
}

// Send writes the message as plain text.
func (c *ConsoleTransport) Send(_ context.Context, msg Message) error {
	if c.Out == nil {
		return Permanent(errors.New("console transport has no writer"))
	}
	_, err := fmt.Fprintf(c.Out, "--- %s ---\nto: %s\n%s\n", msg.Subject, msg.Recipient, msg.Body)
	return err
}

var _ Transport = (*ConsoleTransport)(nil)

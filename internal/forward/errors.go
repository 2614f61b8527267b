package forward

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a rule or template id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoClient is returned when a forward is started without an SSH
	// client handle.
	ErrNoClient = errors.New("ssh client handle is required")
)

// ConfigError reports a request that can never succeed as given: a missing
// record or an invalid field combination. It is not retried.
type ConfigError struct {
	Msg string
	Err error
}

// NewConfigError returns a ConfigError carrying msg.
func NewConfigError(msg string) *ConfigError {
	return &ConfigError{Msg: msg}
}

// NotFoundError returns a ConfigError wrapping ErrNotFound.
func NotFoundError(kind, id string) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf("%s %s", kind, id), Err: ErrNotFound}
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// BindError reports a listener that could not be bound.
type BindError struct {
	Addr string
	Err  error
	// Owner describes the process holding the address, when known.
	Owner string
}

func (e *BindError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("bind %s: %v (in use by %s)", e.Addr, e.Err, e.Owner)
	}
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// ChannelOpenError reports a single connection whose SSH side could not be
// established. It never stops the owning forwarder.
type ChannelOpenError struct {
	Target string
	Err    error
}

func (e *ChannelOpenError) Error() string {
	return fmt.Sprintf("open channel to %s: %v", e.Target, e.Err)
}

func (e *ChannelOpenError) Unwrap() error { return e.Err }

// TeardownError reports a failure while stopping a forwarder. Stopping is
// best-effort; the rule is marked inactive regardless.
type TeardownError struct {
	ForwardID string
	Err       error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("stop forward %s: %v", e.ForwardID, e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

package alert

import (
	"errors"
	"fmt"
)

var (
	ErrNoChannelsAvailable = errors.New("no channels available")
	ErrRetryExhausted      = errors.New("retry attempts exhausted")
)

// ConfigurationError marks a channel or trigger entry that could not be built.
// Setup logs it and skips the entry.
type ConfigurationError struct {
	Kind string // "channel" or "trigger"
	Name string
	Type string
	Err  error
}

func (e *ConfigurationError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s %q (type %q): %v", e.Kind, e.Name, e.Type, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Kind, e.Name, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// DeliveryError is one channel's send failure.
type DeliveryError struct {
	Channel string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver via %s: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

const (
	ReasonRateLimited = "rate_limited"
	ReasonDuplicate   = "duplicate"
)

// AdmissionRejected is returned by admission when an alert is suppressed.
type AdmissionRejected struct {
	Reason  string
	Channel string // set for rate_limited
}

func (e *AdmissionRejected) Error() string {
	if e.Channel != "" {
		return fmt.Sprintf("alert suppressed: %s on %s", e.Reason, e.Channel)
	}
	return "alert suppressed: " + e.Reason
}

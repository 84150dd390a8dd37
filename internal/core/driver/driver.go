// Package driver defines the connection to a single smart plug. A driver
// performs one network round trip per call and classifies failures as
// transient (worth retrying next poll) or permanent (needs intervention).
package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/plugwatch/plugwatch-go/internal/core/types"
)

// Driver is an opaque per-device connection.
type Driver interface {
	// Snapshot reads the device's instantaneous state in one round trip.
	Snapshot(ctx context.Context) (*types.Reading, error)
	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
	Toggle(ctx context.Context) error
	// Address reports the endpoint this driver talks to.
	Address() string
	Close() error
}

// Dimmer is implemented by drivers for dimmable plugs.
type Dimmer interface {
	SetBrightness(ctx context.Context, percent int) error
}

// ColorSetter is implemented by drivers for color-capable devices.
type ColorSetter interface {
	SetColor(ctx context.Context, hue, saturation, value int) error
}

// ErrorClass separates failures the poller retries from ones that need a
// human.
type ErrorClass int

const (
	ClassTransient ErrorClass = iota
	ClassPermanent
)

// Error is the failure type every driver call returns.
type Error struct {
	Class   ErrorClass
	Op      string
	Address string
	Err     error
}

func (e *Error) Error() string {
	class := "transient"
	if e.Class == ClassPermanent {
		class = "permanent"
	}
	return fmt.Sprintf("driver %s %s (%s): %v", e.Op, e.Address, class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether the error is worth retrying on the next poll.
func (e *Error) Transient() bool {
	return e.Class == ClassTransient
}

// IsTransient classifies an arbitrary error from a driver call. Errors that
// are not driver errors are treated as transient.
func IsTransient(err error) bool {
	var dErr *Error
	if errors.As(err, &dErr) {
		return dErr.Transient()
	}
	return true
}

// Transient wraps err as a retryable driver error.
func Transient(op, address string, err error) *Error {
	return &Error{Class: ClassTransient, Op: op, Address: address, Err: err}
}

// Permanent wraps err as a non-retryable driver error.
func Permanent(op, address string, err error) *Error {
	return &Error{Class: ClassPermanent, Op: op, Address: address, Err: err}
}

// Credentials is the opaque login material a driver is constructed with.
type Credentials struct {
	Username string
	Password string
}

// Factory builds a driver for an address. The registry uses it when adding a
// device or swapping its address.
type Factory func(address string, creds *Credentials) (Driver, error)

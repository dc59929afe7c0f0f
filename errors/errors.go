// Package errors defines the error codes shared by the relay, its transports
// and the simulated devices.
//
// A code is declared once with a message template and instantiated at the call
// site with Args:
//
//	return errors.ConfigurationError.Args("broker URL is required")
//
// Instances compare equal to their code under errors.Is, so callers can branch
// on the code without string matching.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Error is a coded error. The zero value is not useful; use the declared codes.
type Error struct {
	code   string
	format string
	args   []interface{}
	cause  error
}

func define(code, format string) *Error {
	return &Error{code: code, format: format}
}

// Code returns the stable identifier of the error.
func (e *Error) Code() string {
	return e.code
}

func (e *Error) Error() string {
	msg := e.format
	if len(e.args) > 0 {
		msg = fmt.Sprintf(e.format, e.args...)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

// Args returns a copy of the code with its message template filled in.
func (e *Error) Args(args ...interface{}) *Error {
	return &Error{code: e.code, format: e.format, args: args, cause: e.cause}
}

// Wrap returns a copy of the code carrying cause.
func (e *Error) Wrap(cause error) *Error {
	return &Error{code: e.code, format: e.format, args: e.args, cause: cause}
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.code == e.code
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is is errors.Is from the standard library.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As is errors.As from the standard library.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// New is errors.New from the standard library.
func New(text string) error {
	return stderrors.New(text)
}

// Relay and protocol errors.
var (
	DecodeFailed       = define("DECODE_FAILED", "malformed packet: %s")
	Undeliverable      = define("UNDELIVERABLE", "device %s is not connected")
	ScenarioLoadFailed = define("SCENARIO_LOAD_FAILED", "cannot load scenario %s")
	ConnectionClosed   = define("CONNECTION_CLOSED", "connection %s closed")
	ConversionFailed   = define("CONVERSION_FAILED", "conversion failed: %s")
	UnsupportedPacket  = define("UNSUPPORTED_PACKET", "unsupported packet type %s")
)

// Transport and configuration errors.
var (
	ConfigurationError          = define("CONFIGURATION_ERROR", "invalid configuration: %s")
	ConnectionFailed            = define("CONNECTION_FAILED", "connection failed")
	PublishFailed               = define("PUBLISH_FAILED", "publish failed")
	SubscriptionFailed          = define("SUBSCRIPTION_FAILED", "subscription failed")
	TimeoutError                = define("TIMEOUT", "operation timed out")
	MqttTransportAlreadyRunning = define("MQTT_ALREADY_RUNNING", "mqtt transport is already running")
	MqttTransportNotRunning     = define("MQTT_NOT_RUNNING", "mqtt transport is not running")
	SubscriptionNotActive       = define("SUBSCRIPTION_NOT_ACTIVE", "subscription to %s is not active")
	ClientNotConnected          = define("CLIENT_NOT_CONNECTED", "client is not connected")
	UnsubscribeFailed           = define("UNSUBSCRIBE_FAILED", "unsubscribe from %s failed: %v")
)

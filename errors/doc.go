// Package errors provides standardized error handling for the receive
// pipeline. It includes error classification, sentinel error variables,
// and helpers for consistent error wrapping across the module.
//
// Errors are classified as transient (retryable), invalid (caller
// mistake), or fatal (stop processing). The Wrap* helpers attach
// component/method/action context in a uniform format:
//
//	errors.WrapTransient(err, "udp-reader", "Start", "socket binding")
//
// produces "udp-reader.Start: socket binding failed: <cause>" and marks
// the result transient so retry logic can pick it up via IsTransient.
package errors

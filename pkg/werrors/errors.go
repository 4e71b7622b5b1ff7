// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package werrors re-exports the stdlib errors API and adds the error
// taxonomy used to classify failures across the daemon.
package werrors

import (
	stdliberrors "errors"
)

var (
	ErrUnsupported = stdliberrors.ErrUnsupported

	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

// Sentinel kinds. Callers compare with Is; policies for each are documented
// where they are returned.
var (
	ErrInvalidInput   = stdliberrors.New("invalid input")
	ErrInvalidState   = stdliberrors.New("invalid state")
	ErrAuthDenied     = stdliberrors.New("auth denied")
	ErrUnknownSession = stdliberrors.New("unknown session")
	ErrTransport      = stdliberrors.New("transport failure")
)

func NewRetryable(text string) RetryableError {
	return &retryableError{text}
}

func Retryable(err error) bool {
	var rerr RetryableError
	return As(err, &rerr)
}

// RetryableError marks an error as safe to retry with backoff, as opposed
// to a permanent failure (bad input, permission denied).
type RetryableError interface {
	error
	Retryable()
}

type retryableError struct {
	text string
}

func (r *retryableError) Error() string {
	return r.text
}

func (r *retryableError) Retryable() {}

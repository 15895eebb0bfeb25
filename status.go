// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package sockcm implements a TCP socket-based out-of-band connection
// manager: a client/server handshake state machine that exchanges a single
// bounded private-data frame in each direction before handing the connection
// off to a higher layer.
package sockcm

import (
	"errors"
	"fmt"
)

// Status is the taxonomy of outcomes a CEP operation can surface to the
// caller or to an installed callback.
type Status int

const (
	StatusOK Status = iota
	StatusInProgress
	StatusBusy
	StatusNotConnected
	StatusConnectionReset
	StatusRejected
	StatusBufferTooSmall
	StatusInvalidParam
	StatusIOError
	StatusNoMemory
	StatusUnreachable
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInProgress:
		return "in progress"
	case StatusBusy:
		return "busy"
	case StatusNotConnected:
		return "not connected"
	case StatusConnectionReset:
		return "connection reset"
	case StatusRejected:
		return "rejected"
	case StatusBufferTooSmall:
		return "buffer too small"
	case StatusInvalidParam:
		return "invalid parameter"
	case StatusIOError:
		return "io error"
	case StatusNoMemory:
		return "no memory"
	case StatusUnreachable:
		return "unreachable"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Error wraps a Status with an optional underlying cause, so callers can
// either switch on Status or unwrap down to the root error with errors.As /
// errors.Unwrap.
type Error struct {
	Status Status
	Cause  error
}

func NewError(status Status, cause error) *Error {
	return &Error{Status: status, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("sockcm: %s: %v", e.Status, e.Cause)
	}
	return fmt.Sprintf("sockcm: %s", e.Status)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, sockcm.NewError(StatusRejected, nil)) match on
// Status alone, ignoring Cause.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Status == other.Status
}

// StatusOf extracts the Status carried by err, defaulting to StatusIOError
// for errors that did not originate in this package.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var sErr *Error
	if errors.As(err, &sErr) {
		return sErr.Status
	}
	return StatusIOError
}

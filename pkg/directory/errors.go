// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"errors"
	"fmt"
)

var (
	// ErrNoMatch means the search returned no usable entry.
	ErrNoMatch = errors.New("directory: no matching entry")

	// ErrAmbiguous means more than one entry matched. It wraps ErrNoMatch so
	// callers that only care about "no usable record" need one check.
	ErrAmbiguous = fmt.Errorf("%w: identifier matched more than one entry", ErrNoMatch)

	// ErrUnavailable is a transient failure reaching or querying the server.
	ErrUnavailable = errors.New("directory: unavailable")

	// ErrInvalidCredentials means the directory rejected the bind.
	ErrInvalidCredentials = errors.New("directory: invalid credentials")

	// ErrBindRejected means the server refused the bind for a reason that
	// says nothing about the secret, such as a TLS or SASL requirement.
	ErrBindRejected = errors.New("directory: bind rejected by server policy")

	// ErrInvalidScope is returned for unknown or conflicting scope names.
	ErrInvalidScope = errors.New("directory: invalid scope")
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

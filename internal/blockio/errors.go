// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package blockio

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Error is the error type returned by the block layer. Each error can carry
// additional message or wrap the cause while errors.Is still matches the
// original sentinel.
type Error interface {
	error
	WithMessage(message string) Error
	Wrap(err error) Error
}

type baseError string

const rootError = baseError("")

// Configuration errors.
var ErrBlockSizeMismatch = rootError.WithMessage("block size mismatch")
var ErrSubvolumeSizeMismatch = rootError.WithMessage("sub volume size mismatch")
var ErrInvalidBlockSize = rootError.WithMessage("invalid block size")
var ErrInvalidRequest = rootError.WithMessage("invalid volume construction request")

// Capability errors.
var ErrCannotReceiveBlocks = rootError.WithMessage("cannot receive blocks")
var ErrCannotServeBlocks = rootError.WithMessage("cannot serve blocks")
var ErrReadOnly = rootError.WithMessage("read only backend")

// Request errors.
var ErrNotBlockAligned = rootError.WithMessage("request is not block aligned")
var ErrOffsetOutOfRange = rootError.WithMessage("offset out of range")

// Activation errors.
var ErrUpstairsAlreadyActive = rootError.WithMessage("upstairs already active")
var ErrUpstairsInactive = rootError.WithMessage("upstairs inactive")
var ErrGenerationTooLow = rootError.WithMessage("generation number is too low")

// Backend errors.
var ErrRegionNotFound = rootError.WithMessage("region not found")
var ErrInvalidImage = rootError.WithMessage("invalid image")
var ErrIOFailed = rootError.WithMessage("input/output error")

func (e baseError) Error() string {
	return string(e)
}

func (e baseError) WithMessage(message string) Error {
	return customError{
		message:       message,
		originalError: e,
	}
}

func (e baseError) Wrap(err error) Error {
	return customError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

type customError struct {
	message       string
	originalError error
}

func (e customError) Error() string {
	return e.message
}

func (e customError) WithMessage(message string) Error {
	return customError{
		message:       fmt.Sprintf("%s: %s", e.message, message),
		originalError: e,
	}
}

func (e customError) Wrap(err error) Error {
	return customError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

func (e customError) Unwrap() error {
	return e.originalError
}

// Copyright 2025 The AgentFlow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
//
// Usage:
//
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "doing something")
//	}
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
//
// Usage:
//
//	if err := claim(id); err != nil {
//	    return errors.Wrapf(err, "claiming task %s", id)
//	}
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// New creates a new error with the given message.
// This is a convenience wrapper around the standard errors.New.
func New(message string) error {
	return errors.New(message)
}

// Is reports whether any error in err's chain matches target.
// This is a convenience wrapper around the standard errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
// This is a convenience wrapper around the standard errors.As.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err.
// This is a convenience wrapper around the standard errors.Unwrap.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// IsNotFound reports whether err is a NotFoundError anywhere in its chain.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsTimeout reports whether err represents a timeout, either a
// TimeoutError or a context deadline.
func IsTimeout(err error) bool {
	var to *TimeoutError
	if errors.As(err, &to) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Kind classifies err into one of the persisted kind tags. Errors
// implementing Classifier report their own kind; unknown errors map to
// KindHandlerError since they can only originate in user-supplied handler
// code by the time they reach a task record.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	var classifier Classifier
	if errors.As(err, &classifier) {
		return classifier.ErrorKind()
	}
	var (
		parse       *ParseError
		unresolved  *UnresolvedReferenceError
		mismatch    *TypeMismatchError
		notRegistry *HandlerNotFoundError
		handler     *HandlerError
		timeout     *TimeoutError
		download    *DownloadError
		persistence *PersistenceError
		validation  *ValidationError
		notFound    *NotFoundError
	)
	switch {
	case errors.As(err, &parse):
		return KindParse
	case errors.As(err, &unresolved):
		return KindUnresolvedReference
	case errors.As(err, &mismatch):
		return KindTypeMismatch
	case errors.As(err, &notRegistry):
		return KindHandlerNotFound
	case errors.As(err, &timeout):
		return KindTimeout
	case errors.As(err, &download):
		return KindDownloadFailure
	case errors.As(err, &persistence):
		return KindPersistence
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &notFound):
		return KindNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &handler):
		return KindHandlerError
	default:
		return KindHandlerError
	}
}

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

// Classifier lets error types defined outside this package report their
// own kind tag. Kind checks for it before falling back to the built-in
// types, so domain packages can participate in error classification
// without a dependency cycle.
type Classifier interface {
	error

	// ErrorKind returns the kind tag to persist for this error.
	// Implementations should return one of the Kind* constants.
	ErrorKind() string
}

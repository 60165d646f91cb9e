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

package flow

import (
	"math"
	"reflect"
)

// Built-in attribute type names. Attribute.Type values outside this set
// name schemas and are not structurally checked.
const (
	TypeAny     = "Any"
	TypeLong    = "Long"
	TypeString  = "String"
	TypeBoolean = "Boolean"
	TypeDouble  = "Double"
	TypeList    = "List"
	TypeMap     = "Map"
)

// TypeMatches reports whether a value is compatible with a declared
// attribute type. Values round-trip through JSON in the store, so Long
// accepts integral floats and List/Map accept any slice or map shape.
// A nil value and an empty or unrecognized declared type always match.
func TypeMatches(declared string, value any) bool {
	if declared == "" || declared == TypeAny || value == nil {
		return true
	}

	switch declared {
	case TypeLong:
		switch v := value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		case float32:
			return float64(v) == math.Trunc(float64(v))
		case float64:
			return v == math.Trunc(v)
		}
		return false
	case TypeDouble:
		switch value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			return true
		}
		return false
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeBoolean:
		_, ok := value.(bool)
		return ok
	case TypeList:
		k := reflect.ValueOf(value).Kind()
		return k == reflect.Slice || k == reflect.Array
	case TypeMap:
		return reflect.ValueOf(value).Kind() == reflect.Map
	}

	// Schema-typed attributes carry their schema name here; structure
	// is the schema statement's concern, not the type check's.
	return true
}

package checksum

import "reflect"

// missingValue is the in-process sentinel for a field that was present in a
// client payload with no value at all, as opposed to an explicit null.
type missingValue struct{}

// Missing marks a field whose value is absent rather than null. The storage
// layer cannot represent the distinction, so SanitizeForStorage collapses it
// to an explicit null before any write.
var Missing = missingValue{}

// SanitizeForStorage returns a copy of the payload with every Missing sentinel
// replaced by an explicit null, recursing through nested objects and arrays.
// A value that refers back to one of its ancestors is replaced with an empty
// object instead of recursing forever.
func SanitizeForStorage(payload any) any {
	return sanitizeValue(payload, map[uintptr]bool{})
}

func sanitizeValue(value any, visiting map[uintptr]bool) any {
	switch typed := value.(type) {
	case missingValue:
		return nil
	case map[string]any:
		identity := reflect.ValueOf(typed).Pointer()
		if visiting[identity] {
			return map[string]any{}
		}
		visiting[identity] = true
		sanitized := make(map[string]any, len(typed))
		for key, element := range typed {
			sanitized[key] = sanitizeValue(element, visiting)
		}
		delete(visiting, identity)
		return sanitized
	case []any:
		identity := reflect.ValueOf(typed).Pointer()
		if visiting[identity] {
			return map[string]any{}
		}
		visiting[identity] = true
		sanitized := make([]any, len(typed))
		for index, element := range typed {
			sanitized[index] = sanitizeValue(element, visiting)
		}
		delete(visiting, identity)
		return sanitized
	default:
		return value
	}
}

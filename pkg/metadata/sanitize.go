package metadata

// unsetSentinel is the placeholder some upstreams emit for fields they
// could not populate
const unsetSentinel = "__unset"

// collectionFields maps the composer fields for which the sentinel is
// replaced by an empty collection, to the shape of that collection:
// true = object, false = array.
var collectionFields = map[string]bool{
	"require":      true,
	"require-dev":  true,
	"suggest":      true,
	"provide":      true,
	"replace":      true,
	"conflict":     true,
	"autoload":     true,
	"autoload-dev": true,
	"extra":        true,
	"bin":          false,
	"license":      false,
	"authors":      false,
	"keywords":     false,
	"repositories": false,
	"include-path": false,
}

// SanitizeVersion cleans one upstream version entry in place:
//
//   - a "__unset" sentinel becomes an empty collection for the known
//     collection fields and is dropped for any other field
//   - a "source" field that is not an object is removed
func SanitizeVersion(entry map[string]any) {
	for field, value := range entry {
		s, isString := value.(string)
		if !isString || s != unsetSentinel {
			continue
		}
		if isObject, known := collectionFields[field]; known {
			if isObject {
				entry[field] = map[string]any{}
			} else {
				entry[field] = []any{}
			}
		} else {
			delete(entry, field)
		}
	}

	if source, ok := entry["source"]; ok {
		if _, isObject := source.(map[string]any); !isObject {
			delete(entry, "source")
		}
	}
}

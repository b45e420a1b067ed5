package failure

import (
	"fmt"
	"hash/fnv"
)

// Signature derives a stable identity for a class of failure within one
// scope (session or job). The message is folded into a short fixed-length
// hash so near-identical errors with long bodies share a compact key.
func Signature(scopeID, errType, message string) string {
	h := fnv.New32a()
	h.Write([]byte(message))
	return fmt.Sprintf("%s:%s:%08x", scopeID, errType, h.Sum32())
}

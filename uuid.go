package ploop

import (
	"strings"

	"github.com/google/uuid"
)

// NoneGUID marks the parent of the base snapshot (§3.3).
const NoneGUID = "{00000000-0000-0000-0000-000000000000}"

// TopUUID marks the image slot holding the writable leaf delta (§3.3). It
// is a sentinel string, not a random identifier: exactly one image carries
// it at any time.
const TopUUID = "{5fbaabe3-6958-40ff-92a7-860e329aab41}"

// newGUID generates a fresh collision-free version-4 identifier, formatted
// the way the host driver expects: braced, upper-hex. Grounded on
// goploop's UUID(), which calls into libploop's own uuid generator; here
// we generate locally since there is no C library to call into.
func newGUID() string {
	id := uuid.New()
	return "{" + strings.ToUpper(id.String()) + "}"
}

// validGUID reports whether s is a syntactically well-formed braced GUID.
func validGUID(s string) bool {
	if len(s) != 38 || s[0] != '{' || s[37] != '}' {
		return false
	}
	_, err := uuid.Parse(s[1:37])
	return err == nil
}

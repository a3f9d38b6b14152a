package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a time-sortable ULID encoded as a 26-character string.
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewInstanceID derives a registry instance identifier from the service
// name. IDs sort by registration time, which keeps registry listings and
// log greps readable.
func NewInstanceID(serviceName string) string {
	name := strings.TrimSpace(serviceName)
	if name == "" {
		return NewULID()
	}
	return name + "-" + NewULID()
}

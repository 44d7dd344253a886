// Package ids generates identifiers for ledger rows.
//
// Entities and close commands use random UUIDs. Append-only rows
// (reconciliation events, alerts) use monotonic ULIDs so "recent N" queries
// can order by id alone.
package ids

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	mu   sync.Mutex
	mono io.Reader
)

func init() {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	mono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// New returns a random UUID string.
func New() string {
	return uuid.New().String()
}

// Sortable returns a ULID for t. IDs generated within the same millisecond
// stay lexicographically increasing.
func Sortable(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(t.UTC()), mono)
	if err != nil {
		// Monotonic entropy overflows only after 2^80 ids in one millisecond.
		panic(err)
	}
	return id.String()
}

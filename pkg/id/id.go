// Package id generates time-sortable identifiers for orders, client order
// ids and trades.
package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator produces monotonic ULIDs. Within the same millisecond ids remain
// lexicographically increasing, so they sort in submission order in the
// journal and in broker-side order books.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

// NewGenerator returns a generator seeded from crypto/rand.
func NewGenerator() *Generator {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return NewGeneratorWithSeed(seed, time.Now)
}

// NewGeneratorWithSeed is deterministic given the seed and clock.
func NewGeneratorWithSeed(seed int64, now func() time.Time) *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.New(rand.NewSource(seed)), 0),
		now:     now,
	}
}

// Next returns a new ULID string.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(g.now().UTC()), g.entropy)
	if err != nil {
		// Only possible when the clock goes backwards past the monotonic window.
		panic(err)
	}
	return id.String()
}

var std = NewGenerator()

// New returns a ULID from the package generator.
func New() string { return std.Next() }

// ClientOrderID is the idempotency key sent with every broker submission.
func ClientOrderID() string { return "co-" + std.Next() }

// TradeID identifies a journaled trade (entry through exit).
func TradeID() string { return "tr-" + std.Next() }

// Time extracts the timestamp embedded in a ULID, with or without a prefix.
func Time(s string) (time.Time, error) {
	if n := len(s); n > ulid.EncodedSize {
		s = s[n-ulid.EncodedSize:]
	}
	u, err := ulid.Parse(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}

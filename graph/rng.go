package graph

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
	"sync"
)

// seedFromID derives a deterministic RNG seed from an execution id, so a
// run re-executed under the same id makes the same random choices.
func seedFromID(executionID string) int64 {
	sum := sha256.Sum256([]byte(executionID))
	return int64(binary.BigEndian.Uint64(sum[:8])) // #nosec G115 -- bit reinterpretation for a seed
}

// jitterSeed derives the retry-jitter seed from the routing seed so the two
// sources never produce the same sequence.
func jitterSeed(seed int64) int64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(seed)) // #nosec G115 -- bit reinterpretation for a seed
	sum := sha256.Sum256(append([]byte("jitter:"), buf[:]...))
	return int64(binary.BigEndian.Uint64(sum[:8])) // #nosec G115 -- bit reinterpretation for a seed
}

// lockedRand is a seeded math/rand source safe for concurrent use.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func newLockedRand(seed int64) *lockedRand {
	return &lockedRand{r: rand.New(rand.NewSource(seed))} // #nosec G404 -- routing and jitter, not security
}

// Float64 returns a value in [0, 1).
func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

// Intn returns a value in [0, n).
func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}

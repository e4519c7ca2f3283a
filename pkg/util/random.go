package utils

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"sync"

	"github.com/sessamekesh/spanreed-lockstep/pkg/message"
)

// IDSource hands out challenge tokens. Implementations never return zero.
type IDSource interface {
	NextAuthentID() message.AuthentID
}

// CryptoIDSource draws AuthentIDs from crypto/rand. A token is the only
// thing tying unreliable datagrams to a client, so production servers use
// this one.
type CryptoIDSource struct{}

func (CryptoIDSource) NextAuthentID() message.AuthentID {
	var b [8]byte
	for {
		if _, err := crand.Read(b[:]); err != nil {
			panic("crypto/rand unavailable: " + err.Error())
		}
		if id := binary.LittleEndian.Uint64(b[:]); id != 0 {
			return message.AuthentID(id)
		}
	}
}

// RandomGenerator is a seeded source of AuthentIDs and short random strings.
// Seeding it explicitly keeps tests reproducible. Its tokens are guessable,
// so it is not an IDSource for real servers.
type RandomGenerator struct {
	mut sync.Mutex
	gen *rand.Rand
}

func CreateRandomGenerator(seed int64) *RandomGenerator {
	return &RandomGenerator{
		mut: sync.Mutex{},
		gen: rand.New(rand.NewSource(seed)),
	}
}

func (g *RandomGenerator) NextAuthentID() message.AuthentID {
	g.mut.Lock()
	defer g.mut.Unlock()

	for {
		if id := g.gen.Uint64(); id != 0 {
			return message.AuthentID(id)
		}
	}
}

var letters = []rune("123456789abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ")

func (g *RandomGenerator) GetRandomString(n int) string {
	g.mut.Lock()
	defer g.mut.Unlock()

	b := make([]rune, n)
	for i := range b {
		b[i] = letters[g.gen.Intn(len(letters))]
	}
	return string(b)
}

// SequentialIDSource returns 1, 2, 3... Handy where readable tokens matter
// more than unpredictability.
type SequentialIDSource struct {
	mut  sync.Mutex
	last uint64
}

func (s *SequentialIDSource) NextAuthentID() message.AuthentID {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.last++
	return message.AuthentID(s.last)
}

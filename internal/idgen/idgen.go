// ABOUTME: Channel id generators: random alphanumeric tokens, UUIDs, and ULIDs
// ABOUTME: Selected by the channels.id_format config value

package idgen

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Id formats accepted by FromFormat.
const (
	FormatRandom = "random"
	FormatUUID   = "uuid"
	FormatULID   = "ulid"
)

// DefaultLength is the token length used by the random format.
const DefaultLength = 30

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generator produces opaque, unique channel ids.
type Generator interface {
	NewID() string
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func() string

// NewID calls f.
func (f GeneratorFunc) NewID() string {
	return f()
}

// Random returns a generator of n-character alphanumeric tokens drawn from
// crypto/rand. A non-positive n uses DefaultLength.
func Random(n int) Generator {
	if n <= 0 {
		n = DefaultLength
	}
	return GeneratorFunc(func() string {
		return randomString(n)
	})
}

// UUID returns a generator of random (v4) UUID strings.
func UUID() Generator {
	return GeneratorFunc(func() string {
		return uuid.New().String()
	})
}

// ULID returns a generator of monotonic ULID strings. ulid.Make is safe for
// concurrent use.
func ULID() Generator {
	return GeneratorFunc(func() string {
		return ulid.Make().String()
	})
}

// FromFormat returns the generator for a config id_format value.
func FromFormat(format string, length int) (Generator, error) {
	switch format {
	case "", FormatRandom:
		return Random(length), nil
	case FormatUUID:
		return UUID(), nil
	case FormatULID:
		return ULID(), nil
	default:
		return nil, fmt.Errorf("unknown id format %q (want random, uuid or ulid)", format)
	}
}

func randomString(n int) string {
	limit := big.NewInt(int64(len(alphabet)))
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			// crypto/rand only fails when the OS entropy source is broken.
			panic(fmt.Sprintf("idgen: reading random source: %v", err))
		}
		buf[i] = alphabet[idx.Int64()]
	}
	return string(buf)
}

package objectid

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// Size is the fixed width of an ID in bytes (96 bits).
const Size = 12

// ID is a 96-bit identifier laid out as
// [4 bytes unix seconds][5 bytes process random][3 bytes counter], big-endian.
type ID [Size]byte

// Nil is the zero ID.
var Nil ID

var ErrInvalidHex = errors.New("objectid: invalid hex representation")

var (
	processUnique = readProcessUnique()
	counter       atomic.Uint32
)

func init() {
	var b [4]byte
	_, _ = rand.Read(b[:])
	counter.Store(binary.BigEndian.Uint32(b[:]))
}

func readProcessUnique() [5]byte {
	var b [5]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("objectid: cannot read process random bytes: %v", err))
	}
	return b
}

// New returns a fresh ID stamped with the current time.
func New() ID {
	return NewAt(time.Now())
}

// NewAt returns a fresh ID stamped with t. IDs created in the same process never
// collide until the 24-bit counter wraps within a single second.
func NewAt(t time.Time) ID {
	var id ID
	binary.BigEndian.PutUint32(id[0:4], uint32(t.Unix()))
	copy(id[4:9], processUnique[:])
	c := counter.Add(1)
	id[9] = byte(c >> 16)
	id[10] = byte(c >> 8)
	id[11] = byte(c)
	return id
}

// FromHex parses the 24-character hex form.
func FromHex(s string) (ID, error) {
	var id ID
	if len(s) != Size*2 {
		return Nil, ErrInvalidHex
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return Nil, ErrInvalidHex
	}
	return id, nil
}

// MustFromHex is FromHex for constants in tests and fixtures.
func MustFromHex(s string) ID {
	id, err := FromHex(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) Hex() string { return hex.EncodeToString(id[:]) }

func (id ID) String() string { return id.Hex() }

func (id ID) IsZero() bool { return id == Nil }

// Timestamp returns the creation second encoded in the ID.
func (id ID) Timestamp() time.Time {
	return time.Unix(int64(binary.BigEndian.Uint32(id[0:4])), 0).UTC()
}

func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.Hex())
}

func (id *ID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := FromHex(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

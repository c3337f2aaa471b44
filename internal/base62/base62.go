// Package base62 converts 96-bit identifiers to and from the short public
// tokens embedded in inbound webhook URLs.
//
// A token is the big-endian unsigned value of the identifier written in
// base 62 over the alphabet 0-9A-Za-z, most significant digit first, with no
// padding. Zero encodes as "0".
package base62

import (
	"errors"
	"math/big"

	"github.com/gyaneshwarpardhi/hookwatch/internal/objectid"
)

const Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// ErrInvalidTokenFormat is returned for tokens that are empty, contain a
// character outside Alphabet, or whose value does not fit in 96 bits.
var ErrInvalidTokenFormat = errors.New("base62: invalid token format")

var (
	base     = big.NewInt(int64(len(Alphabet)))
	digitOf  [256]int8
	maxValue = new(big.Int).Lsh(big.NewInt(1), objectid.Size*8)
)

func init() {
	for i := range digitOf {
		digitOf[i] = -1
	}
	for i := 0; i < len(Alphabet); i++ {
		digitOf[Alphabet[i]] = int8(i)
	}
}

// Encode returns the public token for id.
func Encode(id objectid.ID) string {
	return EncodeInt(new(big.Int).SetBytes(id[:]))
}

// EncodeInt encodes a non-negative integer. n is not modified.
func EncodeInt(n *big.Int) string {
	if n.Sign() == 0 {
		return Alphabet[:1]
	}
	num := new(big.Int).Set(n)
	rem := new(big.Int)
	var digits []byte
	for num.Sign() > 0 {
		num.QuoRem(num, base, rem)
		digits = append(digits, Alphabet[rem.Int64()])
	}
	// Remainders come out least significant first.
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	return string(digits)
}

// DecodeInt parses token with Horner's method. Leading zero digits are
// accepted and do not change the value. The empty token has no value.
func DecodeInt(token string) (*big.Int, error) {
	if token == "" || !IsValidFormat(token) {
		return nil, ErrInvalidTokenFormat
	}
	num := new(big.Int)
	d := new(big.Int)
	for i := 0; i < len(token); i++ {
		num.Mul(num, base)
		num.Add(num, d.SetInt64(int64(digitOf[token[i]])))
	}
	return num, nil
}

// Decode parses token back into the fixed-width identifier it encodes,
// left-padding the value to objectid.Size bytes. It says nothing about
// whether the identifier belongs to a real user.
func Decode(token string) (objectid.ID, error) {
	num, err := DecodeInt(token)
	if err != nil {
		return objectid.Nil, err
	}
	if num.Cmp(maxValue) >= 0 {
		return objectid.Nil, ErrInvalidTokenFormat
	}
	var id objectid.ID
	num.FillBytes(id[:])
	return id, nil
}

// IsValidFormat reports whether token uses only Alphabet. It checks
// characters alone, so the empty string passes; Decode still rejects it.
func IsValidFormat(token string) bool {
	for i := 0; i < len(token); i++ {
		if digitOf[token[i]] < 0 {
			return false
		}
	}
	return true
}

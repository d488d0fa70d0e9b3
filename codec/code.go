package codec

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	// Alphabet is the symbol set used for short codes.
	Alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	// Length is the number of symbols in a short code.
	Length = 5
)

var (
	// ErrInvalidLength indicates a code that is not exactly Length symbols long.
	ErrInvalidLength = errors.New("codec: code must be 5 characters long")
	// ErrInvalidCharacter indicates a symbol outside Alphabet.
	ErrInvalidCharacter = errors.New("codec: invalid character in code")
)

var shiftTable = [Length]int{9, 2, 7, 4, 6}

// permutation[i] is the substituted position written to output position i.
var permutation = [Length]int{3, 0, 4, 1, 2}

// Generate returns a random short code drawn uniformly from Alphabet.
func Generate() (string, error) {
	max := big.NewInt(int64(len(Alphabet)))
	out := make([]byte, Length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		out[i] = Alphabet[n.Int64()]
	}
	return string(out), nil
}

// Obfuscate maps a stored short code to the form shown to people.
func Obfuscate(code string) (string, error) {
	idx, err := indexes(code)
	if err != nil {
		return "", err
	}

	var substituted [Length]int
	for i, v := range idx {
		substituted[i] = (v - shiftTable[i] + len(Alphabet)) % len(Alphabet)
	}

	out := make([]byte, Length)
	for i, from := range permutation {
		out[i] = Alphabet[substituted[from]]
	}
	return string(out), nil
}

// Deobfuscate reverses Obfuscate.
func Deobfuscate(code string) (string, error) {
	idx, err := indexes(code)
	if err != nil {
		return "", err
	}

	var substituted [Length]int
	for i, from := range permutation {
		substituted[from] = idx[i]
	}

	out := make([]byte, Length)
	for i, v := range substituted {
		out[i] = Alphabet[(v+shiftTable[i])%len(Alphabet)]
	}
	return string(out), nil
}

// Valid reports whether code is a well-formed short code.
func Valid(code string) bool {
	_, err := indexes(code)
	return err == nil
}

// Normalize trims whitespace and lower-cases user input.
func Normalize(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

func indexes(code string) ([Length]int, error) {
	var idx [Length]int
	if len(code) != Length {
		return idx, ErrInvalidLength
	}
	for i := 0; i < Length; i++ {
		pos := strings.IndexByte(Alphabet, code[i])
		if pos < 0 {
			return idx, fmt.Errorf("%w: %q", ErrInvalidCharacter, code[i])
		}
		idx[i] = pos
	}
	return idx, nil
}

// Package scrambler provides the bulk decryption primitives used by the
// descrambler. An Engine hands out key schedules; a key schedule decrypts a
// batch of TS payloads in place.
package scrambler

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ControlWordSize is the length of a control word in bytes
const ControlWordSize = 8

// DefaultBatchSize is the number of payloads an engine processes per call
// when the configuration does not say otherwise.
const DefaultBatchSize = 64

var (
	ErrUnknownEngine      = errors.New("unknown scrambling engine")
	ErrInvalidControlWord = errors.New("invalid control word")
)

// ControlWord is the 8-byte secret keying one parity of a key slot
type ControlWord [ControlWordSize]byte

// IsZero reports whether every byte of the control word is zero
func (cw ControlWord) IsZero() bool {
	for _, b := range cw {
		if b != 0 {
			return false
		}
	}
	return true
}

// String renders the control word as lowercase hex
func (cw ControlWord) String() string {
	return hex.EncodeToString(cw[:])
}

// ParseControlWord decodes a 16 character hex string, optionally separated
// by spaces or colons.
func ParseControlWord(s string) (ControlWord, error) {
	var cw ControlWord
	clean := strings.NewReplacer(" ", "", ":", "").Replace(s)
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return cw, fmt.Errorf("%w: %v", ErrInvalidControlWord, err)
	}
	if len(raw) != ControlWordSize {
		return cw, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidControlWord, len(raw), ControlWordSize)
	}
	copy(cw[:], raw)
	return cw, nil
}

// Key is a key schedule for one parity of one key slot
type Key interface {
	// Set installs a control word, replacing the previous schedule
	Set(cw ControlWord) error
	// Decrypt descrambles every payload in place
	Decrypt(payloads [][]byte)
	// Encrypt scrambles every payload in place
	Encrypt(payloads [][]byte)
}

// Engine allocates key schedules and reports its batch capacity
type Engine interface {
	Name() string
	BatchSize() int
	NewKey() (Key, error)
}

// New returns the engine registered under name. batchSize <= 0 selects
// DefaultBatchSize.
func New(name string, batchSize int) (Engine, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	switch strings.ToLower(name) {
	case "des", "":
		return NewDES(batchSize), nil
	case "none", "null":
		return NewNull(batchSize), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, name)
	}
}

// Names lists the engine names accepted by New
func Names() []string {
	return []string{"des", "none"}
}

package descrambler

import (
	"fmt"

	"github.com/zsiec/tsdecrypt/internal/mpegts"
	"github.com/zsiec/tsdecrypt/internal/scrambler"
)

// MaxSlots is the number of key slots per descrambler
const MaxSlots = 16

// Parity selects the even or odd control word of a slot
type Parity int

const (
	ParityEven Parity = 0
	ParityOdd  Parity = 1
)

func (p Parity) String() string {
	switch p {
	case ParityEven:
		return "even"
	case ParityOdd:
		return "odd"
	default:
		return fmt.Sprintf("parity(%d)", int(p))
	}
}

// Valid reports whether p is even or odd
func (p Parity) Valid() bool {
	return p == ParityEven || p == ParityOdd
}

// scrambling returns the header bits that select this parity
func (p Parity) scrambling() uint8 {
	if p == ParityOdd {
		return mpegts.ScramblingOdd
	}
	return mpegts.ScramblingEven
}

func parityOf(sc uint8) Parity {
	if sc&0x40 != 0 {
		return ParityOdd
	}
	return ParityEven
}

// Slot flags
const (
	flagEvenGood uint8 = 1 << iota
	flagOddGood
	flagActivity
)

func goodFlag(p Parity) uint8 {
	if p == ParityOdd {
		return flagOddGood
	}
	return flagEvenGood
}

// keySlot holds both key schedules of one slot. Keys are allocated on
// first use.
type keySlot struct {
	even scrambler.Key
	odd  scrambler.Key

	flags    uint8
	active   uint8 // scrambling bits of the parity last seen in the stream, 0 before any
	usedPIDs int
}

func (s *keySlot) good(p Parity) bool {
	return s.flags&goodFlag(p) != 0
}

func (s *keySlot) key(p Parity) scrambler.Key {
	if p == ParityOdd {
		return s.odd
	}
	return s.even
}

func (s *keySlot) reset() {
	s.flags = 0
	s.active = 0
	s.usedPIDs = 0
}

// SlotState is a read-only view of one key slot
type SlotState struct {
	Index     int    `json:"index"`
	Active    string `json:"active"` // none, even or odd
	EvenGood  bool   `json:"even_good"`
	OddGood   bool   `json:"odd_good"`
	Activity  bool   `json:"activity"`
	UsedPIDs  int    `json:"used_pids"`
	PIDs      []int  `json:"pids"`
	Allocated bool   `json:"allocated"`
}

func (s *keySlot) state(index int) SlotState {
	active := "none"
	switch s.active {
	case mpegts.ScramblingEven:
		active = ParityEven.String()
	case mpegts.ScramblingOdd:
		active = ParityOdd.String()
	}

	return SlotState{
		Index:     index,
		Active:    active,
		EvenGood:  s.flags&flagEvenGood != 0,
		OddGood:   s.flags&flagOddGood != 0,
		Activity:  s.flags&flagActivity != 0,
		UsedPIDs:  s.usedPIDs,
		Allocated: s.even != nil && s.odd != nil,
	}
}

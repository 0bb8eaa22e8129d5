// Package descrambler keeps the key and PID state of one (adapter, demux)
// pair and decrypts batches of TS packets in place with it.
package descrambler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zsiec/tsdecrypt/internal/config"
	"github.com/zsiec/tsdecrypt/internal/logger"
	"github.com/zsiec/tsdecrypt/internal/metrics"
	"github.com/zsiec/tsdecrypt/internal/mpegts"
	"github.com/zsiec/tsdecrypt/internal/scrambler"
)

const (
	DefaultKeyWait     = 500 * time.Millisecond
	DefaultReleaseWait = 100 * time.Millisecond

	// minPayload is the smallest payload worth handing to the engine
	minPayload = 4
)

var (
	ErrInvalidSlot     = errors.New("invalid key slot")
	ErrInvalidParity   = errors.New("invalid parity")
	ErrInvalidPID      = errors.New("invalid pid")
	ErrZeroControlWord = errors.New("all-zero control word rejected")
	ErrInvalidAddress  = errors.New("invalid adapter or demux")
)

// WaitResult is the outcome of a bounded key wait
type WaitResult int

const (
	Ready WaitResult = iota
	TimedOut
)

func (r WaitResult) String() string {
	if r == Ready {
		return "ready"
	}
	return "timed out"
}

// Descrambler owns the key slots and PID map of one demux. All methods are
// safe for concurrent use; Decrypt is expected to be driven by a single
// consumer goroutine while SetKey and SetPid arrive from control channels.
type Descrambler struct {
	adapter int
	demux   int
	label   string

	engine    scrambler.Engine
	batchSize int

	keyWait          time.Duration
	releaseWait      time.Duration
	dropOnKeyTimeout bool

	log     logger.Logger
	sampled *logger.SampledLogger

	mu     sync.Mutex
	wake   chan struct{} // closed and replaced on every broadcast
	slots  [MaxSlots]keySlot
	pidMap [mpegts.PIDCount]uint8
	mapped [mpegts.PIDCount]bool // set by SetPid, cleared on release
}

// Option configures a Descrambler
type Option func(*Descrambler)

func WithLogger(log logger.Logger) Option {
	return func(d *Descrambler) { d.log = log }
}

// WithKeyWait bounds how long Decrypt waits for the key of a new parity
func WithKeyWait(timeout time.Duration) Option {
	return func(d *Descrambler) { d.keyWait = timeout }
}

// WithReleaseWait bounds how long SetKey waits before overwriting a key in use
func WithReleaseWait(timeout time.Duration) Option {
	return func(d *Descrambler) { d.releaseWait = timeout }
}

// WithDropOnKeyTimeout leaves packets scrambled while the key of their
// parity is not good, instead of decrypting them with a stale key.
func WithDropOnKeyTimeout(drop bool) Option {
	return func(d *Descrambler) { d.dropOnKeyTimeout = drop }
}

// New creates a descrambler for the given adapter and demux.
func New(adapter, demux int, engine scrambler.Engine, opts ...Option) (*Descrambler, error) {
	if adapter < 0 || adapter > 0xFF || demux < 0 || demux > 0xFF {
		return nil, fmt.Errorf("%w: %d/%d", ErrInvalidAddress, adapter, demux)
	}
	if engine == nil {
		return nil, fmt.Errorf("descrambler %d/%d: no engine", adapter, demux)
	}

	d := &Descrambler{
		adapter:     adapter,
		demux:       demux,
		label:       fmt.Sprintf("%d/%d", adapter, demux),
		engine:      engine,
		batchSize:   engine.BatchSize(),
		keyWait:     DefaultKeyWait,
		releaseWait: DefaultReleaseWait,
		wake:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.batchSize <= 0 {
		d.batchSize = scrambler.DefaultBatchSize
	}
	d.log = logger.WithCA(logger.OrNull(d.log), adapter, demux)
	d.sampled = logger.NewStreamLogger(d.log)

	return d, nil
}

// NewFromConfig creates a descrambler with the engine and waits from cfg
func NewFromConfig(adapter, demux int, cfg *config.DescramblerConfig, log logger.Logger) (*Descrambler, error) {
	engine, err := scrambler.New(cfg.Engine, cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	return New(adapter, demux, engine,
		WithLogger(log),
		WithKeyWait(cfg.KeyWait),
		WithReleaseWait(cfg.ReleaseWait),
		WithDropOnKeyTimeout(cfg.DropOnKeyTimeout),
	)
}

func (d *Descrambler) Adapter() int { return d.adapter }
func (d *Descrambler) Demux() int   { return d.demux }

// CaNum returns the composite control channel address: adapter in the high
// byte, demux in the low byte.
func (d *Descrambler) CaNum() uint16 {
	return uint16(d.adapter)<<8 | uint16(d.demux)
}

// Engine returns the scrambling engine in use
func (d *Descrambler) Engine() scrambler.Engine {
	return d.engine
}

// SetKey installs a control word into one parity of a key slot. Unless
// initial is set, a key that is currently in use by the stream is only
// overwritten after the stream switched away from it or releaseWait
// expired.
func (d *Descrambler) SetKey(index int, parity Parity, cw scrambler.ControlWord, initial bool) error {
	if index < 0 || index >= MaxSlots {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, index)
	}
	if !parity.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidParity, int(parity))
	}

	log := d.log.WithFields(map[string]interface{}{"idx": index, "parity": parity.String()})

	if cw.IsZero() {
		log.Warn("Zero control word rejected")
		return ErrZeroControlWord
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.allocateKeys(index); err != nil {
		return err
	}
	slot := &d.slots[index]

	if !initial && slot.active == parity.scrambling() {
		if slot.good(parity) {
			log.Debugf("Key in use, waiting up to %v for release", d.releaseWait)
			if d.awaitKeyRelease(index, parity, d.releaseWait) == Ready {
				log.Debug("Key released")
			} else {
				metrics.IncrementKeyWaitTimeout(d.label, "release")
				log.Warn("Key release timed out, overwriting key in use")
			}
		} else {
			log.Debug("Late key set")
		}
	}

	if err := slot.key(parity).Set(cw); err != nil {
		return fmt.Errorf("set %s key of slot %d: %w", parity, index, err)
	}
	slot.flags |= goodFlag(parity) | flagActivity
	metrics.IncrementKeysInstalled(d.label, parity.String())
	d.broadcast()

	return nil
}

// SetPid routes pid to key slot index. A negative index releases the pid;
// when the last pid of a slot is released the slot's parity and flags are
// reset.
func (d *Descrambler) SetPid(index, pid int) error {
	if index >= MaxSlots {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, index)
	}
	if pid < 0 || pid > mpegts.MaxPID {
		return fmt.Errorf("%w: %d", ErrInvalidPID, pid)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if index >= 0 {
		d.slots[index].usedPIDs++
		d.pidMap[pid] = uint8(index)
		d.mapped[pid] = true
	} else {
		idx := d.pidMap[pid]
		slot := &d.slots[idx]
		if slot.usedPIDs > 0 {
			slot.usedPIDs--
			if slot.usedPIDs == 0 {
				slot.active = 0
				slot.flags = 0
			}
		}
		d.pidMap[pid] = 0
		d.mapped[pid] = false
	}

	metrics.SetActivePIDs(d.label, d.activePIDsLocked())
	return nil
}

// Reset clears the parity, flags and pid use counts of every slot. Key
// schedules and the pid map are kept.
func (d *Descrambler) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.log.Info("Reset key state")
	for i := range d.slots {
		d.slots[i].reset()
	}
	metrics.SetActivePIDs(d.label, 0)
	d.broadcast()
}

// Slots returns the state of every slot that has keys or pids
func (d *Descrambler) Slots() []SlotState {
	d.mu.Lock()
	defer d.mu.Unlock()

	// unmapped pids fall back to slot 0 but are not listed under it
	pids := make(map[int][]int)
	for pid, ok := range d.mapped {
		if ok {
			idx := int(d.pidMap[pid])
			pids[idx] = append(pids[idx], pid)
		}
	}

	var out []SlotState
	for i := range d.slots {
		slot := &d.slots[i]
		if slot.even == nil && slot.usedPIDs == 0 {
			continue
		}
		st := slot.state(i)
		if slot.usedPIDs > 0 {
			st.PIDs = pids[i]
		}
		out = append(out, st)
	}
	return out
}

func (d *Descrambler) activePIDsLocked() int {
	n := 0
	for i := range d.slots {
		n += d.slots[i].usedPIDs
	}
	return n
}

func (d *Descrambler) allocateKeys(index int) error {
	slot := &d.slots[index]
	if slot.even != nil && slot.odd != nil {
		return nil
	}

	even, err := d.engine.NewKey()
	if err != nil {
		return fmt.Errorf("allocate even key for slot %d: %w", index, err)
	}
	odd, err := d.engine.NewKey()
	if err != nil {
		return fmt.Errorf("allocate odd key for slot %d: %w", index, err)
	}
	slot.even, slot.odd = even, odd
	return nil
}

// broadcast wakes every waiter. Must be called with mu held.
func (d *Descrambler) broadcast() {
	close(d.wake)
	d.wake = make(chan struct{})
}

// timedWait releases mu until the next broadcast or the timeout, then
// reacquires it. Reports whether a broadcast arrived.
func (d *Descrambler) timedWait(timeout time.Duration) bool {
	wake := d.wake
	d.mu.Unlock()
	defer d.mu.Lock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-wake:
		return true
	case <-timer.C:
		return false
	}
}

// awaitKeyReady waits until the key of parity p in slot index is good.
// Must be called with mu held.
func (d *Descrambler) awaitKeyReady(index int, p Parity, timeout time.Duration) WaitResult {
	deadline := time.Now().Add(timeout)
	for !d.slots[index].good(p) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return TimedOut
		}
		d.timedWait(remaining)
	}
	return Ready
}

// awaitKeyRelease waits until the stream stops using the key of parity p in
// slot index. Must be called with mu held.
func (d *Descrambler) awaitKeyRelease(index int, p Parity, timeout time.Duration) WaitResult {
	deadline := time.Now().Add(timeout)
	for {
		slot := &d.slots[index]
		if slot.active != p.scrambling() || !slot.good(p) {
			return Ready
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return TimedOut
		}
		d.timedWait(remaining)
	}
}

package control

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zsiec/tsdecrypt/internal/config"
	"github.com/zsiec/tsdecrypt/internal/descrambler"
	"github.com/zsiec/tsdecrypt/internal/logger"
	"github.com/zsiec/tsdecrypt/internal/metrics"
	"github.com/zsiec/tsdecrypt/internal/scrambler"
)

var (
	ErrUnknownDescrambler = errors.New("no descrambler for ca_num")
	ErrDuplicate          = errors.New("descrambler already registered")
)

// Dispatcher routes control messages to the descrambler owning a ca_num
// (adapter in the high byte, demux in the low byte).
type Dispatcher struct {
	mu           sync.RWMutex
	descramblers map[uint16]*descrambler.Descrambler
	log          logger.Logger
}

// NewDispatcher creates an empty registry
func NewDispatcher(log logger.Logger) *Dispatcher {
	return &Dispatcher{
		descramblers: make(map[uint16]*descrambler.Descrambler),
		log:          logger.OrNull(log),
	}
}

// NewDispatcherFromConfig creates one descrambler per configured demux
// address and registers it.
func NewDispatcherFromConfig(cfg *config.DescramblerConfig, log logger.Logger) (*Dispatcher, error) {
	d := NewDispatcher(log)
	for _, addr := range cfg.Demuxes {
		desc, err := descrambler.NewFromConfig(addr.Adapter, addr.Demux, cfg, log)
		if err != nil {
			return nil, fmt.Errorf("descrambler %d/%d: %w", addr.Adapter, addr.Demux, err)
		}
		if err := d.Register(desc); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Register adds desc under its ca_num
func (d *Dispatcher) Register(desc *descrambler.Descrambler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	caNum := desc.CaNum()
	if _, exists := d.descramblers[caNum]; exists {
		return fmt.Errorf("%w: %#04x", ErrDuplicate, caNum)
	}
	d.descramblers[caNum] = desc

	d.log.WithFields(map[string]interface{}{
		"ca_num": caNum,
		"engine": desc.Engine().Name(),
	}).Info("Descrambler registered")
	return nil
}

// Unregister removes the descrambler for caNum
func (d *Dispatcher) Unregister(caNum uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.descramblers, caNum)
}

// Lookup returns the descrambler for caNum
func (d *Dispatcher) Lookup(caNum uint16) (*descrambler.Descrambler, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	desc, ok := d.descramblers[caNum]
	if !ok {
		return nil, fmt.Errorf("%w: %#04x", ErrUnknownDescrambler, caNum)
	}
	return desc, nil
}

// CaNums lists the registered ca_nums in ascending order
func (d *Dispatcher) CaNums() []uint16 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	nums := make([]uint16, 0, len(d.descramblers))
	for caNum := range d.descramblers {
		nums = append(nums, caNum)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums
}

// SetKey installs a control word on the descrambler for caNum
func (d *Dispatcher) SetKey(caNum uint16, index int, parity descrambler.Parity, cw scrambler.ControlWord, initial bool) error {
	desc, err := d.Lookup(caNum)
	if err != nil {
		return err
	}
	return desc.SetKey(index, parity, cw, initial)
}

// SetPid maps or releases a pid on the descrambler for caNum
func (d *Dispatcher) SetPid(caNum uint16, index, pid int) error {
	desc, err := d.Lookup(caNum)
	if err != nil {
		return err
	}
	return desc.SetPid(index, pid)
}

// Reset clears the key state of the descrambler for caNum
func (d *Dispatcher) Reset(caNum uint16) error {
	desc, err := d.Lookup(caNum)
	if err != nil {
		return err
	}
	desc.Reset()
	return nil
}

// Apply executes msg and records the outcome under origin
func (d *Dispatcher) Apply(origin string, msg Message) error {
	err := d.apply(msg)

	result := "ok"
	if err != nil {
		result = "error"
		d.log.WithError(err).WithFields(map[string]interface{}{
			"origin": origin,
			"type":   msg.Type,
			"ca_num": msg.CaNum,
		}).Warn("Control message rejected")
	}
	metrics.IncrementControlMessage(origin, msg.Type, result)
	return err
}

func (d *Dispatcher) apply(msg Message) error {
	switch msg.Type {
	case TypeDescr:
		cw, err := msg.ControlWord()
		if err != nil {
			return err
		}
		return d.SetKey(msg.CaNum, msg.Index, msg.KeyParity(), cw, msg.Initial)
	case TypePid:
		return d.SetPid(msg.CaNum, msg.Index, msg.PID)
	case TypeReset:
		return d.Reset(msg.CaNum)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
}

package scrambler

import (
	"crypto/cipher"
	"crypto/des"
	"fmt"
)

// desBlockSize is the DES block length; trailing residue shorter than this
// stays in the clear, the same way block-layer TS scrambling leaves the
// payload tail untouched.
const desBlockSize = des.BlockSize

// DES is a block engine keyed directly by the 8-byte control word. Payloads
// are processed in 8-byte ECB blocks.
type DES struct {
	batchSize int
}

// NewDES creates a DES engine with the given batch size
func NewDES(batchSize int) *DES {
	return &DES{batchSize: batchSize}
}

// Name implements Engine
func (e *DES) Name() string { return "des" }

// BatchSize implements Engine
func (e *DES) BatchSize() int { return e.batchSize }

// NewKey implements Engine. The schedule starts keyed with an all-zero word
// so a slot that never received a key still decrypts deterministically.
func (e *DES) NewKey() (Key, error) {
	k := &desKey{}
	if err := k.Set(ControlWord{}); err != nil {
		return nil, err
	}
	return k, nil
}

type desKey struct {
	block cipher.Block
}

func (k *desKey) Set(cw ControlWord) error {
	block, err := des.NewCipher(cw[:])
	if err != nil {
		return fmt.Errorf("des key schedule: %w", err)
	}
	k.block = block
	return nil
}

func (k *desKey) Decrypt(payloads [][]byte) {
	for _, p := range payloads {
		for i := 0; i+desBlockSize <= len(p); i += desBlockSize {
			k.block.Decrypt(p[i:i+desBlockSize], p[i:i+desBlockSize])
		}
	}
}

func (k *desKey) Encrypt(payloads [][]byte) {
	for _, p := range payloads {
		for i := 0; i+desBlockSize <= len(p); i += desBlockSize {
			k.block.Encrypt(p[i:i+desBlockSize], p[i:i+desBlockSize])
		}
	}
}

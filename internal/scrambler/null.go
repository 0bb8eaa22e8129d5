package scrambler

// Null is a pass-through engine. It lets clear recordings run through the
// same pipeline and is handy for exercising batching without a cipher.
type Null struct {
	batchSize int
}

// NewNull creates a pass-through engine
func NewNull(batchSize int) *Null {
	return &Null{batchSize: batchSize}
}

func (e *Null) Name() string         { return "none" }
func (e *Null) BatchSize() int       { return e.batchSize }
func (e *Null) NewKey() (Key, error) { return nullKey{}, nil }

type nullKey struct{}

func (nullKey) Set(ControlWord) error { return nil }
func (nullKey) Decrypt([][]byte)      {}
func (nullKey) Encrypt([][]byte)      {}

package control

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zsiec/tsdecrypt/internal/descrambler"
	"github.com/zsiec/tsdecrypt/internal/scrambler"
)

// Message types carried by the control feeds
const (
	TypeDescr = "descr"
	TypePid   = "pid"
	TypeReset = "reset"
)

var ErrUnknownType = errors.New("unknown control message type")

// Message is one control instruction for the descrambler addressed by
// CaNum. Descr messages carry Index, Parity, CW and Initial; pid messages
// carry Index and PID, where Index -1 releases the pid.
type Message struct {
	Type    string `json:"type"`
	CaNum   uint16 `json:"ca_num"`
	Index   int    `json:"index"`
	Parity  int    `json:"parity,omitempty"`
	CW      string `json:"cw,omitempty"`
	Initial bool   `json:"initial,omitempty"`
	PID     int    `json:"pid,omitempty"`
}

// DecodeMessage parses a JSON control message
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("decode control message: %w", err)
	}
	return msg, nil
}

// Encode renders the message as JSON
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// ControlWord parses the hex control word of a descr message
func (m Message) ControlWord() (scrambler.ControlWord, error) {
	return scrambler.ParseControlWord(m.CW)
}

// KeyParity returns the parity of a descr message
func (m Message) KeyParity() descrambler.Parity {
	return descrambler.Parity(m.Parity)
}

// DescrMessage builds a descr message
func DescrMessage(caNum uint16, index int, parity descrambler.Parity, cw scrambler.ControlWord) Message {
	return Message{
		Type:   TypeDescr,
		CaNum:  caNum,
		Index:  index,
		Parity: int(parity),
		CW:     cw.String(),
	}
}

// PidMessage builds a pid message
func PidMessage(caNum uint16, index, pid int) Message {
	return Message{
		Type:  TypePid,
		CaNum: caNum,
		Index: index,
		PID:   pid,
	}
}

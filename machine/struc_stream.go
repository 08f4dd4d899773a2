package machine

import (
	"encoding/binary"
	"io"

	"github.com/lunixbochs/struc"
)

// StrucStream packs and unpacks sequences of fixed-width values against one
// stream, capturing the first error so call sites can chain without checking
// each step.
type StrucStream struct {
	Stream io.ReadWriter
	Order  binary.ByteOrder
	Error  error
}

func (s *StrucStream) Pack(vals ...interface{}) error {
	for _, val := range vals {
		if s.Error != nil {
			break
		}
		s.Error = struc.PackWithOrder(s.Stream, val, s.Order)
	}
	return s.Error
}

func (s *StrucStream) Unpack(vals ...interface{}) error {
	for _, val := range vals {
		if s.Error != nil {
			break
		}
		s.Error = struc.UnpackWithOrder(s.Stream, val, s.Order)
	}
	return s.Error
}

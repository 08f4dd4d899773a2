package cpu

import (
	"github.com/pkg/errors"
)

// register file layout: 16 general-purpose 32-bit registers, r15 doubles as
// the program counter, plus a separate status/flags word
const (
	NumRegs = 16
	PCReg   = 15
)

// status word bits
const (
	FLAG_Z = 1 << 31
	FLAG_N = 1 << 30
	FLAG_C = 1 << 29
	FLAG_V = 1 << 28
)

var ErrInvalidRegister = errors.New("invalid register")

type RegFile struct {
	vals  [NumRegs]uint32
	flags uint32
}

func (r *RegFile) Read(index int) (uint32, error) {
	if index < 0 || index >= NumRegs {
		return 0, errors.Wrapf(ErrInvalidRegister, "index %d", index)
	}
	return r.vals[index], nil
}

func (r *RegFile) Write(index int, val uint32) error {
	if index < 0 || index >= NumRegs {
		return errors.Wrapf(ErrInvalidRegister, "index %d", index)
	}
	r.vals[index] = val
	return nil
}

// PC aliases register 15. Writing it redirects the next fetch.
func (r *RegFile) PC() uint32 {
	return r.vals[PCReg]
}

func (r *RegFile) SetPC(val uint32) {
	r.vals[PCReg] = val
}

func (r *RegFile) Flags() uint32 {
	return r.flags
}

func (r *RegFile) SetFlags(val uint32) {
	r.flags = val
}

// Save copies the full register state into vals/flags for snapshotting.
func (r *RegFile) Save() ([NumRegs]uint32, uint32) {
	return r.vals, r.flags
}

func (r *RegFile) Load(vals [NumRegs]uint32, flags uint32) {
	r.vals = vals
	r.flags = flags
}

func RegName(index int) string {
	names := [NumRegs]string{
		"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "pc",
	}
	if index < 0 || index >= NumRegs {
		return "?"
	}
	return names[index]
}

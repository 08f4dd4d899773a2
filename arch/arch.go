// Package arch defines the boundary between the execution engine and a
// concrete instruction set. The engine treats the executor as opaque: it
// supplies the register file and memory map, and receives a cycle cost or a
// fault per instruction.
package arch

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/vireoemu/vireo/cpu"
)

// Executor runs exactly one instruction against the machine state. On success
// it returns the instruction's cycle cost. On failure the register file and
// program counter are left as they were before the instruction; the engine
// reports the error as a fault at the current PC. A clean architectural halt
// is reported by returning cycles > 0 together with ErrHalted.
type Executor interface {
	StepOne(r *cpu.RegFile, m *cpu.MemMap) (cycles uint32, err error)
}

// ErrHalted is returned by an executor when the target executes its halt
// instruction. It is not a fault.
var ErrHalted = errors.New("cpu halted")

// DecodeError is an illegal or unknown instruction encoding.
type DecodeError struct {
	Addr uint64
	Word uint32
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("illegal instruction %#08x at %#x", e.Word, e.Addr)
}

// Ins is one decoded instruction, for disassembly listings.
type Ins interface {
	Addr() uint64
	Bytes() []byte
	Mnemonic() string
	OpStr() string
}

// Disassembler decodes a memory slice into instructions, stopping at the
// first undecodable word.
type Disassembler interface {
	Dis(mem []byte, addr uint64) ([]Ins, error)
}

// Arch ties a named instruction set to its executor and disassembler.
type Arch struct {
	Name string
	Bits int

	NewExecutor func() Executor
	Dis         Disassembler
}

var archs = make(map[string]*Arch)

// Register installs an architecture, usually from a package init.
func Register(a *Arch) {
	archs[a.Name] = a
}

func Get(name string) (*Arch, error) {
	if a, ok := archs[name]; ok {
		return a, nil
	}
	return nil, errors.Errorf("unknown arch: %q", name)
}

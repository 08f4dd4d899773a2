package vex32

import (
	"fmt"
	"strings"

	"github.com/vireoemu/vireo/arch"
	"github.com/vireoemu/vireo/cpu"
)

type ins struct {
	addr  uint64
	word  uint32
	name  string
	args  []string
	bytes []byte
}

func (i *ins) String() string {
	if len(i.args) == 0 {
		return i.name
	}
	return i.name + " " + i.OpStr()
}

func (i *ins) Addr() uint64     { return i.addr }
func (i *ins) Bytes() []byte    { return i.bytes }
func (i *ins) Mnemonic() string { return i.name }
func (i *ins) OpStr() string    { return strings.Join(i.args, ", ") }

func regName(n int) string {
	if n == cpu.PCReg {
		return "pc"
	}
	return fmt.Sprintf("r%d", n)
}

func decode(w uint32, addr uint64) *ins {
	data, ok := opData[byte(w)]
	if !ok {
		return nil
	}
	rd := int(w>>8) & 0xf
	ra := int(w>>12) & 0xf
	rb := int(w>>16) & 0xf
	imm := uint16(w >> 16)
	simm := int32(int16(imm))

	var args []string
	switch data.arg {
	case A_NONE:
	case A_RR:
		args = []string{regName(rd), regName(ra)}
	case A_RRR:
		args = []string{regName(rd), regName(ra), regName(rb)}
	case A_RI:
		args = []string{regName(rd), fmt.Sprintf("%#x", imm)}
	case A_RM:
		args = []string{regName(rd), fmt.Sprintf("[%s + %d]", regName(ra), simm)}
	case A_BR:
		args = []string{fmt.Sprintf("%#x", branchTarget(uint32(addr), simm))}
	case A_R:
		args = []string{regName(rd)}
	case A_RBR:
		args = []string{regName(rd), fmt.Sprintf("%#x", branchTarget(uint32(addr), simm))}
	}
	var buf [4]byte
	cpu.ByteOrder.PutUint32(buf[:], w)
	return &ins{addr: addr, word: w, name: data.name, args: args, bytes: buf[:]}
}

type Dis struct{}

// Dis decodes whole words until the buffer runs out or an undecodable word is
// reached.
func (d *Dis) Dis(mem []byte, addr uint64) ([]arch.Ins, error) {
	var ret []arch.Ins
	for len(mem) >= 4 {
		w := cpu.ByteOrder.Uint32(mem)
		i := decode(w, addr)
		if i == nil {
			break
		}
		ret = append(ret, i)
		mem = mem[4:]
		addr += 4
	}
	return ret, nil
}

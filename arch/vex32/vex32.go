package vex32

import (
	"github.com/vireoemu/vireo/arch"
	"github.com/vireoemu/vireo/cpu"
)

func init() {
	arch.Register(&arch.Arch{
		Name:        "vex32",
		Bits:        32,
		NewExecutor: func() arch.Executor { return &Vex32{} },
		Dis:         &Dis{},
	})
}

type Vex32 struct{}

func sbit(v uint32) bool { return v&(1<<31) != 0 }

// StepOne executes a single instruction. No register or memory state is
// committed until every access of the instruction has succeeded, so a fault
// leaves the machine exactly as it was before the fetch.
func (v *Vex32) StepOne(r *cpu.RegFile, m *cpu.MemMap) (uint32, error) {
	pc := r.PC()
	w64, err := m.ReadUint(uint64(pc), 4, cpu.PROT_EXEC)
	if err != nil {
		return 0, err
	}
	w := uint32(w64)

	opcode := byte(w)
	data, ok := opData[opcode]
	if !ok {
		return 0, &arch.DecodeError{Addr: uint64(pc), Word: w}
	}

	rd := int(w>>8) & 0xf
	ra := int(w>>12) & 0xf
	rb := int(w>>16) & 0xf
	imm := uint16(w >> 16)
	simm := int32(int16(imm))

	rdv, _ := r.Read(rd)
	rav, _ := r.Read(ra)
	rbv, _ := r.Read(rb)
	flags := r.Flags()

	next := pc + 4
	cost := data.cycles

	// dest != nil commits a register write after all accesses succeed
	var dest *uint32
	var destVal uint32
	set := func(val uint32) {
		dest = &destVal
		destVal = val
	}

	switch opcode {
	case OP_NOP:
	case OP_HALT:
		// PC stays on the halt instruction; resuming halts again
		return cost, arch.ErrHalted

	case OP_MOV:
		set(rav)
	case OP_MOVW:
		set(uint32(imm))
	case OP_MOVT:
		set(rdv&0xffff | uint32(imm)<<16)

	case OP_ADD:
		set(rav + rbv)
	case OP_SUB:
		set(rav - rbv)
	case OP_AND:
		set(rav & rbv)
	case OP_OR:
		set(rav | rbv)
	case OP_XOR:
		set(rav ^ rbv)
	case OP_SHL:
		set(rav << (rbv & 31))
	case OP_SHR:
		set(rav >> (rbv & 31))
	case OP_MUL:
		set(rav * rbv)
	case OP_ADDI:
		set(rdv + uint32(simm))

	case OP_CMP:
		res := rdv - rav
		flags = 0
		if res == 0 {
			flags |= cpu.FLAG_Z
		}
		if sbit(res) {
			flags |= cpu.FLAG_N
		}
		if rdv >= rav {
			flags |= cpu.FLAG_C
		}
		if sbit(rdv) != sbit(rav) && sbit(res) != sbit(rdv) {
			flags |= cpu.FLAG_V
		}

	case OP_LDW:
		val, err := m.ReadUint(uint64(rav+uint32(simm)), 4, cpu.PROT_READ)
		if err != nil {
			return 0, err
		}
		set(uint32(val))
	case OP_LDB:
		val, err := m.ReadUint(uint64(rav+uint32(simm)), 1, cpu.PROT_READ)
		if err != nil {
			return 0, err
		}
		set(uint32(val))
	case OP_STW:
		if err := m.WriteUint(uint64(rav+uint32(simm)), 4, cpu.PROT_WRITE, uint64(rdv)); err != nil {
			return 0, err
		}
	case OP_STB:
		if err := m.WriteUint(uint64(rav+uint32(simm)), 1, cpu.PROT_WRITE, uint64(rdv)); err != nil {
			return 0, err
		}

	case OP_B:
		next = branchTarget(pc, simm)
	case OP_BEQ:
		if flags&cpu.FLAG_Z != 0 {
			next = branchTarget(pc, simm)
			cost += data.taken
		}
	case OP_BNE:
		if flags&cpu.FLAG_Z == 0 {
			next = branchTarget(pc, simm)
			cost += data.taken
		}
	case OP_BLT:
		if (flags&cpu.FLAG_N != 0) != (flags&cpu.FLAG_V != 0) {
			next = branchTarget(pc, simm)
			cost += data.taken
		}
	case OP_BGE:
		if (flags&cpu.FLAG_N != 0) == (flags&cpu.FLAG_V != 0) {
			next = branchTarget(pc, simm)
			cost += data.taken
		}
	case OP_JMP:
		next = rdv
	case OP_JAL:
		set(pc + 4)
		next = branchTarget(pc, simm)
	}

	if dest != nil {
		if rd == cpu.PCReg {
			// a value written to r15 redirects the next fetch
			next = destVal
		} else {
			r.Write(rd, destVal)
		}
	}
	r.SetFlags(flags)
	r.SetPC(next)
	return cost, nil
}

// branch offsets are in words, relative to the instruction after the branch
func branchTarget(pc uint32, simm int32) uint32 {
	return uint32(int64(pc) + 4 + int64(simm)*4)
}

package vex32

// vex32 is a little-endian 32-bit RISC core with fixed-width 4-byte
// instructions. Encoding, low bits first:
//
//	op   = bits 7:0
//	rd   = bits 11:8
//	ra   = bits 15:12
//	rb   = bits 19:16   (register forms)
//	imm  = bits 31:16   (immediate forms; overlaps rb)
//
// r15 is the program counter. Memory accesses are naturally aligned.

const (
	OP_NOP  = 0x00
	OP_HALT = 0x01
	OP_MOV  = 0x02
	OP_MOVW = 0x03
	OP_MOVT = 0x04

	OP_ADD  = 0x10
	OP_SUB  = 0x11
	OP_AND  = 0x12
	OP_OR   = 0x13
	OP_XOR  = 0x14
	OP_SHL  = 0x15
	OP_SHR  = 0x16
	OP_MUL  = 0x17
	OP_ADDI = 0x18

	OP_CMP = 0x20

	OP_LDW = 0x30
	OP_STW = 0x31
	OP_LDB = 0x32
	OP_STB = 0x33

	OP_B   = 0x40
	OP_BEQ = 0x41
	OP_BNE = 0x42
	OP_BLT = 0x43
	OP_BGE = 0x44
	OP_JMP = 0x45
	OP_JAL = 0x46
)

// operand forms
const (
	A_NONE = iota
	A_RR   // rd, ra
	A_RRR  // rd, ra, rb
	A_RI   // rd, #imm
	A_RM   // rd, [ra + #simm]
	A_BR   // #simm (word offset)
	A_R    // rd
	A_RBR  // rd, #simm (link + branch)
)

type op struct {
	name   string
	arg    int
	cycles uint32
	// extra cost when a conditional branch is taken
	taken uint32
}

var opData = map[byte]op{
	OP_NOP:  {"nop", A_NONE, 1, 0},
	OP_HALT: {"halt", A_NONE, 1, 0},
	OP_MOV:  {"mov", A_RR, 1, 0},
	OP_MOVW: {"movw", A_RI, 1, 0},
	OP_MOVT: {"movt", A_RI, 1, 0},
	OP_ADD:  {"add", A_RRR, 1, 0},
	OP_SUB:  {"sub", A_RRR, 1, 0},
	OP_AND:  {"and", A_RRR, 1, 0},
	OP_OR:   {"or", A_RRR, 1, 0},
	OP_XOR:  {"xor", A_RRR, 1, 0},
	OP_SHL:  {"shl", A_RRR, 1, 0},
	OP_SHR:  {"shr", A_RRR, 1, 0},
	OP_MUL:  {"mul", A_RRR, 3, 0},
	OP_ADDI: {"addi", A_RI, 1, 0},
	OP_CMP:  {"cmp", A_RR, 1, 0},
	OP_LDW:  {"ldw", A_RM, 2, 0},
	OP_STW:  {"stw", A_RM, 2, 0},
	OP_LDB:  {"ldb", A_RM, 2, 0},
	OP_STB:  {"stb", A_RM, 2, 0},
	OP_B:    {"b", A_BR, 2, 0},
	OP_BEQ:  {"beq", A_BR, 1, 1},
	OP_BNE:  {"bne", A_BR, 1, 1},
	OP_BLT:  {"blt", A_BR, 1, 1},
	OP_BGE:  {"bge", A_BR, 1, 1},
	OP_JMP:  {"jmp", A_R, 2, 0},
	OP_JAL:  {"jal", A_RBR, 2, 0},
}

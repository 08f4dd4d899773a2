package vex32

import (
	"github.com/vireoemu/vireo/cpu"
)

// Word builders for tests, fixtures and the monitor console. These mirror the
// encoding in defs.go; there is no full assembler, firmware for real use is
// produced out of tree.

func rrr(op byte, rd, ra, rb int) uint32 {
	return uint32(op) | uint32(rd&0xf)<<8 | uint32(ra&0xf)<<12 | uint32(rb&0xf)<<16
}

func ri(op byte, rd int, imm uint16) uint32 {
	return uint32(op) | uint32(rd&0xf)<<8 | uint32(imm)<<16
}

func rm(op byte, rd, ra int, simm int16) uint32 {
	return uint32(op) | uint32(rd&0xf)<<8 | uint32(ra&0xf)<<12 | uint32(uint16(simm))<<16
}

func br(op byte, words int16) uint32 {
	return uint32(op) | uint32(uint16(words))<<16
}

func Nop() uint32                      { return uint32(OP_NOP) }
func Halt() uint32                     { return uint32(OP_HALT) }
func Mov(rd, ra int) uint32            { return rrr(OP_MOV, rd, ra, 0) }
func Movw(rd int, imm uint16) uint32   { return ri(OP_MOVW, rd, imm) }
func Movt(rd int, imm uint16) uint32   { return ri(OP_MOVT, rd, imm) }
func Add(rd, ra, rb int) uint32        { return rrr(OP_ADD, rd, ra, rb) }
func Sub(rd, ra, rb int) uint32        { return rrr(OP_SUB, rd, ra, rb) }
func And(rd, ra, rb int) uint32        { return rrr(OP_AND, rd, ra, rb) }
func Or(rd, ra, rb int) uint32         { return rrr(OP_OR, rd, ra, rb) }
func Xor(rd, ra, rb int) uint32        { return rrr(OP_XOR, rd, ra, rb) }
func Mul(rd, ra, rb int) uint32        { return rrr(OP_MUL, rd, ra, rb) }
func Addi(rd int, imm int16) uint32    { return ri(OP_ADDI, rd, uint16(imm)) }
func Cmp(rd, ra int) uint32            { return rrr(OP_CMP, rd, ra, 0) }
func Ldw(rd, ra int, off int16) uint32 { return rm(OP_LDW, rd, ra, off) }
func Stw(rd, ra int, off int16) uint32 { return rm(OP_STW, rd, ra, off) }
func Ldb(rd, ra int, off int16) uint32 { return rm(OP_LDB, rd, ra, off) }
func Stb(rd, ra int, off int16) uint32 { return rm(OP_STB, rd, ra, off) }
func B(words int16) uint32             { return br(OP_B, words) }
func Beq(words int16) uint32           { return br(OP_BEQ, words) }
func Bne(words int16) uint32           { return br(OP_BNE, words) }
func Blt(words int16) uint32           { return br(OP_BLT, words) }
func Bge(words int16) uint32           { return br(OP_BGE, words) }
func Jmp(rd int) uint32                { return rrr(OP_JMP, rd, 0, 0) }
func Jal(rd int, words int16) uint32   { return ri(OP_JAL, rd, uint16(words)) }

// Program packs instruction words into a little-endian byte image.
func Program(words ...uint32) []byte {
	p := make([]byte, len(words)*4)
	for i, w := range words {
		cpu.ByteOrder.PutUint32(p[i*4:], w)
	}
	return p
}

package cpu

// these constants are used for region access classes
const (
	PROT_NONE  = 0
	PROT_READ  = 1
	PROT_WRITE = 2
	PROT_EXEC  = 4
	PROT_ALL   = 7
)

// these errors are reported through MemError
const (
	MEM_READ_UNMAPPED = iota + 1
	MEM_WRITE_UNMAPPED
	MEM_FETCH_UNMAPPED
	MEM_READ_PROT
	MEM_WRITE_PROT
	MEM_FETCH_PROT
	MEM_READ_UNALIGNED
	MEM_WRITE_UNALIGNED
	MEM_FETCH_UNALIGNED
	MEM_IO_SPLIT
)

// these constants specify the type of a memory access
const (
	MEM_WRITE = 16
	MEM_READ  = 17
	MEM_FETCH = 18
)

package machine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vireoemu/vireo/arch"
	"github.com/vireoemu/vireo/arch/vex32"
	"github.com/vireoemu/vireo/cpu"
	"github.com/vireoemu/vireo/periph"
)

const ccBase = 0xe0001000

func testMachine(t *testing.T, words ...uint32) *Machine {
	t.Helper()
	a, err := arch.Get("vex32")
	require.NoError(t, err)
	m := New(a)
	_, err = m.Mem.Map(0, 0x1000, cpu.PROT_READ|cpu.PROT_EXEC, "flash")
	require.NoError(t, err)
	_, err = m.Mem.Map(0x2000, 0x1000, cpu.PROT_READ|cpu.PROT_WRITE, "ram")
	require.NoError(t, err)
	_, err = m.Mem.MapIO(ccBase, periph.CycleCounterSize, "cycles", &periph.CycleCounter{})
	require.NoError(t, err)
	require.NoError(t, m.Mem.Load(0, vex32.Program(words...)))
	return m
}

func TestStepBudget(t *testing.T) {
	m := testMachine(t, vex32.Nop(), vex32.Nop(), vex32.Nop(), vex32.Nop(), vex32.Halt())
	r := m.Step(3)
	assert.Equal(t, StopMaxSteps, r.Kind)
	assert.EqualValues(t, 3, m.Instructions())
	assert.EqualValues(t, 12, m.Regs.PC())

	r = m.Step(100)
	assert.Equal(t, StopHalted, r.Kind)
	assert.EqualValues(t, 16, r.Addr)
	assert.EqualValues(t, 16, m.Regs.PC())
}

func TestBreakpointSticky(t *testing.T) {
	m := testMachine(t, vex32.Nop(), vex32.Nop(), vex32.Nop(), vex32.Halt())
	m.AddBreakpoint(4, BreakSoft)

	r := m.Step(100)
	require.Equal(t, StopBreakpoint, r.Kind)
	assert.EqualValues(t, 4, r.Addr)
	assert.EqualValues(t, 1, m.Instructions())

	// resume runs through the reported address instead of re-reporting
	r = m.Step(100)
	assert.Equal(t, StopHalted, r.Kind)
	assert.EqualValues(t, 4, m.Instructions())
}

func TestBreakpointReArms(t *testing.T) {
	// loop body at 4..8, bp inside the loop fires every pass
	m := testMachine(t,
		vex32.Movw(0, 0),
		vex32.Addi(0, 1),
		vex32.B(-2),
	)
	m.AddBreakpoint(4, BreakSoft)
	for pass := 1; pass <= 3; pass++ {
		r := m.Step(100)
		require.Equal(t, StopBreakpoint, r.Kind, "pass %d", pass)
		require.EqualValues(t, 4, r.Addr)
	}
	v, _ := m.Regs.Read(0)
	assert.EqualValues(t, 2, v)
}

func TestStepInstructionBypassesBreakpoint(t *testing.T) {
	m := testMachine(t, vex32.Nop(), vex32.Nop(), vex32.Halt())
	m.AddBreakpoint(0, BreakSoft)

	r := m.Step(100)
	require.Equal(t, StopBreakpoint, r.Kind)
	require.EqualValues(t, 0, m.Instructions())

	_, stopped := m.StepInstruction()
	assert.False(t, stopped)
	assert.EqualValues(t, 1, m.Instructions())
	assert.EqualValues(t, 4, m.Regs.PC())
}

func TestFaultStopsWithoutCommit(t *testing.T) {
	m := testMachine(t,
		vex32.Movw(0, 0x8000),
		vex32.Stw(0, 0, 0),
	)
	r := m.Step(100)
	require.Equal(t, StopFault, r.Kind)
	assert.EqualValues(t, 0x8000, r.Addr)
	require.Error(t, r.Err)
	// only the movw committed
	assert.EqualValues(t, 1, m.Instructions())
	assert.EqualValues(t, 4, m.Regs.PC())
}

func TestInterruptCurtailsBurst(t *testing.T) {
	m := testMachine(t, vex32.B(-1))
	m.Interrupt()
	r := m.Step(1 << 30)
	assert.Equal(t, StopInterrupted, r.Kind)
	assert.EqualValues(t, 0, m.Instructions())
}

func TestCycleCounterPeripheral(t *testing.T) {
	m := testMachine(t, vex32.Nop(), vex32.Nop(), vex32.Nop(), vex32.Halt())
	r := m.Step(3)
	require.Equal(t, StopMaxSteps, r.Kind)

	v, err := m.Mem.ReadUint(ccBase, 4, 0)
	require.NoError(t, err)
	assert.Equal(t, m.Cycles(), v, "register reflects the live cycle counter")

	inst, err := m.Mem.ReadUint(ccBase+8, 4, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 3, inst)

	// a write to the low word reloads the engine counter
	require.NoError(t, m.Mem.WriteUint(ccBase, 4, 0, 1000))
	assert.EqualValues(t, 1000, m.Cycles())
}

func TestReset(t *testing.T) {
	m := testMachine(t, vex32.Movw(0, 7), vex32.Halt())
	r := m.Step(100)
	require.Equal(t, StopHalted, r.Kind)
	m.AddBreakpoint(4, BreakSoft)

	m.Reset()
	assert.EqualValues(t, 0, m.Instructions())
	assert.EqualValues(t, 0, m.Cycles())
	assert.EqualValues(t, 0, m.Regs.PC())
	v, _ := m.Regs.Read(0)
	assert.EqualValues(t, 0, v)
	// storage cleared too
	w, err := m.Mem.ReadUint(0, 4, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 0, w)
	// breakpoints survive
	assert.Equal(t, []uint32{4}, m.Breakpoints())
}

package gophboy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arlojanssen/gophboy/addr"
	"github.com/arlojanssen/gophboy/input/action"
	"github.com/arlojanssen/gophboy/timing"
)

func TestNewMachineStartsAtEntryPoint(t *testing.T) {
	m := New()

	assert.Equal(t, uint16(0x100), m.GetCPU().GetPC())
	assert.Equal(t, uint64(0), m.GetInstructionCount())
	assert.Equal(t, uint64(0), m.GetFrameCount())
}

func TestTickOneInstructionExecutesOneInstruction(t *testing.T) {
	m := New()

	before := m.GetCPU().GetPC()
	cycles := m.tickOneInstruction()

	assert.Greater(t, cycles, 0)
	assert.NotEqual(t, before, m.GetCPU().GetPC())
	assert.Equal(t, uint64(1), m.GetInstructionCount())
}

func TestRunUntilFrameProducesAFrame(t *testing.T) {
	m := New()
	m.SetFrameLimiter(timing.NewNoOpLimiter())

	err := m.RunUntilFrame()

	assert.NoError(t, err)
	assert.Equal(t, uint64(1), m.GetFrameCount())
	assert.NotNil(t, m.GetCurrentFrame())
}

func TestDebuggerPauseStopsFrameExecution(t *testing.T) {
	m := New()
	m.SetFrameLimiter(timing.NewNoOpLimiter())

	m.DebuggerPause()
	err := m.RunUntilFrame()

	assert.NoError(t, err)
	assert.Equal(t, uint64(0), m.GetFrameCount())
	assert.Equal(t, DebuggerPaused, m.GetDebuggerState())
}

func TestDebuggerStepInstructionExecutesExactlyOne(t *testing.T) {
	m := New()

	m.DebuggerStepInstruction()
	err := m.RunUntilFrame()

	assert.NoError(t, err)
	assert.Equal(t, uint64(1), m.GetInstructionCount())
	assert.Equal(t, DebuggerPaused, m.GetDebuggerState())

	// a second call with no new step request does nothing
	err = m.RunUntilFrame()
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), m.GetInstructionCount())
}

func TestDebuggerStepFrameExecutesExactlyOneFrame(t *testing.T) {
	m := New()

	m.DebuggerStepFrame()
	err := m.RunUntilFrame()

	assert.NoError(t, err)
	assert.Equal(t, uint64(1), m.GetFrameCount())
	assert.Equal(t, DebuggerPaused, m.GetDebuggerState())
}

func TestHandleActionMapsToJoypad(t *testing.T) {
	m := New()

	m.HandleAction(action.GBDPadUp, true)

	assert.NotZero(t, m.GetMMU().Read(addr.IF)&0x10, "pressing a key should request the joypad interrupt")
}

func TestHandleActionIgnoresUnmappedActions(t *testing.T) {
	m := New()

	assert.NotPanics(t, func() {
		m.HandleAction(action.EmulatorPauseToggle, true)
	})
}

func TestExtractDebugDataReflectsCPUState(t *testing.T) {
	m := New()

	data := m.ExtractDebugData()

	assert.NotNil(t, data)
	assert.NotNil(t, data.CPU)
	assert.Equal(t, m.GetCPU().GetPC(), data.CPU.PC)
	assert.Equal(t, m.GetCPU().GetSP(), data.CPU.SP)
}

package gophboy

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/arlojanssen/gophboy/cpu"
	"github.com/arlojanssen/gophboy/debug"
	"github.com/arlojanssen/gophboy/input/action"
	"github.com/arlojanssen/gophboy/memory"
	"github.com/arlojanssen/gophboy/timing"
	"github.com/arlojanssen/gophboy/video"
)

// DebuggerState represents the current debugger mode
type DebuggerState int

const (
	DebuggerRunning   DebuggerState = iota // Normal execution
	DebuggerPaused                         // Paused, waiting for commands
	DebuggerStep                           // Execute one instruction then pause
	DebuggerStepFrame                      // Execute one frame then pause
)

// Machine is the single aggregate owning the CPU, PPU and bus/MMU. It
// drives the fetch-execute loop one CPU instruction at a time: after each
// instruction the timer and serial advance by the T-cycles it consumed,
// and the PPU and APU by the same count (half of it in double-speed mode).
// Components are not stepped per machine cycle inside an instruction, and
// an OAM DMA is copied in full at the moment $FF46 is written.
type Machine struct {
	cpu *cpu.CPU
	gpu *video.GPU
	mem *memory.MMU

	limiter timing.Limiter

	// Debugger state. Guarded by a mutex because it's set from a
	// host-side input-handling goroutine (see render/backend packages)
	// while RunUntilFrame runs on the main loop; this is host-interface
	// concurrency, not the emulation core itself running in parallel.
	debugMu          sync.Mutex
	debuggerState    DebuggerState
	stepRequested    bool
	frameRequested   bool
	instructionCount uint64
	frameCount       uint64
}

var _ Emulator = (*Machine)(nil)

func (e *Machine) init(mem *memory.MMU) {
	e.cpu = cpu.New(mem)
	e.gpu = video.NewGpu(mem)
	e.mem = mem
	e.limiter = timing.NewNoOpLimiter()
	mem.SetTimerSeed(0xABCC)
}

// New creates a new Machine instance with no cartridge loaded, equivalent
// to turning on the console with nothing in the cartridge slot.
func New() *Machine {
	e := &Machine{}
	e.init(memory.NewWithCartridge(memory.NewCartridge()))
	return e
}

// NewWithFile creates a new Machine instance and loads the ROM at path.
func NewWithFile(path string) (*Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ROM file: %w", err)
	}

	slog.Debug("loaded ROM data", "size", len(data))

	e := &Machine{}
	e.init(memory.NewWithCartridge(memory.NewCartridgeWithData(data)))
	return e, nil
}

// SetFrameLimiter installs a pacing strategy; pass nil to run unthrottled.
func (e *Machine) SetFrameLimiter(limiter timing.Limiter) {
	if limiter == nil {
		limiter = timing.NewNoOpLimiter()
	}
	e.limiter = limiter
}

// ResetFrameTiming resets the frame limiter's internal clock, useful
// after a debugger pause so the next frame isn't throttled to catch up.
func (e *Machine) ResetFrameTiming() {
	e.limiter.Reset()
}

// tickOneInstruction executes exactly one CPU instruction and advances
// the timer and serial by the T-cycles it consumed, and the PPU and APU
// by the same count, or half of it in double-speed mode.
func (e *Machine) tickOneInstruction() int {
	cycles := e.cpu.Tick()
	e.mem.Tick(cycles)

	gpuAPUCycles := cycles
	if e.mem.DoubleSpeed() {
		// The PPU and APU run off their own fixed-rate clock, unaffected
		// by the CPU's double-speed mode; only CPU (and the system
		// counter driving DIV/TIMA, already handled inside MMU.Tick)
		// sees twice as many T-cycles per unit of real time.
		gpuAPUCycles = cycles / 2
	}
	e.gpu.Tick(gpuAPUCycles)
	e.mem.APU.Tick(gpuAPUCycles)

	e.instructionCount++
	return cycles
}

// RunUntilFrame executes instructions until a full frame (70224 GPU/APU
// dot-cycles) has been produced, honoring the debugger's
// paused/step/step-frame modes. In double-speed mode the CPU spends twice
// as many raw T-cycles to deliver that many dot-cycles, so runFrame doubles
// its own budget to compensate.
func (e *Machine) RunUntilFrame() error {
	e.debugMu.Lock()
	state := e.debuggerState
	e.debugMu.Unlock()

	switch state {
	case DebuggerPaused:
		return nil
	case DebuggerStep:
		e.debugMu.Lock()
		requested := e.stepRequested
		if requested {
			e.stepRequested = false
		}
		e.debugMu.Unlock()
		if !requested {
			return nil
		}
		oldPC := e.cpu.GetPC()
		e.tickOneInstruction()
		slog.Debug("step executed", "pc", fmt.Sprintf("0x%04X", oldPC), "new_pc", fmt.Sprintf("0x%04X", e.cpu.GetPC()))
		e.SetDebuggerState(DebuggerPaused)
		return nil
	case DebuggerStepFrame:
		e.debugMu.Lock()
		requested := e.frameRequested
		if requested {
			e.frameRequested = false
		}
		e.debugMu.Unlock()
		if !requested {
			return nil
		}
		e.runFrame()
		e.SetDebuggerState(DebuggerPaused)
		return nil
	default:
		e.runFrame()
		e.limiter.WaitForNextFrame()
		return nil
	}
}

func (e *Machine) runFrame() {
	total := 0
	budget := timing.CyclesPerFrame
	if e.mem.DoubleSpeed() {
		// total accumulates raw CPU T-cycles, but GPU/APU only receive half
		// of those per tick in double-speed mode (tickOneInstruction), so
		// the raw-cycle budget needs to double to still produce a full
		// frame's worth of dot-cycles.
		budget *= 2
	}
	for total < budget {
		total += e.tickOneInstruction()
	}
	e.frameCount++
	if e.frameCount%60 == 0 {
		slog.Debug("frame completed", "frame", e.frameCount, "pc", fmt.Sprintf("0x%04X", e.cpu.GetPC()))
	}
}

func (e *Machine) GetCurrentFrame() *video.FrameBuffer {
	return e.gpu.GetFrameBuffer()
}

func (e *Machine) HandleKeyPress(key memory.JoypadKey) {
	e.mem.HandleKeyPress(key)
}

func (e *Machine) HandleKeyRelease(key memory.JoypadKey) {
	e.mem.HandleKeyRelease(key)
}

// HandleAction maps a backend-agnostic input action onto the joypad.
func (e *Machine) HandleAction(act action.Action, pressed bool) {
	key, ok := joypadKeyForAction(act)
	if !ok {
		return
	}
	if pressed {
		e.HandleKeyPress(key)
	} else {
		e.HandleKeyRelease(key)
	}
}

func joypadKeyForAction(act action.Action) (memory.JoypadKey, bool) {
	switch act {
	case action.GBDPadUp:
		return memory.JoypadUp, true
	case action.GBDPadDown:
		return memory.JoypadDown, true
	case action.GBDPadLeft:
		return memory.JoypadLeft, true
	case action.GBDPadRight:
		return memory.JoypadRight, true
	case action.GBButtonA:
		return memory.JoypadA, true
	case action.GBButtonB:
		return memory.JoypadB, true
	case action.GBButtonStart:
		return memory.JoypadStart, true
	case action.GBButtonSelect:
		return memory.JoypadSelect, true
	default:
		return 0, false
	}
}

// ExtractDebugData snapshots enough state for a debugger UI to render
// CPU registers, a disassembly window, and VRAM/OAM contents.
func (e *Machine) ExtractDebugData() *debug.CompleteDebugData {
	return debug.Extract(e.cpu, e.mem, e.gpu)
}

func (e *Machine) GetCPU() *cpu.CPU {
	return e.cpu
}

func (e *Machine) SetDebuggerState(state DebuggerState) {
	e.debugMu.Lock()
	e.debuggerState = state
	e.debugMu.Unlock()
	slog.Debug("debugger state changed", "state", state)
}

func (e *Machine) GetDebuggerState() DebuggerState {
	e.debugMu.Lock()
	defer e.debugMu.Unlock()
	return e.debuggerState
}

func (e *Machine) DebuggerPause() {
	e.SetDebuggerState(DebuggerPaused)
}

func (e *Machine) DebuggerResume() {
	e.SetDebuggerState(DebuggerRunning)
}

func (e *Machine) DebuggerStepInstruction() {
	e.debugMu.Lock()
	e.stepRequested = true
	e.debuggerState = DebuggerStep
	e.debugMu.Unlock()
}

func (e *Machine) DebuggerStepFrame() {
	e.debugMu.Lock()
	e.frameRequested = true
	e.debuggerState = DebuggerStepFrame
	e.debugMu.Unlock()
}

func (e *Machine) GetInstructionCount() uint64 { return e.instructionCount }
func (e *Machine) GetFrameCount() uint64       { return e.frameCount }
func (e *Machine) GetMMU() *memory.MMU         { return e.mem }

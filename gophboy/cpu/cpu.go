package cpu

import (
	"github.com/arlojanssen/gophboy/addr"
	"github.com/arlojanssen/gophboy/bit"
	"github.com/arlojanssen/gophboy/memory"
)

// Flag is one of the 4 possible flags used in the flag register (low byte of AF).
type Flag uint8

const (
	zeroFlag      Flag = 0x80
	subFlag       Flag = 0x40
	halfCarryFlag Flag = 0x20
	carryFlag     Flag = 0x10
)

// interruptVectors holds the jump target for each interrupt, indexed by its
// bit position in IE/IF. Lower bits win when more than one is pending.
var interruptVectors = [5]uint16{0x40, 0x48, 0x50, 0x58, 0x60}

// CPU is the main struct holding Sharp LR35902 state: the 8 general
// purpose registers (paired as AF, BC, DE, HL), SP, PC, and the flags
// needed to drive HALT/STOP and the interrupt dispatch.
type CPU struct {
	memory *memory.MMU

	a, b, c, d, e, h, l, f uint8
	sp, pc                 uint16

	currentOpcode uint16

	interruptsEnabled bool
	eiPending         bool
	halted            bool
	haltBug           bool
	stopped           bool

	cycles uint64
}

// New returns a CPU with PC set to the post-bootrom entry point (0x100).
func New(mem *memory.MMU) *CPU {
	return &CPU{
		memory: mem,
		pc:     0x100,
		sp:     0xFFFE,
	}
}

func (c *CPU) setFlag(flag Flag) {
	c.f |= uint8(flag)
}

func (c *CPU) resetFlag(flag Flag) {
	c.f &^= uint8(flag)
}

func (c *CPU) setFlagToCondition(flag Flag, condition bool) {
	if condition {
		c.setFlag(flag)
	} else {
		c.resetFlag(flag)
	}
}

func (c *CPU) isSetFlag(flag Flag) bool {
	return c.f&uint8(flag) != 0
}

func (c *CPU) flagToBit(flag Flag) uint8 {
	if c.isSetFlag(flag) {
		return 1
	}
	return 0
}

func (c *CPU) getAF() uint16 {
	return bit.Combine(c.a, c.f)
}

func (c *CPU) setAF(v uint16) {
	c.a = bit.High(v)
	c.f = bit.Low(v) & 0xF0
}

func (c *CPU) getBC() uint16 {
	return bit.Combine(c.b, c.c)
}

func (c *CPU) setBC(v uint16) {
	c.b = bit.High(v)
	c.c = bit.Low(v)
}

func (c *CPU) getDE() uint16 {
	return bit.Combine(c.d, c.e)
}

func (c *CPU) setDE(v uint16) {
	c.d = bit.High(v)
	c.e = bit.Low(v)
}

func (c *CPU) getHL() uint16 {
	return bit.Combine(c.h, c.l)
}

func (c *CPU) setHL(v uint16) {
	c.h = bit.High(v)
	c.l = bit.Low(v)
}

// readImmediate reads the byte at PC and advances PC past it.
func (c *CPU) readImmediate() uint8 {
	v := c.memory.Read(c.pc)
	c.pc++
	return v
}

// peekImmediate reads the byte at PC without advancing it.
func (c *CPU) peekImmediate() uint8 {
	return c.memory.Read(c.pc)
}

// readSignedImmediate reads the byte at PC, as a signed value, advancing PC.
func (c *CPU) readSignedImmediate() int8 {
	return int8(c.readImmediate())
}

// readImmediateWord reads the little-endian word at PC, advancing PC by 2.
func (c *CPU) readImmediateWord() uint16 {
	low := c.readImmediate()
	high := c.readImmediate()
	return bit.Combine(high, low)
}

// peekImmediateWord reads the little-endian word at PC without advancing it.
func (c *CPU) peekImmediateWord() uint16 {
	low := c.memory.Read(c.pc)
	high := c.memory.Read(c.pc + 1)
	return bit.Combine(high, low)
}

// Decode inspects the byte(s) at PC and returns the opcode to execute,
// recording it as currentOpcode. It never advances PC; Tick does that
// once the instruction length (1 or 2 bytes for a CB prefix) is known.
func Decode(c *CPU) Opcode {
	op := c.memory.Read(c.pc)

	var opcode uint16
	if op == 0xCB {
		op2 := c.memory.Read(c.pc + 1)
		opcode = 0xCB00 | uint16(op2)
	} else {
		opcode = uint16(op)
	}

	c.currentOpcode = opcode
	return decode(opcode)
}

// handleInterrupts checks IE & IF for a pending, enabled interrupt. With
// IME off it still reports whether one is pending (enough to wake the
// CPU from HALT) but does not service it. With IME on, it dispatches the
// lowest-numbered pending interrupt: pushes PC, jumps to its vector,
// clears IME and the serviced IF bit, and spends 20 cycles doing so.
func (c *CPU) handleInterrupts() bool {
	ifReg := c.memory.Read(addr.IF)
	ieReg := c.memory.Read(addr.IE)
	pending := ifReg & ieReg & 0x1F

	if pending == 0 {
		return false
	}

	if !c.interruptsEnabled {
		return true
	}

	for i := uint8(0); i < 5; i++ {
		mask := uint8(1) << i
		if pending&mask == 0 {
			continue
		}

		c.interruptsEnabled = false
		c.memory.Write(addr.IF, ifReg&^mask)
		c.pushStack(c.pc)
		c.pc = interruptVectors[i]
		c.cycles += 20
		return true
	}

	return false
}

// Tick executes one instruction (or services HALT/an interrupt) and
// returns the number of T-cycles it consumed.
func (c *CPU) Tick() int {
	if c.eiPending {
		c.eiPending = false
		c.interruptsEnabled = true
	}

	if c.halted {
		dispatch := c.interruptsEnabled
		if c.handleInterrupts() {
			c.halted = false
			if dispatch {
				return 20
			}
		}
		return 4
	}

	if c.interruptsEnabled && c.handleInterrupts() {
		return 20
	}

	op := Decode(c)
	if c.currentOpcode&0xFF00 == 0xCB00 {
		c.pc += 2
	} else {
		c.pc++
	}

	cycles := op(c)
	c.cycles += uint64(cycles)
	return cycles
}

func (c *CPU) GetPC() uint16        { return c.pc }
func (c *CPU) GetSP() uint16        { return c.sp }
func (c *CPU) GetAF() uint16        { return c.getAF() }
func (c *CPU) GetBC() uint16        { return c.getBC() }
func (c *CPU) GetDE() uint16        { return c.getDE() }
func (c *CPU) GetHL() uint16        { return c.getHL() }
func (c *CPU) GetA() uint8          { return c.a }
func (c *CPU) GetF() uint8          { return c.f }
func (c *CPU) GetB() uint8          { return c.b }
func (c *CPU) GetC() uint8          { return c.c }
func (c *CPU) GetD() uint8          { return c.d }
func (c *CPU) GetE() uint8          { return c.e }
func (c *CPU) GetH() uint8          { return c.h }
func (c *CPU) GetL() uint8          { return c.l }
func (c *CPU) Cycles() uint64       { return c.cycles }

// GetFlagString renders the flag register as "ZNHC" with unset flags
// shown as a dash, e.g. "Z-HC".
func (c *CPU) GetFlagString() string {
	flags := [4]byte{'-', '-', '-', '-'}
	if c.isSetFlag(zeroFlag) {
		flags[0] = 'Z'
	}
	if c.isSetFlag(subFlag) {
		flags[1] = 'N'
	}
	if c.isSetFlag(halfCarryFlag) {
		flags[2] = 'H'
	}
	if c.isSetFlag(carryFlag) {
		flags[3] = 'C'
	}
	return string(flags[:])
}
func (c *CPU) IME() bool            { return c.interruptsEnabled }
func (c *CPU) IsHalted() bool       { return c.halted }
func (c *CPU) IsStopped() bool      { return c.stopped }

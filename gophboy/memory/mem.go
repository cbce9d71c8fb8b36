package memory

import (
	"fmt"
	"log/slog"

	"github.com/arlojanssen/gophboy/addr"
	"github.com/arlojanssen/gophboy/audio"
	"github.com/arlojanssen/gophboy/bit"
	"github.com/arlojanssen/gophboy/serial"
)

type memRegion uint8

const (
	regionROM memRegion = iota
	regionVRAM
	regionExtRAM
	regionWRAM
	regionEcho
	regionOAM
	regionUnused
	regionIO
	regionHRAM
)

// JoypadKey represents a key on the Gameboy joypad
type JoypadKey uint8

const (
	JoypadRight JoypadKey = iota
	JoypadLeft
	JoypadUp
	JoypadDown
	JoypadA
	JoypadB
	JoypadSelect
	JoypadStart
)

// SerialPort is the minimal interface for a serial device connected to SB/SC.
// Implementations MUST only accept reads/writes to addr.SB and addr.SC.
type SerialPort interface {
	Write(address uint16, value byte)
	Read(address uint16) byte
	Tick(cycles int)
	Reset()
}

// MMU allows access to all memory mapped I/O and data/registers
type MMU struct {
	cart      *Cartridge
	mbc       MBC
	memory    []byte
	APU       *audio.APU
	regionMap [256]memRegion

	joypadButtons uint8 // Actual state of buttons A/B/Start/Select, mapped to low bits of P1
	joypadDpad    uint8 // Actual state of d-pad directions, mapped to low bits of P1

	serial SerialPort
	timer  Timer

	// CGB-only state. vram holds bank 1 (bank 0 stays in the shared
	// `memory` slice as on DMG); wramBanks holds banks 1-7, with bank 0
	// also remaining in `memory` for DMG compatibility. Nil when the
	// loaded cartridge doesn't declare CGB support.
	cgbEnabled bool
	vram       []byte   // bank 1, 0x2000 bytes
	wramBanks  [][]byte // banks 1-7, indexed [0]=bank1 .. [6]=bank7
	vbk        byte
	svbk       byte
	key1       byte // KEY1/speed-switch register
	doubleSpeed bool

	bgPalette, objPalette [64]byte
	bgPaletteIdx, objPaletteIdx byte
	bgPaletteAutoInc, objPaletteAutoInc bool

	hdma hdmaState
}

// hdmaState tracks an in-flight CGB GDMA/HDMA transfer (FF51-FF55).
type hdmaState struct {
	src, dst uint16
	length   uint16 // remaining bytes (a multiple of 0x10), 0 means idle
	hblank   bool   // true for HDMA (copies one block per H-Blank), false for GDMA (copies all at once)
}

// CGBEnabled reports whether the loaded cartridge declared CGB support.
func (m *MMU) CGBEnabled() bool { return m.cgbEnabled }

// DoubleSpeed reports whether the CGB double-speed mode is currently active.
func (m *MMU) DoubleSpeed() bool { return m.doubleSpeed }

// SpeedSwitchArmed reports whether a game has written the KEY1 armed bit,
// requesting that the next STOP instruction toggle the CPU speed.
func (m *MMU) SpeedSwitchArmed() bool { return m.cgbEnabled && m.key1&0x01 != 0 }

// ToggleSpeed flips double-speed mode and clears the KEY1 armed bit. Called
// by the CPU when it executes STOP with a speed switch armed.
func (m *MMU) ToggleSpeed() {
	m.doubleSpeed = !m.doubleSpeed
	m.timer.SetDoubleSpeed(m.doubleSpeed)
	m.key1 &^= 0x01
}

func (m *MMU) wramBank() []byte {
	bank := m.svbk & 0x07
	if bank == 0 {
		bank = 1
	}
	return m.wramBanks[bank-1]
}

// New creates a new memory unity with default data, i.e. nothing cartridge loaded.
// Equivalent to turning on a Gameboy without a cartridge in.
func New() *MMU {
	mmu := &MMU{
		memory:        make([]byte, 0x10000),
		cart:          NewCartridge(),
		APU:           audio.New(),
		joypadButtons: 0x0F,
		joypadDpad:    0x0F,
	}
	mmu.serial = serial.NewLogSink(func() { mmu.RequestInterrupt(addr.SerialInterrupt) })
	mmu.timer.TimerInterruptHandler = func() { mmu.RequestInterrupt(addr.TimerInterrupt) }
	initRegionMap(mmu)
	return mmu
}

// Tick advances any i/o that needs it, if any.
func (m *MMU) Tick(cycles int) {
	m.timer.Tick(cycles)
	if m.serial != nil {
		m.serial.Tick(cycles)
	}
}

// SetTimerSeed initializes the internal timer divider seed and DIV register.
func (m *MMU) SetTimerSeed(seed uint16) {
	m.timer.SetSeed(seed)
}

// NewWithCartridge creates a new memory unit with the provided cartridge data loaded.
// Equivalent to turning on a Gameboy with a cartridge in.
func NewWithCartridge(cart *Cartridge) *MMU {
	mmu := New()
	mmu.cart = cart

	switch cart.mbcType {
	case NoMBCType:
		mmu.mbc = NewNoMBC(cart.data)
	case MBC1Type, MBC1MultiType:
		mmu.mbc = NewMBC1(cart.data, cart.hasBattery, cart.ramBankCount)
	case MBC2Type:
		mmu.mbc = NewMBC2(cart.data, cart.hasBattery)
	case MBC3Type:
		mmu.mbc = NewMBC3(cart.data, cart.ramBankCount, cart.hasRTC, cart.hasBattery)
	case MBC5Type:
		mmu.mbc = NewMBC5(cart.data, cart.ramBankCount, cart.hasRumble, cart.hasBattery)
	case HuC1Type:
		mmu.mbc = NewHuC1(cart.data, cart.ramBankCount, cart.hasBattery)
	case MBCUnknownType:
		panic("unsupported MBC type: unknown")
	default:
		panic(fmt.Sprintf("unsupported MBC type: %d", cart.mbcType))
	}

	mmu.cgbEnabled = cart.CGBSupport() != CGBUnsupported
	if mmu.cgbEnabled {
		mmu.vram = make([]byte, 0x2000)
		mmu.wramBanks = make([][]byte, 8)
		for i := range mmu.wramBanks {
			mmu.wramBanks[i] = make([]byte, 0x1000)
		}
	}

	return mmu
}

// Battery returns the cartridge's persistent RAM (and RTC state, folded
// into the tail of the slice by the caller if needed) for saving, or nil
// if the loaded cartridge has no battery backup.
func (m *MMU) Battery() []byte {
	if bb, ok := m.mbc.(BatteryBacked); ok {
		return bb.Battery()
	}
	return nil
}

func initRegionMap(m *MMU) {
	// ROM: 0x0000-0x7FFF
	for i := 0x00; i <= 0x7F; i++ {
		m.regionMap[i] = regionROM
	}
	// VRAM: 0x8000-0x9FFF
	for i := 0x80; i <= 0x9F; i++ {
		m.regionMap[i] = regionVRAM
	}
	// External RAM: 0xA000-0xBFFF
	for i := 0xA0; i <= 0xBF; i++ {
		m.regionMap[i] = regionExtRAM
	}
	// Work RAM: 0xC000-0xDFFF
	for i := 0xC0; i <= 0xDF; i++ {
		m.regionMap[i] = regionWRAM
	}
	// Echo RAM: 0xE000-0xFDFF
	for i := 0xE0; i <= 0xFD; i++ {
		m.regionMap[i] = regionEcho
	}
	// OAM: 0xFE00-0xFE9F, Unused: 0xFEA0-0xFEFF
	m.regionMap[0xFE] = regionOAM
	// IO + HRAM: 0xFF00-0xFFFF
	m.regionMap[0xFF] = regionIO
}

// RequestInterrupt sets the interrupt flag (IF register) of the chosen interrupt to 1.
func (m *MMU) RequestInterrupt(interrupt addr.Interrupt) {
	interruptFlags := m.Read(addr.IF)

	var bitPos uint8
	switch interrupt {
	case addr.VBlankInterrupt:
		bitPos = 0
	case addr.LCDSTATInterrupt:
		bitPos = 1
	case addr.TimerInterrupt:
		bitPos = 2
	case addr.SerialInterrupt:
		bitPos = 3
	case addr.JoypadInterrupt:
		bitPos = 4
	default:
		panic(fmt.Sprintf("Unknown interrupt: 0x%02X", uint8(interrupt)))
	}

	newFlags := bit.Set(bitPos, interruptFlags)

	m.Write(addr.IF, newFlags)
}

func (m *MMU) ReadBit(index uint8, address uint16) bool {
	return bit.IsSet(index, m.Read(address))
}

func (m *MMU) SetBit(index uint8, address uint16, set bool) {
	value := m.Read(address)
	if set {
		value = bit.Set(index, value)
	} else {
		value = bit.Reset(index, value)
	}
	m.Write(address, value)
}

func (m *MMU) Read(address uint16) byte {
	switch m.regionMap[address>>8] {
	case regionROM, regionExtRAM:
		if m.mbc == nil {
			slog.Warn("Reading from ROM/external RAM with no cartridge", "addr", fmt.Sprintf("0x%04X", address))
			return 0xFF
		}
		return m.mbc.Read(address)
	case regionVRAM:
		if m.cgbEnabled && m.vbk&1 == 1 {
			return m.vram[address-0x8000]
		}
		return m.memory[address]
	case regionWRAM:
		if m.cgbEnabled && address >= 0xD000 {
			return m.wramBank()[address-0xD000]
		}
		return m.memory[address]
	case regionEcho:
		if address <= 0xFDFF {
			return m.memory[address-0x2000]
		}
		return m.memory[address-0x2000]
	case regionOAM:
		if address <= 0xFE9F {
			return m.memory[address]
		}
		// Unused area 0xFEA0-0xFEFF
		return m.memory[address]
	case regionIO:
		if address == addr.SB || address == addr.SC {
			return m.serial.Read(address)
		}
		if address == addr.DIV || address == addr.TIMA || address == addr.TMA || address == addr.TAC {
			return m.timer.Read(address)
		}
		if address >= 0xFF10 && address <= 0xFF3F {
			return m.APU.ReadRegister(address)
		}
		if m.cgbEnabled {
			switch address {
			case addr.VBK:
				return m.vbk | 0xFE
			case addr.SVBK:
				return m.svbk | 0xF8
			case addr.KEY1:
				speedBit := byte(0)
				if m.doubleSpeed {
					speedBit = 0x80
				}
				return speedBit | (m.key1 & 0x01) | 0x7E
			case addr.HDMA5:
				return m.hdmaStatus()
			case addr.BCPS:
				return m.bgPaletteIdx | boolBit(m.bgPaletteAutoInc, 0x80)
			case addr.BCPD:
				return m.bgPalette[m.bgPaletteIdx]
			case addr.OCPS:
				return m.objPaletteIdx | boolBit(m.objPaletteAutoInc, 0x80)
			case addr.OCPD:
				return m.objPalette[m.objPaletteIdx]
			}
		}
		// Just in case, we always read the upper 3 bits of IF as 1.
		// They're not used, but have caused me some headaches when checking for
		// when the halt bug triggers (IF != 0).
		if address == addr.IF {
			return m.memory[address] | 0xE0
		}
		if address >= 0xFF80 {
			// HRAM
			return m.memory[address]
		}
		// Other IO registers
		return m.memory[address]
	default:
		panic(fmt.Sprintf("Attempted read at unmapped address: 0x%X", address))
	}
}

func (m *MMU) Write(address uint16, value byte) {
	switch m.regionMap[address>>8] {
	case regionROM:
		if m.mbc == nil {
			slog.Warn("Writing to ROM with no cartridge", "addr", fmt.Sprintf("0x%04X", address), "value", fmt.Sprintf("0x%02X", value))
			return
		}
		m.mbc.Write(address, value)
	case regionVRAM:
		if m.cgbEnabled && m.vbk&1 == 1 {
			m.vram[address-0x8000] = value
			return
		}
		m.memory[address] = value
	case regionExtRAM:
		if m.mbc == nil {
			slog.Warn("Writing to external RAM with no cartridge", "addr", fmt.Sprintf("0x%04X", address), "value", fmt.Sprintf("0x%02X", value))
			return
		}
		m.mbc.Write(address, value)
	case regionWRAM:
		if m.cgbEnabled && address >= 0xD000 {
			m.wramBank()[address-0xD000] = value
			return
		}
		m.memory[address] = value
	case regionEcho:
		if address <= 0xFDFF {
			m.memory[address-0x2000] = value
		}
	case regionOAM:
		if address <= 0xFE9F {
			m.memory[address] = value
		} else {
			// Unused area 0xFEA0-0xFEFF
			m.memory[address] = value
		}
	case regionIO:
		if address == addr.P1 {
			m.writeJoypad(value)
			return
		}
		if address == addr.SB || address == addr.SC {
			m.serial.Write(address, value)
			return
		}
		if address == addr.DIV || address == addr.TIMA || address == addr.TMA || address == addr.TAC {
			m.timer.Write(address, value)
			return
		}
		if address >= 0xFF10 && address <= 0xFF3F {
			m.APU.WriteRegister(address, value)
			return
		}
		if m.cgbEnabled {
			switch address {
			case addr.VBK:
				m.vbk = value & 0x01
				return
			case addr.SVBK:
				m.svbk = value & 0x07
				return
			case addr.KEY1:
				m.key1 = value & 0x01
				return
			case addr.HDMA1:
				m.hdma.src = (m.hdma.src & 0x00FF) | uint16(value)<<8
				return
			case addr.HDMA2:
				m.hdma.src = (m.hdma.src & 0xFF00) | uint16(value&0xF0)
				return
			case addr.HDMA3:
				m.hdma.dst = (m.hdma.dst & 0x00FF) | uint16(value&0x1F)<<8
				return
			case addr.HDMA4:
				m.hdma.dst = (m.hdma.dst & 0xFF00) | uint16(value&0xF0)
				return
			case addr.HDMA5:
				m.startHDMA(value)
				return
			case addr.BCPS:
				m.bgPaletteIdx = value & 0x3F
				m.bgPaletteAutoInc = value&0x80 != 0
				return
			case addr.BCPD:
				m.bgPalette[m.bgPaletteIdx] = value
				if m.bgPaletteAutoInc {
					m.bgPaletteIdx = (m.bgPaletteIdx + 1) & 0x3F
				}
				return
			case addr.OCPS:
				m.objPaletteIdx = value & 0x3F
				m.objPaletteAutoInc = value&0x80 != 0
				return
			case addr.OCPD:
				m.objPalette[m.objPaletteIdx] = value
				if m.objPaletteAutoInc {
					m.objPaletteIdx = (m.objPaletteIdx + 1) & 0x3F
				}
				return
			}
		}
		if address == addr.IF {
			// This goddamn register has its upper 3 bits always set as 1...
			// Beware if you're trying to match halt bug behavior.
			m.memory[address] = value | 0xE0
			return
		}
		if address == addr.DMA {
			sourceAddr := uint16(value) << 8
			// DMA transfer copies 160 bytes from source to OAM
			for i := range uint16(160) {
				m.memory[0xFE00+i] = m.Read(sourceAddr + i)
			}
			m.memory[address] = value
			return
		}
		if address >= 0xFF80 {
			// HRAM
			m.memory[address] = value
			return
		}
		// Other IO registers
		m.memory[address] = value
	default:
		panic(fmt.Sprintf("Attempted write at unmapped address: 0x%X", address))
	}
}

func boolBit(b bool, bit byte) byte {
	if b {
		return bit
	}
	return 0
}

// startHDMA begins a GDMA or HDMA transfer from HDMA1:2 to VRAM at
// HDMA3:4, per the write to HDMA5. GDMA (bit 7 clear) copies the whole
// block immediately; HDMA (bit 7 set) copies one 0x10-byte block per
// H-Blank, driven by GPU calling CopyHBlankBlock.
func (m *MMU) startHDMA(value byte) {
	length := (uint16(value&0x7F) + 1) * 0x10
	if value&0x80 == 0 {
		m.copyHDMABlocks(length)
		m.hdma.length = 0
		return
	}
	m.hdma.length = length
	m.hdma.hblank = true
}

func (m *MMU) copyHDMABlocks(length uint16) {
	src := m.hdma.src & 0xFFF0
	dst := 0x8000 + (m.hdma.dst & 0x1FF0)
	for i := uint16(0); i < length; i++ {
		m.Write(dst+i, m.Read(src+i))
	}
	m.hdma.src = src + length
	m.hdma.dst = (dst + length) - 0x8000
}

// CopyHBlankBlock copies the next pending 0x10-byte HDMA block, if an
// HDMA transfer is in flight. Called by the PPU once per H-Blank.
func (m *MMU) CopyHBlankBlock() {
	if m.hdma.length == 0 || !m.hdma.hblank {
		return
	}
	m.copyHDMABlocks(0x10)
	m.hdma.length -= 0x10
	if m.hdma.length == 0 {
		m.hdma.hblank = false
	}
}

// hdmaStatus is the HDMA5 read value: 0xFF when idle; while a transfer
// is active, bit 7 is clear and bits 0-6 report the remaining blocks minus one.
func (m *MMU) hdmaStatus() byte {
	if m.hdma.length == 0 {
		return 0xFF
	}
	return byte((m.hdma.length/0x10)-1) & 0x7F
}

// ReadVRAMBank reads a byte directly from the requested VRAM bank (0 or
// 1), independent of the current VBK selection. Used by the PPU to fetch
// CGB tile attributes (stored in bank 1 at the same tile-map offsets as
// the tile numbers in bank 0).
func (m *MMU) ReadVRAMBank(bank byte, address uint16) byte {
	if bank == 1 && m.cgbEnabled {
		return m.vram[address-0x8000]
	}
	return m.memory[address]
}

// BGPaletteColor returns the 15-bit RGB555 color at the given CGB
// background palette/index slot (0-7 palettes, 0-3 colors each).
func (m *MMU) BGPaletteColor(palette, color uint8) uint16 {
	return cgbPaletteEntry(m.bgPalette[:], palette, color)
}

// OBJPaletteColor returns the 15-bit RGB555 color at the given CGB
// object palette/index slot.
func (m *MMU) OBJPaletteColor(palette, color uint8) uint16 {
	return cgbPaletteEntry(m.objPalette[:], palette, color)
}

func cgbPaletteEntry(ram []byte, palette, color uint8) uint16 {
	offset := int(palette)*8 + int(color)*2
	return uint16(ram[offset]) | uint16(ram[offset+1])<<8
}

// RGB555ToRGB888 expands a 15-bit CGB color (5 bits per channel) into
// 8-bit-per-channel RGB, using the bit-replication expansion
// (x<<3)|(x>>2) so the full 0-255 range is covered.
func RGB555ToRGB888(c uint16) (r, g, b uint8) {
	r5 := uint8(c & 0x1F)
	g5 := uint8((c >> 5) & 0x1F)
	b5 := uint8((c >> 10) & 0x1F)
	r = (r5 << 3) | (r5 >> 2)
	g = (g5 << 3) | (g5 >> 2)
	b = (b5 << 3) | (b5 >> 2)
	return
}

// updateJoypadRegister sets the joypad register (P1) according to selection bits
// and hardware (buttons) status.
//
// In real hw, this register is actually just a selector (bits 4-5) that control
// to which set of buttons the low bits (0-3) are mapped to. A group is
// selected when its bit is 0.
//
// The mapping:
//   - if bit 4 is clear, bits 0-3 are mapped to the 4 d-pad directions
//   - if bit 5 is clear, bits 0-3 are mapped to A, B, Start, Select
//   - if both are clear, hw does an AND of both button sets
//   - if both are set, return 0x0F (high impedence state)
//
// This function is called whenever:
//   - there is a write to the P1 register (only set bits 4-5)
//   - a button is pressed or released (tracked separately)
//
// Note that 1 -> button released, 0 -> button pressed.
// Bits 6-7 are unused, they always read as 1 on real hardware.
func (m *MMU) updateJoypadRegister() {
	p1 := m.memory[addr.P1]
	result := uint8(0b11000000) // Bits 6-7 are always read as 1
	result |= p1 & 0b00110000   // Keep selection bits 4-5

	// A button group is selected if the corresponding bit is 0
	selectDpad := !bit.IsSet(4, p1)
	selectButtons := !bit.IsSet(5, p1)

	switch {
	case selectButtons && !selectDpad:
		result |= m.joypadButtons & 0x0F
	case selectDpad && !selectButtons:
		result |= m.joypadDpad & 0x0F
	case selectButtons && selectDpad:
		result |= m.joypadButtons & m.joypadDpad & 0x0F
	default:
		// no selection
		result |= 0x0F
	}

	m.memory[addr.P1] = result
}

func (m *MMU) writeJoypad(value uint8) {
	// Only bits 4-5 are writable (selection bits)
	m.memory[addr.P1] = value & 0b00110000
	m.updateJoypadRegister()
}

func (m *MMU) HandleKeyPress(key JoypadKey) {
	oldButtons := m.joypadButtons
	oldDpad := m.joypadDpad

	switch key {
	case JoypadRight:
		m.joypadDpad = bit.Reset(0, m.joypadDpad)
	case JoypadLeft:
		m.joypadDpad = bit.Reset(1, m.joypadDpad)
	case JoypadUp:
		m.joypadDpad = bit.Reset(2, m.joypadDpad)
	case JoypadDown:
		m.joypadDpad = bit.Reset(3, m.joypadDpad)
	case JoypadA:
		m.joypadButtons = bit.Reset(0, m.joypadButtons)
	case JoypadB:
		m.joypadButtons = bit.Reset(1, m.joypadButtons)
	case JoypadSelect:
		m.joypadButtons = bit.Reset(2, m.joypadButtons)
	case JoypadStart:
		m.joypadButtons = bit.Reset(3, m.joypadButtons)
	}

	buttonTransitions := oldButtons & ^m.joypadButtons
	dpadTransitions := oldDpad & ^m.joypadDpad
	if buttonTransitions|dpadTransitions != 0 {
		m.RequestInterrupt(addr.JoypadInterrupt)
	}

	m.updateJoypadRegister()
}

func (m *MMU) HandleKeyRelease(key JoypadKey) {
	switch key {
	case JoypadRight:
		m.joypadDpad = bit.Set(0, m.joypadDpad)
	case JoypadLeft:
		m.joypadDpad = bit.Set(1, m.joypadDpad)
	case JoypadUp:
		m.joypadDpad = bit.Set(2, m.joypadDpad)
	case JoypadDown:
		m.joypadDpad = bit.Set(3, m.joypadDpad)
	case JoypadA:
		m.joypadButtons = bit.Set(0, m.joypadButtons)
	case JoypadB:
		m.joypadButtons = bit.Set(1, m.joypadButtons)
	case JoypadSelect:
		m.joypadButtons = bit.Set(2, m.joypadButtons)
	case JoypadStart:
		m.joypadButtons = bit.Set(3, m.joypadButtons)
	}

	m.updateJoypadRegister()
}

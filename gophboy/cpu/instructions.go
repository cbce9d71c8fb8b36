package cpu

import "github.com/arlojanssen/gophboy/bit"

func (c *CPU) pushStack(r uint16) {
	c.sp--
	c.memory.Write(c.sp, bit.Low(r))
	c.sp--
	c.memory.Write(c.sp, bit.High(r))
}

func (c *CPU) popStack() uint16 {
	high := c.memory.Read(c.sp)
	c.sp++
	low := c.memory.Read(c.sp)
	c.sp++

	return bit.Combine(high, low)
}

func (c *CPU) inc(r *uint8) {
	*r++
	value := *r

	c.setFlagToCondition(zeroFlag, value == 0)
	c.setFlagToCondition(halfCarryFlag, (value&0xF) == 0)
	c.resetFlag(subFlag)
}

func (c *CPU) dec(r *uint8) {
	*r--
	value := *r

	c.setFlagToCondition(zeroFlag, value == 0)
	c.setFlagToCondition(halfCarryFlag, (value&0xF) == 0xF)
	c.setFlag(subFlag)
}

// rlc, rl, rrc and rr are shared by both the CB-prefixed rotate opcodes
// (which set the zero flag from the result) and the accumulator-only
// RLCA/RLA/RRCA/RRA forms, which never set it regardless of the result.
// The distinction is made by pointer identity against the A register,
// so the CB-prefixed forms on A set the zero flag themselves after the call.
func (c *CPU) rlc(r *uint8) {
	value := *r
	carry := value > 0x7F

	value = (value << 1) | (value >> 7)
	*r = value

	c.resetFlag(subFlag)
	c.resetFlag(halfCarryFlag)
	c.setFlagToCondition(carryFlag, carry)
	if r == &c.a {
		c.resetFlag(zeroFlag)
	} else {
		c.setFlagToCondition(zeroFlag, value == 0)
	}
}

func (c *CPU) rl(r *uint8) {
	value := *r
	carryIn := c.flagToBit(carryFlag)
	carryOut := value > 0x7F

	value = (value << 1) | carryIn
	*r = value

	c.resetFlag(subFlag)
	c.resetFlag(halfCarryFlag)
	c.setFlagToCondition(carryFlag, carryOut)
	if r == &c.a {
		c.resetFlag(zeroFlag)
	} else {
		c.setFlagToCondition(zeroFlag, value == 0)
	}
}

func (c *CPU) rrc(r *uint8) {
	value := *r
	carry := value&1 != 0

	value = (value >> 1) | ((value & 1) << 7)
	*r = value

	c.resetFlag(subFlag)
	c.resetFlag(halfCarryFlag)
	c.setFlagToCondition(carryFlag, carry)
	if r == &c.a {
		c.resetFlag(zeroFlag)
	} else {
		c.setFlagToCondition(zeroFlag, value == 0)
	}
}

func (c *CPU) rr(r *uint8) {
	value := *r
	carryIn := c.flagToBit(carryFlag) << 7
	carryOut := value&1 != 0

	value = (value >> 1) | carryIn
	*r = value

	c.resetFlag(subFlag)
	c.resetFlag(halfCarryFlag)
	c.setFlagToCondition(carryFlag, carryOut)
	if r == &c.a {
		c.resetFlag(zeroFlag)
	} else {
		c.setFlagToCondition(zeroFlag, value == 0)
	}
}

func (c *CPU) sla(r *uint8) {
	value := *r
	carry := value > 0x7F

	value <<= 1
	*r = value

	c.resetFlag(subFlag)
	c.resetFlag(halfCarryFlag)
	c.setFlagToCondition(carryFlag, carry)
	c.setFlagToCondition(zeroFlag, value == 0)
}

func (c *CPU) sra(r *uint8) {
	value := *r
	carry := value&1 != 0
	msb := value & 0x80

	value = (value >> 1) | msb
	*r = value

	c.resetFlag(subFlag)
	c.resetFlag(halfCarryFlag)
	c.setFlagToCondition(carryFlag, carry)
	c.setFlagToCondition(zeroFlag, value == 0)
}

func (c *CPU) srl(r *uint8) {
	value := *r
	carry := value&1 != 0

	value >>= 1
	*r = value

	c.resetFlag(subFlag)
	c.resetFlag(halfCarryFlag)
	c.setFlagToCondition(carryFlag, carry)
	c.setFlagToCondition(zeroFlag, value == 0)
}

func (c *CPU) swap(r *uint8) {
	value := *r
	value = (value << 4) | (value >> 4)
	*r = value

	c.resetFlag(subFlag)
	c.resetFlag(halfCarryFlag)
	c.resetFlag(carryFlag)
	c.setFlagToCondition(zeroFlag, value == 0)
}

func (c *CPU) bit(idx uint8, value uint8) {
	mask := uint8(1) << idx
	c.setFlagToCondition(zeroFlag, value&mask == 0)
	c.resetFlag(subFlag)
	c.setFlag(halfCarryFlag)
}

func (c *CPU) set(idx uint8, r *uint8) {
	*r |= 1 << idx
}

func (c *CPU) res(idx uint8, r *uint8) {
	*r &^= 1 << idx
}

// add sets the result of adding an 8 bit register to A, while setting all relevant flags.
func (c *CPU) addToA(value uint8) {
	a := c.a
	result := a + value

	carry := (uint16(a) + uint16(value)) > 0xFF
	halfCarry := (a&0xF)+(value&0xF) > 0xF

	c.setFlagToCondition(zeroFlag, result == 0)
	c.resetFlag(subFlag)
	c.setFlagToCondition(carryFlag, carry)
	c.setFlagToCondition(halfCarryFlag, halfCarry)

	c.a = result
}

// adc adds value plus the current carry flag to A.
func (c *CPU) adc(value uint8) {
	a := c.a
	carry := c.flagToBit(carryFlag)

	result := uint16(a) + uint16(value) + uint16(carry)
	halfCarry := (a&0xF)+(value&0xF)+carry > 0xF

	c.a = uint8(result)

	c.setFlagToCondition(zeroFlag, c.a == 0)
	c.resetFlag(subFlag)
	c.setFlagToCondition(carryFlag, result > 0xFF)
	c.setFlagToCondition(halfCarryFlag, halfCarry)
}

// addToHL sets the result of adding a 16 bit register to HL, while setting relevant flags.
func (c *CPU) addToHL(reg uint16) {
	hl := bit.Combine(c.h, c.l)
	result := hl + reg

	carry := (uint32(hl) + uint32(reg)) > 0xFFFF
	halfCarry := (hl&0xFFF)+(reg&0xFFF) > 0xFFF

	c.resetFlag(subFlag)
	c.setFlagToCondition(carryFlag, carry)
	c.setFlagToCondition(halfCarryFlag, halfCarry)

	c.h = bit.High(result)
	c.l = bit.Low(result)
}

// sub will subtract the value from register A and set all relevant flags.
func (c *CPU) sub(value uint8) {
	a := c.a
	c.a = a - value

	c.setFlagToCondition(zeroFlag, c.a == 0)
	c.setFlag(subFlag)
	c.setFlagToCondition(carryFlag, a < value)
	c.setFlagToCondition(halfCarryFlag, (int(a)&0xF)-(int(value)&0xF) < 0)
}

// sbc will subtract the value and carry (1 if set, 0 otherwise) from the register A.
func (c *CPU) sbc(value uint8) {
	a := c.a
	carry := 0
	if c.isSetFlag(carryFlag) {
		carry = 1
	}

	result := int(c.a) - int(value) - carry
	c.a = uint8(result)

	c.setFlagToCondition(zeroFlag, result == 0)
	c.setFlag(subFlag)
	c.setFlagToCondition(carryFlag, result < 0)
	c.setFlagToCondition(halfCarryFlag, (int(a)&0xF)-(int(value)&0xF)-carry < 0)
}

func (c *CPU) and(value uint8) {
	c.a &= value
	c.setFlagToCondition(zeroFlag, c.a == 0)
	c.resetFlag(subFlag)
	c.resetFlag(carryFlag)
	c.setFlag(halfCarryFlag)
}

func (c *CPU) or(value uint8) {
	c.a |= value
	c.setFlagToCondition(zeroFlag, c.a == 0)
	c.resetFlag(subFlag)
	c.resetFlag(carryFlag)
	c.resetFlag(halfCarryFlag)
}

func (c *CPU) xor(value uint8) {
	c.a ^= value
	c.setFlagToCondition(zeroFlag, c.a == 0)
	c.resetFlag(subFlag)
	c.resetFlag(carryFlag)
	c.resetFlag(halfCarryFlag)
}

// cp compares A against value, setting flags as sub would without storing the result.
func (c *CPU) cp(value uint8) {
	a := c.a
	c.setFlagToCondition(zeroFlag, a == value)
	c.setFlag(subFlag)
	c.setFlagToCondition(carryFlag, a < value)
	c.setFlagToCondition(halfCarryFlag, (int(a)&0xF)-(int(value)&0xF) < 0)
}

// daa adjusts A to valid packed BCD after an add or subtract.
func (c *CPU) daa() {
	adjust := uint8(0)
	setCarry := false

	if !c.isSetFlag(subFlag) {
		if c.isSetFlag(halfCarryFlag) || (c.a&0x0F) > 0x09 {
			adjust |= 0x06
		}
		if c.isSetFlag(carryFlag) || c.a > 0x99 {
			adjust |= 0x60
			setCarry = true
		}
		c.a += adjust
	} else {
		if c.isSetFlag(halfCarryFlag) {
			adjust |= 0x06
		}
		if c.isSetFlag(carryFlag) {
			adjust |= 0x60
			setCarry = true
		}
		c.a -= adjust
	}

	c.setFlagToCondition(zeroFlag, c.a == 0)
	c.resetFlag(halfCarryFlag)
	c.setFlagToCondition(carryFlag, setCarry)
}

// jr performs a relative jump using the signed immediate byte.
func (c *CPU) jr() {
	offset := c.readSignedImmediate()
	c.pc = uint16(int32(c.pc) + int32(offset))
}

// jp performs an absolute jump using the immediate word.
func (c *CPU) jp() {
	c.pc = c.readImmediateWord()
}

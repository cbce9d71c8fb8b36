package memory

import (
	"fmt"
	"log/slog"

	"github.com/arlojanssen/gophboy/bit"
)

const titleLength = 11

const (
	entryPointAddress       = 0x100
	logoAddress             = 0x104
	titleAddress            = 0x134
	manufacturerCodeAddress = 0x13F
	cgbFlagAddress          = 0x143
	newLicenseCodeAddress   = 0x144
	sgbFlagAddress          = 0x146
	cartridgeTypeAddress    = 0x147
	romSizeAddress          = 0x148
	ramSizeAddress          = 0x149
	destinationCodeAddress  = 0x14A
	oldLicenseCodeAddress   = 0x14B
	versionNumberAddress    = 0x14C
	headerChecksumAddress   = 0x14D
	globalChecksumAddress   = 0x14E
)

// CGBSupport describes the dual-mode compatibility byte at 0x143.
type CGBSupport uint8

const (
	// CGBUnsupported means the cartridge only ever runs in DMG mode.
	CGBUnsupported CGBSupport = iota
	// CGBEnhanced means the cartridge supports, but does not require, CGB features.
	CGBEnhanced
	// CGBOnly means the cartridge requires a CGB to boot.
	CGBOnly
)

// MBCType enumerates the memory bank controller a cartridge requires,
// decoded from the 0x147 header byte.
type MBCType uint8

const (
	NoMBCType MBCType = iota
	MBC1Type
	MBC1MultiType
	MBC2Type
	MBC3Type
	MBC5Type
	HuC1Type
	MBCUnknownType
)

// Cartridge holds the parsed ROM image and the header fields needed to
// construct the right MBC and RAM/battery/RTC configuration.
type Cartridge struct {
	data           []byte
	title          string
	headerChecksum uint16
	globalChecksum uint16
	version        uint8
	cartType       uint8
	romSize        uint8
	ramSize        uint8

	mbcType      MBCType
	hasBattery   bool
	hasRTC       bool
	hasRumble    bool
	ramBankCount uint8
	cgbSupport   CGBSupport
}

// NewCartridge creates an empty cartridge, useful only for debugging purposes.
func NewCartridge() *Cartridge {
	return &Cartridge{
		data:    make([]byte, 0x8000),
		mbcType: NoMBCType,
	}
}

// NewCartridgeWithData initializes a new Cartridge from a slice of bytes,
// decoding the header fields described in the Game Boy cartridge header.
func NewCartridgeWithData(bytes []byte) *Cartridge {
	titleBytes := bytes[titleAddress : titleAddress+titleLength]

	cart := &Cartridge{
		data:           make([]byte, len(bytes)),
		title:          string(titleBytes),
		headerChecksum: bit.Combine(bytes[headerChecksumAddress], 0),
		globalChecksum: bit.Combine(bytes[globalChecksumAddress], bytes[globalChecksumAddress+1]),
		version:        bytes[versionNumberAddress],
		cartType:       bytes[cartridgeTypeAddress],
		romSize:        bytes[romSizeAddress],
		ramSize:        bytes[ramSizeAddress],
	}
	copy(cart.data, bytes)

	cart.decodeMBC()
	cart.decodeCGBSupport(bytes[cgbFlagAddress])
	cart.ramBankCount = ramBankCountFor(cart.ramSize)

	if err := cart.verifyChecksum(); err != nil {
		slog.Warn("cartridge header checksum mismatch", "title", cart.title, "error", err)
	}

	return cart
}

func (c *Cartridge) decodeCGBSupport(flag byte) {
	switch flag {
	case 0x80:
		c.cgbSupport = CGBEnhanced
	case 0xC0:
		c.cgbSupport = CGBOnly
	default:
		c.cgbSupport = CGBUnsupported
	}
}

// decodeMBC maps the 0x147 cartridge type byte to an MBCType plus the
// battery/RTC/rumble feature flags bundled into that byte's meaning.
// Reference: Pan Docs "Cartridge Header" 0147 - Cartridge Type.
func (c *Cartridge) decodeMBC() {
	switch c.cartType {
	case 0x00:
		c.mbcType = NoMBCType
	case 0x01, 0x02:
		c.mbcType = MBC1Type
	case 0x03:
		c.mbcType = MBC1Type
		c.hasBattery = true
	case 0x05:
		c.mbcType = MBC2Type
	case 0x06:
		c.mbcType = MBC2Type
		c.hasBattery = true
	case 0x0F:
		c.mbcType = MBC3Type
		c.hasBattery = true
		c.hasRTC = true
	case 0x10:
		c.mbcType = MBC3Type
		c.hasBattery = true
		c.hasRTC = true
	case 0x11, 0x12:
		c.mbcType = MBC3Type
	case 0x13:
		c.mbcType = MBC3Type
		c.hasBattery = true
	case 0x19, 0x1A:
		c.mbcType = MBC5Type
	case 0x1B:
		c.mbcType = MBC5Type
		c.hasBattery = true
	case 0x1C, 0x1D:
		c.mbcType = MBC5Type
		c.hasRumble = true
	case 0x1E:
		c.mbcType = MBC5Type
		c.hasBattery = true
		c.hasRumble = true
	case 0xFF, 0xFE:
		c.mbcType = HuC1Type
		c.hasBattery = true
	default:
		c.mbcType = MBCUnknownType
	}
}

func ramBankCountFor(ramSizeByte byte) uint8 {
	switch ramSizeByte {
	case 0x00:
		return 0
	case 0x02:
		return 1
	case 0x03:
		return 4
	case 0x04:
		return 16
	case 0x05:
		return 8
	default:
		return 0
	}
}

// verifyChecksum recomputes the header checksum over 0x134-0x14C and
// compares it against the stored byte at 0x14D. A mismatch is a soft
// anomaly: the cartridge still loads, but real hardware would refuse to
// boot it.
func (c *Cartridge) verifyChecksum() error {
	if len(c.data) <= headerChecksumAddress {
		return nil
	}
	var sum uint8
	for i := titleAddress; i < headerChecksumAddress; i++ {
		sum = sum - c.data[i] - 1
	}
	if sum != c.data[headerChecksumAddress] {
		return fmt.Errorf("computed 0x%02X, header has 0x%02X", sum, c.data[headerChecksumAddress])
	}
	return nil
}

// Title returns the cartridge's title, used as the save-file key.
func (c *Cartridge) Title() string { return c.title }

// CGBSupport reports the dual-mode compatibility declared by the cartridge.
func (c *Cartridge) CGBSupport() CGBSupport { return c.cgbSupport }

// ReadByte reads a byte at the specified address. Does not check bounds, so the caller must make sure the
// address is valid for the cartridge.
func (c Cartridge) ReadByte(addr uint16) uint8 {
	return c.data[addr]
}

package debug

import (
	"github.com/arlojanssen/gophboy/addr"
	"github.com/arlojanssen/gophboy/cpu"
	"github.com/arlojanssen/gophboy/memory"
	"github.com/arlojanssen/gophboy/video"
)

// Extract snapshots CPU registers, VRAM/OAM contents and the interrupt
// registers into a single struct a debugger UI can render without holding
// a reference to the live emulator.
func Extract(c *cpu.CPU, m *memory.MMU, g *video.GPU) *CompleteDebugData {
	lcdc := m.Read(addr.LCDC)
	spriteHeight := 8
	if lcdc&0x04 != 0 {
		spriteHeight = 16
	}
	currentLine := int(m.Read(addr.LY))

	return &CompleteDebugData{
		OAM:  ExtractOAMData(m, currentLine, spriteHeight),
		VRAM: ExtractVRAMData(m),
		CPU: &CPUState{
			A:      c.GetA(),
			F:      c.GetF(),
			B:      c.GetB(),
			C:      c.GetC(),
			D:      c.GetD(),
			E:      c.GetE(),
			H:      c.GetH(),
			L:      c.GetL(),
			SP:     c.GetSP(),
			PC:     c.GetPC(),
			IME:    c.IME(),
			Cycles: c.Cycles(),
		},
		InterruptEnable: m.Read(addr.IE),
		InterruptFlags:  m.Read(addr.IF),
	}
}

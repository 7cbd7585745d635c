package platform

// CONTEXT layout for x86.
const (
	contextArch           = 0x00010000
	contextControl        = contextArch | 0x01
	contextDebugRegisters = contextArch | 0x10

	ctxSize        = 0x2cc
	ctxFlagsOffset = 0x00
	ctxDr0Offset   = 0x04
	ctxDr7Offset   = 0x18
	ctxPCOffset    = 0xb8
)

type ctxWord = uint32

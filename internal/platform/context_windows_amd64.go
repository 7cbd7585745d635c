package platform

// CONTEXT layout for x64.
const (
	contextArch           = 0x00100000
	contextControl        = contextArch | 0x01
	contextDebugRegisters = contextArch | 0x10

	ctxSize        = 0x4d0
	ctxFlagsOffset = 0x30
	ctxDr0Offset   = 0x48
	ctxDr7Offset   = 0x70
	ctxPCOffset    = 0xf8
)

type ctxWord = uint64

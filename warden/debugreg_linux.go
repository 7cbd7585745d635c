package warden

// dr7Local0 enables DR0 as a one byte execution breakpoint (R/W0 and LEN0
// both zero). Execution breakpoints are always one byte long, so only the
// entry of a range is trapped.
const dr7Local0 = 1

// setDebugRegisters writes DR0 before enabling it in DR7; the kernel
// validates the address when the breakpoint is enabled.
func setDebugRegisters(tid int, addr uint64) error {
	if err := pokeDebugRegister(tid, 0, addr); err != nil {
		return err
	}
	return pokeDebugRegister(tid, 7, dr7Local0)
}

func clearDebugRegisters(tid int) error {
	if err := pokeDebugRegister(tid, 7, 0); err != nil {
		return err
	}
	return pokeDebugRegister(tid, 0, 0)
}

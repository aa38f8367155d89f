// Package sbi is the interface this kernel expects of its SBI firmware
// shim: console I/O, timer programming, and shutdown, each invoked by
// ecall from S-mode. The shim itself — the ecall trampoline, OpenSBI or
// RustSBI wire format — is an external collaborator out of scope for this
// module; callers supply a concrete Firmware at boot the same way biscuit
// takes its Disk_i/Blockmem_i capabilities from outside the fs package.
package sbi

// Firmware is the capability surface the kernel needs from SBI.
type Firmware interface {
	// ConsolePutChar writes one byte to the console.
	ConsolePutChar(c byte)
	// ConsoleGetChar reads one byte, or -1 if none is available.
	ConsoleGetChar() int
	// SetTimer programs the next timer interrupt for the given absolute
	// value of the time CSR.
	SetTimer(stimeValue uint64)
	// Shutdown powers the machine off. successFlag distinguishes a clean
	// shutdown from a panic-triggered one where supported.
	Shutdown(successFlag bool)
}

var fw Firmware

// Init installs the firmware shim the rest of the kernel calls through.
func Init(f Firmware) {
	fw = f
}

// ConsolePutChar writes one byte to the console via the installed shim.
func ConsolePutChar(c byte) {
	fw.ConsolePutChar(c)
}

// ConsoleGetChar reads one byte via the installed shim, or -1 if none is
// pending.
func ConsoleGetChar() int {
	return fw.ConsoleGetChar()
}

// SetTimer arms the next timer interrupt.
func SetTimer(stimeValue uint64) {
	fw.SetTimer(stimeValue)
}

// Shutdown powers the machine off.
func Shutdown(success bool) {
	fw.Shutdown(success)
}

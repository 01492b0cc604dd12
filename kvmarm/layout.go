package kvmarm

// Platform layout for the QEMU "virt"-style AArch64 machine this
// hypervisor targets. Every address here is a compile-time constant per
// spec.md §4.A; nothing discovers these at runtime.
const (
	GICDBase uint64 = 0x08000000
	GICDSize uint64 = 16 * 0x1000

	GICCBase uint64 = 0x08010000
	GICCSize uint64 = 16 * 0x1000

	PL011Base uint64 = 0x09000000
	PL011Size uint64 = 0x1000

	// VirtioMMIOBase is reserved for a future virtio-mmio transport; see
	// stage2.Router for why it is wired in but unbound.
	VirtioMMIOBase uint64 = 0x0A000000
	VirtioMMIOSize uint64 = 0x1000

	// GuestRAMBase is the guest-physical base of normal memory.
	GuestRAMBase uint64 = 0x40000000
)

// Virtual interrupt numbers fixed by the platform (spec.md §6).
const (
	IRQVirtTimer uint32 = 27 // PPI
	IRQPL011     uint32 = 33 // SPI

	SGIMax uint32 = 16
	PPIMax uint32 = 32
	SPIMax uint32 = 1020
)

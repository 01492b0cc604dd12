package flag

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/alecthomas/kong"
	"github.com/felixge/fgprof"
	"github.com/pkg/profile"

	"github.com/armhv/armhv/hypervisor"
	"github.com/armhv/armhv/kvmarm"
	"github.com/armhv/armhv/probe"
	"github.com/armhv/armhv/vm"
)

// Parse runs kong over os.Args and dispatches to whichever subcommand's
// Run method matched.
func Parse() error {
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("armhv"),
		kong.Description("armhv is a small ARMv8-A/GICv2 type-1 hypervisor core hosted on Linux KVM"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	return ctx.Run()
}

func (p *ProbeCMD) Run() error {
	return probe.KVMCapabilities(p.Dev)
}

// arm64 Image's text_offset is a fixed 0x80000 regardless of kernel config
// (Documentation/arm64/booting.rst); the DTB is placed comfortably past any
// kernel this hypervisor is sized for.
const (
	kernelLoadOffset = 0x80000
	dtbLoadOffset    = 0x4000000
)

func (b *BootCMD) Run() error {
	if b.CPUProfile != "" {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(b.CPUProfile), profile.NoShutdownHook).Stop()
	}

	if b.FgprofPath != "" {
		f, err := os.Create(b.FgprofPath)
		if err != nil {
			return err
		}
		defer f.Close()

		stop := fgprof.Start(f, fgprof.FormatPprof)
		defer stop()
	}

	memSize, err := ParseSize(b.MemSize, "m")
	if err != nil {
		return err
	}

	kernel, err := os.Open(b.Kernel)
	if err != nil {
		return err
	}
	defer kernel.Close()

	var dtb []byte
	if b.DTB != "" {
		if dtb, err = os.ReadFile(b.DTB); err != nil {
			return err
		}
	}

	numVMs := b.NumVMs
	if numVMs < 1 {
		numVMs = 1
	}

	if numVMs > vm.VMNumMax {
		return fmt.Errorf("flag: -n %d exceeds the %d-guest arena", numVMs, vm.VMNumMax)
	}

	numPCPUs := b.NumPCPUs
	if numPCPUs <= 0 {
		numPCPUs = runtime.NumCPU()
	}

	specs := make([]hypervisor.VMSpec, numVMs)
	for i := range specs {
		specs[i] = hypervisor.VMSpec{
			Config: vm.Config{
				Name:          fmt.Sprintf("vm%d", i),
				MemSize:       uint64(memSize),
				GuestPhysBase: kvmarm.GuestRAMBase,
				KernelLoadOff: kernelLoadOffset,
				DTBLoadOff:    dtbLoadOffset,
				SMPNum:        b.NumCPUs,
				PrimaryPCPU:   i % numPCPUs,
				SecondaryMask: ^uint64(0),
			},
			Kernel: kernel,
			DTB:    dtb,
		}
	}

	hv, err := hypervisor.New(hypervisor.Config{
		DevPath:      b.Dev,
		NumPCPUs:     numPCPUs,
		VMs:          specs,
		TickInterval: b.TickInterval,
	})
	if err != nil {
		return err
	}

	return hv.Run(context.Background())
}

// Package flag is the command-line surface: a kong-based CLI struct mapping
// straight onto hypervisor.Config/hypervisor.VMSpec, the way the teacher's
// flag package mapped its own BootCMD/ProbeCMD onto vmm.Config.
package flag

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CLI is kong's top-level command selector.
type CLI struct {
	Boot  BootCMD  `cmd:"" help:"Boot one or more guests on a pool of pCPUs."`
	Probe ProbeCMD `cmd:"" help:"Report which KVM/ARM capabilities the host supports."`
}

// BootCMD configures one hypervisor run. NumVMs identical guests are booted,
// each with NumCPUs vCPUs, sharing a pool of NumPCPUs scheduler pCPUs.
type BootCMD struct {
	Dev    string `short:"D" default:"/dev/kvm" help:"path of the kvm device"`
	Kernel string `short:"k" required:"" help:"kernel image path (raw AArch64 Image)"`
	DTB    string `short:"b" default:"" help:"device-tree blob path (optional)"`

	MemSize string `short:"m" default:"256M" help:"guest memory size: number[gGmMkK]"`
	NumCPUs int    `short:"c" default:"1" help:"vCPUs per guest"`
	NumVMs  int    `short:"n" default:"1" help:"number of guests to boot"`

	NumPCPUs     int           `short:"P" default:"0" help:"scheduler pCPU goroutines (default: runtime.NumCPU())"`
	TickInterval time.Duration `short:"T" default:"1ms" help:"scheduler tick interval"`

	CPUProfile string `help:"write a pprof CPU profile under this directory on exit"`
	FgprofPath string `help:"write an fgprof wall-clock profile to this path on exit"`
}

// ProbeCMD takes no arguments beyond which device node to probe.
type ProbeCMD struct {
	Dev string `short:"D" default:"/dev/kvm" help:"path of the kvm device"`
}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}

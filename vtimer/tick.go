package vtimer

// Tick implements v_timer_tick(now) (spec.md §4.G): for every vCPU bound
// to the calling pCPU (the caller has already filtered vcpus down to that
// set — vtimer itself has no notion of affinity), inject the virtual
// timer PPI exactly once per firing and run the watchdog safety valve.
// inject is called only when a fresh firing actually needs to reach the
// vGIC (PPI 27, kvmarm.IRQVirtTimer); it is not called again while
// already pending.
func Tick(vcpus []*VCPUState, now uint64, inject func(v *VCPUState)) {
	for _, v := range vcpus {
		if ShouldFire(v, now) && !v.Pending {
			v.Fire(now)
			inject(v)
		}

		v.CheckWatchdog(now)
	}
}

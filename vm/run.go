package vm

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/rmaxwell/tinyhv/internal/barrier"
	"github.com/rmaxwell/tinyhv/internal/devices"
	"github.com/rmaxwell/tinyhv/internal/eventpoll"
	"github.com/rmaxwell/tinyhv/internal/iobus"
	"github.com/rmaxwell/tinyhv/internal/vcpu"
)

// vcpuSignal is the dedicated real-time signal slot (offset 0 above the
// first RT signal, spec §4.6) whose only purpose is to unblock a vCPU
// thread parked inside the backend's run ioctl with EINTR. Go has no
// portable way to install a literal empty sigaction without cgo; routing
// the signal through os/signal.Notify is the idiomatic Go equivalent — it
// replaces the default (process-terminating) disposition with one that
// merely delivers the signal to a channel, which is enough for the kernel
// to interrupt the blocking syscall.
var vcpuSignal = unix.SIGRTMIN()

var installSignalOnce sync.Once

// installVcpuSignalHandler installs the no-op handler exactly once per
// process, per spec §9's "handler installation occurs exactly once per
// process (not per thread)".
func installVcpuSignalHandler() {
	installSignalOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, vcpuSignal)
	})
}

// Start registers devices with the I/O bus, spawns one goroutine per vCPU
// (each locked to its own OS thread, configured on that thread, then
// running the exit loop), and runs the monitor's event loop on the calling
// goroutine until a guest-initiated exit or a fatal I/O error. Per spec
// §4.6, vCPU threads are joined only on ordinary control-loop termination;
// a guest-initiated exit bypasses joining entirely via a direct exit
// syscall.
func (v *VM) Start(ctx context.Context) error {
	bus, err := v.buildIOBus()
	if err != nil {
		return err
	}
	v.bus = bus

	installVcpuSignalHandler()

	restoreTerm, err := enableStdinRawMode()
	if err != nil {
		return fmt.Errorf("vm: enable raw mode: %w", err)
	}
	defer restoreTerm()

	n := v.cfg.VCPUCount
	b := barrier.New(n + 1)

	var wg sync.WaitGroup

	for id := 0; id < n; id++ {
		h, err := vcpu.New(id, v.vmFd, v.mmapSize)
		if err != nil {
			return fmt.Errorf("vm: vcpu.New(%d): %w", id, err)
		}

		wg.Add(1)

		go v.runVcpu(id, h, b, &wg)
	}

	b.Wait()

	err = v.controlLoop(ctx)
	wg.Wait()

	return err
}

func (v *VM) buildIOBus() (*iobus.IoBus, error) {
	bus := iobus.New()

	if err := bus.Insert(v.serial, devices.COM1Addr, 8); err != nil {
		return nil, fmt.Errorf("vm: register serial: %w", err)
	}

	if err := bus.Insert(v.kbd, devices.I8042Addr, devices.I8042Len); err != nil {
		return nil, fmt.Errorf("vm: register i8042: %w", err)
	}

	if err := bus.Insert(v.pciRoot, devices.PCIConfigAddrPort, devices.PCIConfigLen); err != nil {
		return nil, fmt.Errorf("vm: register pci root: %w", err)
	}

	return bus, nil
}

// runVcpu is the per-vCPU host-thread body: lock to an OS thread (KVM vCPU
// ioctls are thread-affine), configure the vCPU on this same thread — the
// Open Question in spec §9 is resolved here in favor of configuring on the
// thread that runs the vCPU, not the monitor thread, since that is the
// documented-safe option rather than relying on backend tolerance — wait
// on the start barrier, then run the exit loop until a fatal run error.
func (v *VM) runVcpu(id int, h *vcpu.Handle, b *barrier.Barrier, wg *sync.WaitGroup) {
	defer wg.Done()
	defer h.Close()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	vlog := v.log.With().Int("vcpu", id).Logger()

	if err := h.Configure(v.entry, v.cpuidImage, v.mem); err != nil {
		vlog.Error().Err(err).Msg("vcpu configure failed")
		b.Wait()

		return
	}

	b.Wait()

	for {
		exit, err := h.Run()
		if err != nil {
			vlog.Warn().Err(err).Msg("vcpu run failed")

			return
		}

		switch exit.Kind {
		case vcpu.IoIn:
			v.repeatIO(vlog, exit, v.bus.Read, "io bus read failed")
		case vcpu.IoOut:
			v.repeatIO(vlog, exit, v.bus.Write, "io bus write failed")
		case vcpu.MmioRead:
			vlog.Debug().Uint64("addr", exit.Addr).Msg("mmio read exit")
		case vcpu.MmioWrite:
			vlog.Debug().Uint64("addr", exit.Addr).Msg("mmio write exit")
		case vcpu.Hlt:
			vlog.Debug().Msg("hlt")
		case vcpu.FailEntry, vcpu.InternalError:
			ev := vlog.Debug().Int("kind", int(exit.Kind))

			if asm, decodeErr := h.DecodeFaultingInstruction(v.mem); decodeErr == nil {
				ev = ev.Str("faulting_instruction", asm)
			}

			ev.Msg("unhandled vcpu exit")
		default:
			// Shutdown/Intr/Unknown: logged, no handler, per spec §4.6's
			// exit-loop table.
			vlog.Debug().Int("kind", int(exit.Kind)).Msg("unhandled vcpu exit")
		}
	}
}

// repeatIO drives IOCount consecutive IOSize-byte transfers through op, one
// per iteration of a REP-prefixed string I/O exit (vcpu.Exit's Data packs
// them back to back). A plain, non-repeated exit has IOCount==1 and runs the
// loop body exactly once.
func (v *VM) repeatIO(vlog zerolog.Logger, exit vcpu.Exit, op func(port uint64, buf []byte) error, failMsg string) {
	size := exit.IOSize
	if size == 0 {
		size = uint64(len(exit.Data))
	}

	for i := uint64(0); i < exit.IOCount; i++ {
		start := i * size
		end := start + size

		if end > uint64(len(exit.Data)) {
			break
		}

		if err := op(exit.Port, exit.Data[start:end]); err != nil {
			vlog.Warn().Err(err).Uint64("port", exit.Port).Msg(failMsg)
		}
	}
}

// controlLoop is the monitor thread's event loop (spec §4.6). It returns
// on a non-exit, non-transient error, or with ctx.Err() once ctx is done
// (checked before each poll wait, not while blocked in one); a
// guest-initiated reset never returns — it calls the direct exit syscall.
func (v *VM) controlLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ready, err := v.poller.Wait()
		if err != nil {
			return fmt.Errorf("vm: event poll: %w", err)
		}

		for _, r := range ready {
			switch r.Kind {
			case eventpoll.Exit:
				if _, err := v.exitEvt.Drain(); err != nil {
					v.log.Warn().Err(err).Msg("drain exit_evt failed")
				}

				v.log.Info().Msg("guest requested shutdown")

				// Direct exit syscall: bypasses user-space destructors by
				// design, since vCPU threads may be mid-syscall and cannot
				// be cleanly joined (spec §4.6, §9).
				unix.Exit(0)
			case eventpoll.Stdin:
				if err := v.handleStdin(); err != nil {
					return err
				}
			}
		}
	}
}

func (v *VM) handleStdin() (err error) {
	defer func() {
		if r := recover(); r != nil {
			// Go mutexes carry no poison state; a panic while holding the
			// UART's lock is the closest analogue to spec §4.6's "poisoned
			// lock" condition, and is treated the same way: abort.
			v.log.Fatal().Interface("panic", r).Msg("serial device panicked while locked")
		}
	}()

	buf := make([]byte, 64)

	n, readErr := os.Stdin.Read(buf)
	if readErr != nil {
		return fmt.Errorf("vm: stdin read: %w", readErr)
	}

	return v.serial.PushInput(buf[:n])
}

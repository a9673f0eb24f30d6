// Command tinyhv boots a single Linux kernel image inside a freshly
// created KVM guest. It takes no flags and reads no config file — both
// are explicit non-goals of the monitor it wraps; the kernel path comes
// from its one positional argument, matching the teacher's small-main
// shape (construct config, construct VM, run) with the flag-parsing
// package dropped.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rmaxwell/tinyhv/vm"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <kernel-path>\n", os.Args[0])
		os.Exit(1)
	}

	cfg := vm.VmConfig{KernelPath: os.Args[1]}

	m, err := vm.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("construct vm")
	}
	defer m.Close()

	if _, err := m.LoadKernel(); err != nil {
		log.Fatal().Err(err).Msg("load kernel")
	}

	if err := m.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("vm exited")
	}
}

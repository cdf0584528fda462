// Command kernel boots the SentinalOS composition root: it loads
// boot configuration, constructs a production zap logger, runs the
// security and memory protection init sequence, and then drives a
// small scheduling loop that serves syscalls from seeded processes
// until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"sentinalos/internal/config"
	"sentinalos/internal/defs"
	"sentinalos/internal/kernel"
	"sentinalos/internal/security"
	ksyscall "sentinalos/internal/syscall"
)

func main() {
	configPath := flag.String("config", "", "path to a boot configuration TOML file")
	vendorAMD := flag.Bool("amd", false, "report the host CPU as AMD (enables SME)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "kernel: building logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalw("loading boot configuration", "error", err)
	}

	feat := security.CPUFeatures{
		VendorAMD:    *vendorAMD,
		SMESupported: *vendorAMD,
		CBitPosition: 47,
		HasUMIP:      cfg.Security.HasUMIP,
		HasCET:       cfg.Security.HasCET,
	}

	k, err := kernel.Boot(cfg, feat, log)
	if err != nil {
		log.Fatalw("boot failed", "error", err)
	}

	initPCB, rc := k.Procs.Alloc(0, "init", defs.Unclassified, 10)
	if rc != 0 {
		log.Fatalw("seeding init process", "error", rc)
	}
	log.Infow("seeded init process", "pid", initPCB.Pid)
	k.Scheduler.Enqueue(initPCB.Pid)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run(ctx, k, log)
}

// run drives the scheduler at the configured quantum, dispatching a
// no-op syscall for whichever process is selected, charging it the
// quantum's CPU time, and yielding it back to the ready queue, until
// ctx is cancelled by a shutdown signal.
func run(ctx context.Context, k *kernel.Kernel, log *zap.SugaredLogger) {
	quantum := time.Duration(k.Config.Scheduler.QuantumMs) * time.Millisecond
	ticker := time.NewTicker(quantum)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown requested, stopping scheduler")
			return
		case <-ticker.C:
			pid := k.Scheduler.Schedule()
			if pid == 0 {
				continue
			}
			caller, rc := k.Procs.Find(pid)
			if rc != 0 {
				continue
			}
			if killed, cause := caller.Kill.Killed(); killed {
				log.Infow("dispatch skipped for killed process", "pid", pid, "cause", cause)
				k.Procs.Exit(pid, -1)
				continue
			}
			if _, rc := k.Syscalls.Dispatch(ksyscall.SYS_GETPID, caller, ksyscall.Args{}); rc != 0 {
				log.Debugw("syscall dispatch failed", "pid", pid, "error", rc)
			}
			caller.Accnt.Utadd(int64(quantum))
			k.Scheduler.Yield(pid)
			stats := k.Stats()
			log.Debugw("tick", "mem_used", stats.MemUsed, "context_switches", stats.Scheduler.ContextSwitches)
		}
	}
}

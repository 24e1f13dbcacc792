package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/svmhook/internal/config"
	"github.com/tinyrange/svmhook/internal/hook"
	"github.com/tinyrange/svmhook/internal/npt"
	"github.com/tinyrange/svmhook/internal/svm"
	"github.com/tinyrange/svmhook/internal/timeslice"
	"github.com/tinyrange/svmhook/internal/trace"
	"golang.org/x/term"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "svmhook: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", config.DefaultFilename, "Hypervisor configuration file")
	tracePath := flag.String("trace", "", "Replay VM-exits from this trace file")
	initOut := flag.String("init", "", "Write a default configuration to this path, then exit")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	timesliceFile := flag.String("timeslice-file", "", "Write handler timings to file")
	progress := flag.Bool("progress", true, "Show replay progress when stderr is a terminal")
	timeout := flag.Duration("timeout", 0, "Stop the replay after this long")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] -trace <file>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Replay recorded VM-exits through the nested paging hook hypervisor.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *initOut != "" {
		if err := config.Write(*initOut, config.Config{}); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", *initOut)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	var override *slog.Level
	if *dbg {
		level := slog.LevelDebug
		override = &level
	}
	handler, err := cfg.Log.Handler(os.Stderr, override)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(handler))

	if *tracePath == "" {
		flag.Usage()
		return fmt.Errorf("no trace given")
	}

	if *timesliceFile != "" {
		f, err := os.Create(*timesliceFile)
		if err != nil {
			return fmt.Errorf("create timeslice file: %w", err)
		}
		defer f.Close()

		w, err := timeslice.StartRecording(f)
		if err != nil {
			return fmt.Errorf("open timeslice file: %w", err)
		}
		defer w.Close()
	}

	tr, err := trace.Load(*tracePath)
	if err != nil {
		return err
	}

	frames, shadows, err := cfg.Layout()
	if err != nil {
		return err
	}
	slog.Debug("layout", "frames", frames.Base, "frameBytes", frames.Size, "shadows", shadows.Base, "shadowBytes", shadows.Size)

	arena, err := npt.NewArena(frames)
	if err != nil {
		return err
	}
	defer arena.Close()

	hooks, err := hook.InstallAll(&hook.StaticInstaller{
		Symbols: cfg.SymbolTable(),
		Frames:  hook.NewRegionPool(shadows),
	}, cfg.Targets())
	if err != nil {
		return err
	}
	for _, d := range hooks.All() {
		slog.Info("hook installed", "hook", d.String())
	}

	var bar *progressbar.ProgressBar
	if *progress && term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.Default(int64(tr.Len()), "replay")
	}

	h, err := svm.New(svm.Options{
		Processors:       cfg.Processors,
		Allocator:        arena,
		Hooks:            hooks,
		DevirtualizeLeaf: uint32(cfg.DevirtualizeLeaf),
		Observer: func(vcpu int, exit svm.Exit, result svm.ExitType) {
			if bar != nil {
				_ = bar.Add(1)
			}
		},
	})
	if err != nil {
		return err
	}
	if err := svm.Install(h); err != nil {
		h.Devirtualize()
		return err
	}
	defer svm.Teardown()

	if n := tr.Processors(); n > len(h.VCPUs()) {
		return fmt.Errorf("trace uses %d processors, %d available", n, len(h.VCPUs()))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if *timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, *timeout)
		defer cancelTimeout()
	}

	runErr := h.Virtualize(ctx, tr.Sources(len(h.VCPUs())))
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(os.Stderr)
	}

	for _, v := range h.VCPUs() {
		s := v.Stats()
		fmt.Printf("vcpu %-3d %-14s nested=%-9s exits=%-6d npf=%-6d cpuid=%-6d vmmcall=%-6d switches=%-6d flushes=%d\n",
			v.ID(), v.State(), v.ActiveHierarchy(),
			s.Exits, s.NPF, s.CPUID, s.VMMCALL, s.Switches, s.Flushes)
	}
	slog.Info("page tables", "inUse", arena.InUse(), "generation", h.Shared().Generation())

	return runErr
}

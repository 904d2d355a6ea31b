// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// gpuexec_run executes a small demo program many times on the simulated device, and reports how
// the executions were run (direct, captured or replayed), the graph cache statistics and a profile.
//
// Example:
//
//	gpuexec_run -n=1000 -callers=4 -config="graph_cache_size=20"
package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gpuexec/pkg/buffers"
	"github.com/gomlx/gpuexec/pkg/device"
	"github.com/gomlx/gpuexec/pkg/device/simdevice"
	"github.com/gomlx/gpuexec/pkg/gpuexec"
	"github.com/gomlx/gpuexec/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var (
	flagDevice = flag.String("device", "", "Configuration of the simulated device, e.g. \"version=1.0,graph_capture=true\".")
	flagConfig = flag.String("config", "", fmt.Sprintf("Configuration of the executable, applied on top of $%s. "+
		"E.g.: \"graph_capture=false,graph_cache_size=100\".", gpuexec.GPUEXEC_CONFIG))
	flagNumExecutions = flag.Int("n", 200, "Total number of executions.")
	flagCallers       = flag.Int("callers", 1, "Number of concurrent callers, each with its own stream.")
	flagSize          = flag.Int("size", 4096, "Number of float32 elements of the program inputs and output.")
	flagReuse         = flag.Bool("reuse", true, "Reuse the same buffers across executions of a caller, "+
		"which allows replaying captured graphs. If false, new buffers are allocated for each execution.")
	flagHelperStream = flag.Bool("helper_stream", false, "Run part of the program on a helper stream (disables capture).")
	flagProfile      = flag.Bool("profile", true, "Profile the last execution and print it.")
	flagProgress     = flag.Bool("progress", true, "Display a progress bar.")
	flagNoColor      = flag.Bool("no_color", false, "Disable colors in the output.")
	flagSaveProfile  = flag.String("save_profile", "", "If set, save the profile of the last execution to this file. "+
		"A leading \"~\" is replaced by the home directory.")
	flagOverwrite = flag.Bool("overwrite", false, "Overwrite the file given by -save_profile if it exists.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagNumExecutions <= 0 || *flagCallers <= 0 || *flagSize <= 0 {
		klog.Errorf("-n, -callers and -size must be positive. See 'gpuexec_run -help'.")
		os.Exit(1)
	}
	output := termenv.NewOutput(os.Stdout)
	if *flagNoColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	} else {
		lipgloss.SetColorProfile(output.ColorProfile())
	}

	options := must.M1(gpuexec.OptionsFromEnv())
	options, err := options.WithConfig(*flagConfig)
	if err != nil {
		klog.Fatalf("Invalid -config: %+v", err)
	}
	executor, err := simdevice.New(*flagDevice)
	if err != nil {
		klog.Fatalf("Invalid -device: %+v", err)
	}
	exec := newDemoExecutable(*flagSize, *flagHelperStream, options)
	defer func() {
		if err := exec.Finalize(); err != nil {
			klog.Errorf("Failed to finalize: %+v", err)
		}
	}()
	klog.V(1).Infof("Created %s", exec)

	stats, err := run(exec, executor)
	if err != nil {
		klog.Fatalf("Execution failed: %+v", err)
	}
	report(exec, executor, stats)
	if *flagSaveProfile != "" {
		if err := saveProfile(exec, *flagSaveProfile, *flagOverwrite); err != nil {
			klog.Fatalf("Failed to save profile: %+v", err)
		}
	}
}

// saveProfile writes the profile of the last execution to filePath.
func saveProfile(exec *gpuexec.Executable, filePath string, overwrite bool) error {
	profile := exec.ExecutionProfile()
	if profile == nil {
		return errors.New("no execution was profiled, use -profile")
	}
	f, err := fsutil.CreateNew(filePath, overwrite)
	if err != nil {
		return err
	}
	if _, err = fmt.Fprintln(f, profile); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing profile to %q", f.Name())
	}
	return f.Close()
}

// runStats aggregates the results of all callers.
type runStats struct {
	mu      sync.Mutex
	modes   map[gpuexec.ExecutionMode]int
	elapsed time.Duration
}

func (s *runStats) record(mode gpuexec.ExecutionMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modes[mode]++
}

func run(exec *gpuexec.Executable, executor *simdevice.Executor) (*runStats, error) {
	stats := &runStats{modes: make(map[gpuexec.ExecutionMode]int)}
	var bar *progressbar.ProgressBar
	if *flagProgress {
		bar = progressbar.NewOptions(*flagNumExecutions,
			progressbar.OptionSetDescription("executing"),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("runs"),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
			progressbar.OptionClearOnFinish(),
		)
	}

	start := time.Now()
	var g errgroup.Group
	for caller := range *flagCallers {
		numExecutions := *flagNumExecutions / *flagCallers
		if caller < *flagNumExecutions%*flagCallers {
			numExecutions++
		}
		g.Go(func() error {
			return runCaller(exec, executor, caller, numExecutions, stats, bar)
		})
	}
	err := g.Wait()
	stats.elapsed = time.Since(start)
	if bar != nil {
		_ = bar.Finish()
	}
	return stats, err
}

// runCaller executes the program numExecutions times on its own stream, verifying the last output.
func runCaller(exec *gpuexec.Executable, executor *simdevice.Executor, caller, numExecutions int,
	stats *runStats, bar *progressbar.ProgressBar) error {
	stream, err := executor.NewStream()
	if err != nil {
		return err
	}
	defer func() { _ = stream.Close() }()

	upload := func(values []float32) (device.DeviceMemory, error) {
		mem, err := executor.Allocate(4 * len(values))
		if err == nil {
			err = executor.WriteMemory(mem, simdevice.Float32sToBytes(values...))
		}
		return mem, err
	}

	var reused *buffers.Allocations
	var lastOutput device.DeviceMemory
	var lastWant []float32
	for iter := range numExecutions {
		x, w := demoInputs(*flagSize, iter)
		opts := gpuexec.RunOptions{
			Stream:             stream,
			BlockHostUntilDone: true,
			Profile:            *flagProfile && caller == 0 && iter == numExecutions-1,
		}
		var result *gpuexec.ExecutionResult
		if *flagReuse {
			if reused == nil {
				constants, err := exec.ResolveConstantGlobals(stream)
				if err != nil {
					return err
				}
				args := make([]device.DeviceMemory, 2)
				for ii, values := range [][]float32{x, w} {
					if args[ii], err = upload(values); err != nil {
						return err
					}
				}
				if reused, err = buffers.NewBuilder(exec.BufferAssignment(), executor).Build(args, constants); err != nil {
					return err
				}
			} else {
				if err = executor.WriteMemory(reused.Get(allocW), simdevice.Float32sToBytes(w...)); err != nil {
					return err
				}
			}
			result, err = exec.ExecuteOnAllocations(opts, reused)
		} else {
			var xMem, wMem device.DeviceMemory
			if xMem, err = upload(x); err != nil {
				return err
			}
			if wMem, err = upload(w); err != nil {
				return err
			}
			result, err = exec.Execute(opts, []device.DeviceMemory{xMem, wMem})
			for _, mem := range []device.DeviceMemory{xMem, wMem, lastOutput} {
				if deallocErr := executor.Deallocate(mem); deallocErr != nil {
					klog.Warningf("caller %d: failed to deallocate %s: %v", caller, mem, deallocErr)
				}
			}
		}
		if err != nil {
			return errors.WithMessagef(err, "caller %d, execution %d", caller, iter)
		}
		stats.record(result.Mode)
		lastOutput, lastWant = result.Outputs[0], demoWant(x, w)
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if numExecutions == 0 {
		return nil
	}
	got := simdevice.BytesToFloat32s(must.M1(executor.ReadMemory(lastOutput)))
	if !slices.Equal(got, lastWant) {
		return errors.Errorf("caller %d: wrong output of the last execution", caller)
	}
	return nil
}

// Package profiling starts and stops the profilers the simulator exposes.
package profiling

import (
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"

	"github.com/felixge/fgprof"
)

// StartProfilers starts the profilers whose output paths are non-empty.
// The returned function stops them and writes the memory profile.
func StartProfilers(cpuProfilePath, memProfilePath, tracePath, fgprofPath string) (stopProfile func() error, err error) {
	var (
		cpuProfile    *os.File
		traceFile     *os.File
		fgprofProfile *os.File
		fgprofStop    func() error
	)

	if cpuProfilePath != "" {
		cpuProfile, err = os.Create(cpuProfilePath)
		if err != nil {
			return nil, err
		}
		if err := pprof.StartCPUProfile(cpuProfile); err != nil {
			return nil, err
		}
	}

	if fgprofPath != "" {
		fgprofProfile, err = os.Create(fgprofPath)
		if err != nil {
			return nil, err
		}
		fgprofStop = fgprof.Start(fgprofProfile, fgprof.FormatPprof)
	}

	if tracePath != "" {
		traceFile, err = os.Create(tracePath)
		if err != nil {
			return nil, err
		}
		if err := trace.Start(traceFile); err != nil {
			return nil, err
		}
	}

	return func() error {
		if memProfilePath != "" {
			f, err := os.Create(memProfilePath)
			if err != nil {
				return err
			}
			runtime.GC() // get up-to-date statistics
			if err := pprof.WriteHeapProfile(f); err != nil {
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}

		if cpuProfile != nil {
			pprof.StopCPUProfile()
			if err := cpuProfile.Close(); err != nil {
				return err
			}
		}

		if fgprofProfile != nil {
			if err := fgprofStop(); err != nil {
				return err
			}
			if err := fgprofProfile.Close(); err != nil {
				return err
			}
		}

		if traceFile != nil {
			trace.Stop()
			if err := traceFile.Close(); err != nil {
				return err
			}
		}

		return nil
	}, nil
}

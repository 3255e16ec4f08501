package cmd

import (
	"bytes"
	"math/rand"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/shirou/gopsutil/process"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
	"github.com/vkngwrapper/ermalloc"
	"github.com/vkngwrapper/ermalloc/erm"
	"github.com/vkngwrapper/ermalloc/heap"
	"github.com/vkngwrapper/ermalloc/memutils/policy"
	"golang.org/x/exp/slog"
)

// SoakOptions describes a single fault-injection run
type SoakOptions struct {
	Size     int
	Replicas int
	Regions  int
	Rounds   int
	Flips    int
	Seed     int64
}

// SoakSummary is the outcome of a fault-injection run
type SoakSummary struct {
	Options SoakOptions

	Injected      int
	Found         int
	Corrected     int
	Unrecoverable int
	// Undetected counts regions whose contents changed even though enforce reported them recoverable
	Undetected int
	RSS        uint64
}

func (s SoakSummary) WriteJSON(w *jwriter.Writer) {
	obj := w.Object()
	defer obj.End()

	options := obj.Name("Options").Object()
	options.Name("Size").Int(s.Options.Size)
	options.Name("Replicas").Int(s.Options.Replicas)
	options.Name("Regions").Int(s.Options.Regions)
	options.Name("Rounds").Int(s.Options.Rounds)
	options.Name("Flips").Int(s.Options.Flips)
	options.Name("Seed").Float64(float64(s.Options.Seed))
	options.End()

	obj.Name("Injected").Int(s.Injected)
	obj.Name("Found").Int(s.Found)
	obj.Name("Corrected").Int(s.Corrected)
	obj.Name("Unrecoverable").Int(s.Unrecoverable)
	obj.Name("Undetected").Int(s.Undetected)
	obj.Name("RSS").Float64(float64(s.RSS))
}

// Soak allocates options.Regions protected regions, then for each round flips options.Flips random bits in
// each region's raw storage and enforces it. Regions found unrecoverable are rewritten with their expected
// contents before the next round.
func Soak(logger *slog.Logger, allocator *erm.Allocator, options SoakOptions) (SoakSummary, error) {
	summary := SoakSummary{Options: options}
	if options.Size <= 0 || options.Regions <= 0 {
		return summary, errors.Newf("soak requires a positive size and region count, but got %d and %d", options.Size, options.Regions)
	}

	random := rand.New(rand.NewSource(options.Seed))
	policies := policy.List{policy.Redundancy{Replicas: options.Replicas}}

	pointers := make([]erm.Pointer, options.Regions)
	expected := make([][]byte, options.Regions)
	for i := range pointers {
		ptr, err := allocator.Allocate(options.Size, policies)
		if err != nil {
			return summary, err
		}
		pointers[i] = ptr

		expected[i] = make([]byte, options.Size)
		random.Read(expected[i])
		_, err = allocator.WriteAt(ptr, expected[i], 0)
		if err != nil {
			return summary, err
		}
	}

	info, _ := allocator.Record(pointers[0])
	physicalSize := info.PhysicalSize
	actual := make([]byte, options.Size)
	for round := 0; round < options.Rounds; round++ {
		for i, ptr := range pointers {
			for flip := 0; flip < options.Flips; flip++ {
				err := allocator.InjectFault(ptr, random.Intn(physicalSize), byte(1<<random.Intn(8)))
				if err != nil {
					return summary, err
				}
				summary.Injected++
			}

			result, err := allocator.EnforceReport(ptr)
			if err != nil {
				return summary, err
			}
			summary.Found += result.ErrorsFound
			summary.Corrected += result.ErrorsCorrected

			if !result.Recoverable() {
				summary.Unrecoverable++
				err = restore(allocator, ptr, expected[i])
				if err != nil {
					return summary, err
				}
				continue
			}

			_, err = allocator.ReadAt(ptr, actual, 0)
			if err != nil {
				return summary, err
			}
			if !bytes.Equal(actual, expected[i]) {
				summary.Undetected++
				logger.Warn("region changed without an unrecoverable verdict", slog.Int("Region", i), slog.Int("Round", round))
				err = restore(allocator, ptr, expected[i])
				if err != nil {
					return summary, err
				}
			}
		}
	}

	for _, ptr := range pointers {
		err := allocator.Free(ptr)
		if err != nil {
			return summary, err
		}
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		memory, err := proc.MemoryInfo()
		if err == nil {
			summary.RSS = memory.RSS
		}
	}

	return summary, nil
}

// restore overwrites a region with its expected contents regardless of its current state
func restore(allocator *erm.Allocator, ptr erm.Pointer, expected []byte) error {
	b, err := allocator.Bytes(ptr)
	if err != nil {
		return err
	}

	copy(b, expected)
	return allocator.Sync(ptr)
}

var soakCmd = &cobra.Command{
	Use:   "soak",
	Short: "Inject random bit flips into redundant regions and report how many were repaired.",
	RunE: func(cmd *cobra.Command, args []string) error {
		var options SoakOptions
		options.Size, _ = cmd.Flags().GetInt("size")
		options.Replicas, _ = cmd.Flags().GetInt("replicas")
		options.Regions, _ = cmd.Flags().GetInt("regions")
		options.Rounds, _ = cmd.Flags().GetInt("rounds")
		options.Flips, _ = cmd.Flags().GetInt("flips")
		options.Seed, _ = cmd.Flags().GetInt64("seed")

		conf, err := ermalloc.LoadConfig()
		if err != nil {
			return err
		}

		logger, err := conf.NewLogger(cmd.ErrOrStderr())
		if err != nil {
			return err
		}

		allocator, provider, err := conf.NewAllocator(logger)
		if err != nil {
			return err
		}
		atexit.Register(func() {
			err := allocator.Destroy()
			if closer, ok := provider.(heap.Closer); ok {
				err = errors.CombineErrors(err, closer.Close())
			}
			if err != nil {
				logger.Error("error attempting to tear down the soak allocator", slog.Any("error", err))
			}
		})

		summary, err := Soak(logger, allocator, options)
		if err != nil {
			return err
		}

		writer := jwriter.NewWriter()
		summary.WriteJSON(&writer)
		_, err = cmd.OutOrStdout().Write(append(writer.Bytes(), '\n'))
		return err
	},
}

func init() {
	rootCmd.AddCommand(soakCmd)
	soakCmd.Flags().Int("size", 4096, "Logical size of each region in bytes")
	soakCmd.Flags().Int("replicas", policy.DefaultReplicas, "Replicas kept for each region")
	soakCmd.Flags().Int("regions", 16, "Number of regions to allocate")
	soakCmd.Flags().Int("rounds", 100, "Number of inject-and-enforce rounds")
	soakCmd.Flags().Int("flips", 1, "Bit flips injected into each region per round")
	soakCmd.Flags().Int64("seed", 1, "Seed for the fault pattern")
}

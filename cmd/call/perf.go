package call

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"github.com/ValentinKolb/tinyrpc/cmd/util"
	"github.com/ValentinKolb/tinyrpc/rpc/common"
	"github.com/ValentinKolb/tinyrpc/rpc/serializer"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"
)

var (
	PerfCmd = &cobra.Command{
		Use:                "perf",
		Short:              "Performance testing tool for tinyrpc servers",
		Long:               "Benchmarks the demo functions of a server started with tinyrpc serve. Both sides must use the same serializer.",
		PersistentPreRunE:  setupClient,
		PersistentPostRunE: closeClient,
		PreRunE:            processPerfConfig,
		RunE:               runPerf,
	}
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfSkip             = make([]string, 0)
)

// percentiles reported for every benchmark
var percentiles = []float64{0.5, 0.9, 0.99}

// perfResult combines the benchmark result with the latency distribution of single calls
type perfResult struct {
	testing.BenchmarkResult
	latency metrics.Timer
	errors  int64
}

func init() {
	util.SetupRPCClientFlags(PerfCmd)

	// add flags
	key := "skip"
	PerfCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. add,sha256-large)"))
	key = "threads"
	PerfCmd.Flags().Int(key, 10, util.WrapString("Number of goroutines per CPU to use for the benchmark"))
	key = "large-value-size"
	PerfCmd.Flags().Int(key, 100, util.WrapString("How large the payload for the sha256-large test should be (in KB)"))
	key = "csv"
	PerfCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfNumThreads = viper.GetInt("threads")
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	if perfNumThreads <= 0 {
		return errors.New("threads must be greater than 0")
	}
	return nil
}

func runPerf(_ *cobra.Command, _ []string) error {

	fmt.Println("Performance testing tool for tinyrpc servers")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Printf("Serializer: %s\n", rpcSerializer.Name())
	fmt.Println()

	fmt.Println("starting tests...")

	largeValue := make([]byte, perfLargeValueSizeKB*1024)

	tests := []struct {
		name string
		call func(ctx context.Context) error
	}{
		{"add", func(ctx context.Context) error {
			_, err := serializer.Invoke[int64](ctx, rpcPool, rpcSerializer, "add", [2]int64{1, 3})
			return err
		}},
		{"get_value", func(ctx context.Context) error {
			_, err := serializer.Invoke[int64](ctx, rpcPool, rpcSerializer, "get_value", serializer.Void{})
			return err
		}},
		{"sleep", func(ctx context.Context) error {
			_, err := serializer.Invoke[int64](ctx, rpcPool, rpcSerializer, "sleep", int64(0))
			return err
		}},
		{"sha256", func(ctx context.Context) error {
			_, err := serializer.Invoke[string](ctx, rpcPool, rpcSerializer, "sha256", []byte("test"))
			return err
		}},
		{"sha256-large", func(ctx context.Context) error {
			_, err := serializer.Invoke[string](ctx, rpcPool, rpcSerializer, "sha256", largeValue)
			return err
		}},
		{"not-found", func(ctx context.Context) error {
			_, err := serializer.Invoke[serializer.Void](ctx, rpcPool, rpcSerializer, "__not_found", serializer.Void{})
			if errors.Is(err, common.ErrFunctionNotFound) {
				return nil
			}
			return err
		}},
	}

	// Create results map
	results := make(map[string]perfResult)
	for _, test := range tests {
		if slices.Contains(perfSkip, test.name) {
			results[test.name] = perfResult{}
			printResult(test.name, perfResult{})
			continue
		}

		res := benchmark(test.name, test.call)
		results[test.name] = res
		printResult(test.name, res)
	}

	// Write results to CSV if path is provided
	if csvPath := viper.GetString("csv"); csvPath != "" {
		if err := writeResultsToCSV(csvPath, results, util.GetClientConfig()); err != nil {
			return err
		}
		fmt.Printf("\nResults written to %s\n", csvPath)
	}

	return nil
}

// benchmark runs call in parallel and records the latency of every call
func benchmark(name string, call func(ctx context.Context) error) perfResult {
	var res perfResult

	res.BenchmarkResult = testing.Benchmark(func(b *testing.B) {
		// testing.Benchmark runs the function several times, only the last run is kept
		if res.latency != nil {
			res.latency.Stop()
		}
		res.latency = metrics.NewTimer()
		failed := metrics.NewCounter()

		b.SetParallelism(perfNumThreads)

		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			ctx := context.Background()
			for pb.Next() {
				start := time.Now()
				if err := call(ctx); err != nil {
					failed.Inc(1)
					log.Printf("(%s) - error calling function: %v\n", name, err)
					continue
				}
				res.latency.UpdateSince(start)
			}
		})

		res.errors = failed.Count()
	})

	if res.latency != nil {
		res.latency.Stop()
	}
	return res
}

func printResult(test string, result perfResult) {
	if result.NsPerOp() == 0 || result.latency == nil {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)
	ps := result.latency.Percentiles(percentiles)

	// Print the formatted result
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\tp50 %s\tp90 %s\tp99 %s\terrors %d\n",
		test, nsPerOp, time.Duration(nsPerOp), opsPerSec,
		time.Duration(ps[0]), time.Duration(ps[1]), time.Duration(ps[2]), result.errors)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]perfResult, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "P50Ns", "P90Ns", "P99Ns", "Errors", "Skipped",
		"Endpoints", "TimeoutSec", "ConnectionsPerEndpoint",
		"Serializer", "Transport",
		"Threads", "LargeValueSizeKB",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for test, result := range results {
		var nsPerOp float64
		var opsPerSec float64
		var skipped string
		ps := make([]float64, len(percentiles))

		if result.NsPerOp() == 0 || result.latency == nil {
			skipped = "true"
		} else {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
			ps = result.latency.Percentiles(percentiles)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			fmt.Sprintf("%.0f", ps[0]),
			fmt.Sprintf("%.0f", ps[1]),
			fmt.Sprintf("%.0f", ps[2]),
			strconv.FormatInt(result.errors, 10),
			skipped,
			strings.Join(config.Transport.Endpoints, ";"),
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.Transport.ConnectionsPerEndpoint),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}

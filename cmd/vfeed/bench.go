package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vectorfeed/vectorfeed/internal/bench"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run pipeline microbenchmarks",
	Long: `bench isolates one pipeline stage at a time and reports its throughput:

  convert   synthetic JSON through the parse/resize/serialize chain
  queue     fill and drain the IPC handoff queue
  publish   drain a pre-filled queue against a live Pulsar broker`,
}

var benchCSV bool

func init() {
	rootCmd.AddCommand(benchCmd)

	benchCmd.PersistentFlags().BoolVar(&benchCSV, "csv", false, "emit one CSV line instead of the human-readable report")
	benchCmd.PersistentFlags().Int("jsons", 100000, "number of synthetic JSON documents")
	benchCmd.PersistentFlags().Int("threads", 4, "worker goroutine count")
	benchCmd.PersistentFlags().Int("buffers", 8, "buffer pool size")
	benchCmd.PersistentFlags().Int("buffer-capacity", 4<<20, "bytes per input buffer")
	benchCmd.PersistentFlags().Int64("max-rows", 4096, "row cap per IPC message")
	benchCmd.PersistentFlags().Int64("max-ipc", (5<<20)-(10<<10), "max serialized IPC message size in bytes")

	convertCmd := &cobra.Command{
		Use:   "convert",
		Short: "Benchmark the parse/resize/serialize chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd, bench.RunConvert)
		},
	}

	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Benchmark the IPC handoff queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd, bench.RunQueue)
		},
	}

	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Benchmark Pulsar publishing (needs a running broker)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd, bench.RunPublish)
		},
	}
	publishCmd.Flags().String("publish-url", "pulsar://localhost:6650", "Pulsar service URL")
	publishCmd.Flags().String("publish-topic", "vfeed-bench", "Pulsar topic")

	benchCmd.AddCommand(convertCmd, queueCmd, publishCmd)
}

func benchOptions(cmd *cobra.Command) bench.Options {
	opt := bench.DefaultOptions()
	f := cmd.Flags()
	opt.NumJSONs, _ = f.GetInt("jsons")
	opt.NumThreads, _ = f.GetInt("threads")
	opt.NumBuffers, _ = f.GetInt("buffers")
	opt.BufferCap, _ = f.GetInt("buffer-capacity")
	opt.MaxRows, _ = f.GetInt64("max-rows")
	opt.MaxIPCSize, _ = f.GetInt64("max-ipc")
	if f.Lookup("publish-url") != nil {
		opt.PublishURL, _ = f.GetString("publish-url")
		opt.PublishTopic, _ = f.GetString("publish-topic")
	}
	return opt
}

func runBench(cmd *cobra.Command, run func(bench.Options) (bench.Result, error)) error {
	res, err := run(benchOptions(cmd))
	if err != nil {
		return err
	}
	report(res)
	return nil
}

func report(r bench.Result) {
	if benchCSV {
		fmt.Fprintf(os.Stdout, "%s,%d,%f,%f,%f,%d,%d,%d,%f\n",
			r.Name, r.NumJSONs,
			r.GenerateTime.Seconds(), r.InitTime.Seconds(), r.RunTime.Seconds(),
			r.NumRows, r.NumMessages, r.BytesOut, r.RowsPerSecond())
		return
	}
	fmt.Printf("benchmark:  %s\n", r.Name)
	fmt.Printf("jsons:      %d\n", r.NumJSONs)
	if r.GenerateTime > 0 {
		fmt.Printf("generate:   %v\n", r.GenerateTime)
	}
	if r.InitTime > 0 {
		fmt.Printf("init:       %v\n", r.InitTime)
	}
	fmt.Printf("run:        %v\n", r.RunTime)
	fmt.Printf("rows:       %d\n", r.NumRows)
	fmt.Printf("messages:   %d\n", r.NumMessages)
	if r.BytesOut > 0 {
		fmt.Printf("bytes out:  %d\n", r.BytesOut)
	}
	fmt.Printf("rows/sec:   %.0f\n", r.RowsPerSecond())
}

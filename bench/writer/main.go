package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nuid"
	"github.com/urfave/cli"

	"github.com/liftbridge-io/liftbridge-journal/bench/common"
	"github.com/liftbridge-io/liftbridge-journal/server"
	"github.com/liftbridge-io/liftbridge-journal/server/logger"
	"github.com/liftbridge-io/liftbridge-journal/server/seqfile"
)

func main() {
	app := cli.NewApp()
	app.Name = "liftbridge-journal-bench"
	app.Usage = "Benchmark tool for journal group commit"
	app.Version = "1.0.0"
	app.Flags = getFlags()
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "load journal configuration from `FILE`",
		},
		cli.StringFlag{
			Name:  "dir, d",
			Usage: "parent directory of the benchmark journal",
			Value: os.TempDir(),
		},
		cli.StringFlag{
			Name:  "type, t",
			Usage: "journal backend: buffered, direct",
		},
		cli.IntFlag{
			Name:  "records, n",
			Usage: "Total number of records to append",
			Value: 100000,
		},
		cli.IntFlag{
			Name:  "record-size, rs",
			Usage: "Size of each record in bytes",
			Value: 256,
		},
		cli.IntFlag{
			Name:  "concurrent, w",
			Usage: "Number of concurrent writer goroutines",
			Value: 1,
		},
		cli.IntFlag{
			Name:  "in-flight, i",
			Usage: "Appends each writer keeps outstanding before waiting",
			Value: 1,
		},
		cli.BoolFlag{
			Name:  "sync",
			Usage: "Request durable appends",
		},
		cli.BoolFlag{
			Name:  "keep",
			Usage: "Keep the journal files after benchmarking",
		},
		cli.StringFlag{
			Name:  "output, o",
			Usage: "Output format: text, json",
			Value: "text",
		},
	}
}

func run(c *cli.Context) error {
	numRecords := c.Int("records")
	recordSize := c.Int("record-size")
	concurrent := c.Int("concurrent")
	inFlight := c.Int("in-flight")
	if numRecords <= 0 {
		return fmt.Errorf("records must be > 0")
	}
	if recordSize <= 0 {
		return fmt.Errorf("record-size must be > 0")
	}
	if concurrent <= 0 {
		concurrent = 1
	}
	if inFlight <= 0 {
		inFlight = 1
	}

	config, err := server.NewConfig(c.String("config"))
	if err != nil {
		return err
	}
	if name := c.String("type"); name != "" {
		backend, err := seqfile.ParseBackend(name)
		if err != nil {
			return err
		}
		config.Journal.Backend = backend
	}
	config.DataDir = filepath.Join(c.String("dir"), "journal-bench-"+nuid.Next())
	if !c.Bool("keep") {
		defer os.RemoveAll(config.DataDir)
	}

	log := logger.NewLogger(config.LogLevel)
	log.Prefix("[bench] ")
	journal, err := server.OpenJournal(config, log)
	if err != nil {
		return err
	}
	journal.HandleSignals()
	fmt.Printf("Journal: %s %s\n", config.DataDir, config.Journal)

	// Pre-generate records (NOT timed)
	fmt.Printf("Pre-generating %d records of %d bytes each...\n", numRecords, recordSize)
	records := common.PreGenerateRecords(numRecords, recordSize)

	stats := common.NewStats()
	fmt.Printf("Starting benchmark with %d writer(s), in-flight=%d, sync=%t...\n", concurrent, inFlight, c.Bool("sync"))
	fmt.Println("---")

	stats.Start()
	err = runBenchmark(journal, common.Split(records, concurrent), inFlight, c.Bool("sync"), stats)
	stats.Stop()
	if err != nil {
		journal.Close()
		return fmt.Errorf("benchmark failed: %w", err)
	}

	bufferStats := journal.Stats()
	if err := journal.Close(); err != nil {
		return err
	}
	fmt.Printf("Wrote %d journal files\n", len(journal.Files()))
	return common.PrintResults(os.Stdout, common.NewResult(stats, bufferStats.Flushes, bufferStats.Items), c.String("output"))
}

func runBenchmark(journal *server.Journal, parts [][][]byte, inFlight int, durable bool, stats *common.Stats) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		written  int64
		total    int
		firstErr error
	)
	for _, part := range parts {
		total += len(part)
	}

	// Progress reporter
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				count := atomic.LoadInt64(&written)
				fmt.Printf("Progress: %d/%d (%.1f%%)\n", count, total, float64(count)/float64(total)*100)
			case <-done:
				return
			}
		}
	}()

	for _, part := range parts {
		wg.Add(1)
		go func(records [][]byte) {
			defer wg.Done()
			for i := 0; i < len(records); i += inFlight {
				end := i + inFlight
				if end > len(records) {
					end = len(records)
				}
				var batch sync.WaitGroup
				for _, record := range records[i:end] {
					size := len(record)
					sent := time.Now()
					batch.Add(1)
					err := journal.Append(record, durable, seqfile.CallbackFunc(func(err error) {
						defer batch.Done()
						if err != nil {
							stats.RecordError()
							return
						}
						stats.RecordWritten(size, time.Since(sent))
						atomic.AddInt64(&written, 1)
					}))
					if err != nil {
						batch.Done()
						stats.RecordError()
						mu.Lock()
						if firstErr == nil {
							firstErr = err
						}
						mu.Unlock()
					}
				}
				// Wait for every append of this round before the next one
				batch.Wait()
			}
		}(part)
	}
	wg.Wait()
	close(done)

	return firstErr
}

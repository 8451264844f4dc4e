package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/rowlock/cfg"
	"github.com/maxpert/rowlock/db"
	"github.com/maxpert/rowlock/lock"
	"github.com/rs/zerolog/log"
)

const benchTable = "rowlock_bench"

type benchResult struct {
	Workers       int     `json:"workers"`
	Inserted      int64   `json:"inserted"`
	Updated       int64   `json:"updated"`
	LockBusy      int64   `json:"lock_busy"`
	StorageBusy   int64   `json:"storage_busy"`
	Missing       int64   `json:"missing"`
	Failed        int64   `json:"failed"`
	ElapsedMS     int64   `json:"elapsed_ms"`
	RowsPerSecond float64 `json:"rows_per_second"`
}

// runBench opens one connection per worker and has each insert and update rows
// concurrently, every connection being its own lock holder.
func runBench(database string, args []string, out io.Writer) error {
	workers, rows := 4, 1000
	var err error
	if len(args) > 0 {
		if workers, err = strconv.Atoi(args[0]); err != nil || workers < 1 {
			return fmt.Errorf("invalid worker count %q", args[0])
		}
	}
	if len(args) > 1 {
		if rows, err = strconv.Atoi(args[1]); err != nil || rows < 1 {
			return fmt.Errorf("invalid row count %q", args[1])
		}
	}

	ctx := context.Background()
	conns := make([]*db.Database, 0, workers)
	defer func() {
		for _, d := range conns {
			d.Close()
		}
	}()
	for i := 0; i < workers; i++ {
		d, err := db.Open(database, cfg.Config)
		if err != nil {
			return err
		}
		conns = append(conns, d)
	}

	exists, err := conns[0].TableExists(ctx, benchTable)
	if err != nil {
		return err
	}
	if !exists {
		if err := conns[0].CreateTable(ctx, benchTable, "worker INTEGER, seq INTEGER, touched INTEGER"); err != nil {
			return err
		}
	}

	var inserted, updated, lockBusy, storageBusy, missing, failed atomic.Int64
	count := func(err error) bool {
		switch {
		case err == nil:
			return true
		case lock.IsBusy(err):
			lockBusy.Add(1)
		case errors.Is(err, db.ErrStorageBusy):
			storageBusy.Add(1)
		case errors.Is(err, db.ErrRowNotFound):
			// the neighbour key was handed out but its insert failed
			missing.Add(1)
		default:
			failed.Add(1)
			log.Debug().Err(err).Msg("Bench operation failed")
		}
		return false
	}

	start := time.Now()
	var wg sync.WaitGroup
	for w, d := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last int64
			for seq := 0; seq < rows; seq++ {
				key, err := d.Insert(ctx, benchTable, map[string]any{"worker": w, "seq": seq})
				if count(err) {
					inserted.Add(1)
					last = key
				}
				// touch a neighbour's row now and then to exercise row conflicts
				if last > 1 && seq%10 == 0 {
					if count(d.Update(ctx, benchTable, last-1, map[string]any{"touched": seq})) {
						updated.Add(1)
					}
				}
			}
		}()
	}
	wg.Wait()

	elapsed := time.Since(start)
	res := benchResult{
		Workers:     workers,
		Inserted:    inserted.Load(),
		Updated:     updated.Load(),
		LockBusy:    lockBusy.Load(),
		StorageBusy: storageBusy.Load(),
		Missing:     missing.Load(),
		Failed:      failed.Load(),
		ElapsedMS:   elapsed.Milliseconds(),
	}
	if elapsed > 0 {
		res.RowsPerSecond = float64(res.Inserted) / elapsed.Seconds()
	}
	return writeJSON(out, res)
}

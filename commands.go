package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/maxpert/rowlock/admin"
	"github.com/maxpert/rowlock/cfg"
	"github.com/maxpert/rowlock/encoding"
	"github.com/maxpert/rowlock/segment"
	"github.com/maxpert/rowlock/telemetry"
	"github.com/rs/zerolog/log"
)

func attach(database string) (*segment.Segment, error) {
	path := cfg.Config.SegmentPath(database)
	seg, err := segment.Attach(path, cfg.Config.RowLock.SegmentConfig())
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", path, err)
	}
	return seg, nil
}

// segmentStats adapts a segment to the metrics collector
func segmentStats(seg *segment.Segment) telemetry.StatsFunc {
	return func() (telemetry.SegmentStats, error) {
		st, err := seg.Stats()
		if err != nil {
			return telemetry.SegmentStats{}, err
		}
		return telemetry.SegmentStats{
			Holders:    st.Holders,
			RowsUsed:   st.RowsUsed,
			RowSlots:   st.RowSlots,
			TablesUsed: st.TablesUsed,
			TableSlots: st.TableSlots,
		}, nil
	}
}

func runServe(database string) error {
	seg, err := attach(database)
	if err != nil {
		return err
	}
	defer seg.Detach()

	collector := telemetry.NewMetricsCollector(segmentStats(seg),
		time.Duration(cfg.Config.Prometheus.CollectIntervalMS)*time.Millisecond)
	if telemetry.Enabled() {
		collector.Start()
		defer collector.Stop()
	}

	servers, err := startHTTP(seg)
	if err != nil {
		return err
	}

	log.Info().
		Str("database", database).
		Str("segment", seg.Path()).
		Uint64("holder", uint64(seg.Holder())).
		Msg("Lock segment served")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Str("address", srv.Addr).Msg("HTTP shutdown failed")
		}
	}
	return nil
}

// startHTTP serves admin, pprof and metrics. Endpoints configured on the same address share
// one server.
func startHTTP(seg *segment.Segment) ([]*http.Server, error) {
	muxes := make(map[string]*http.ServeMux)
	var order []string
	muxFor := func(address string, port int) *http.ServeMux {
		addr := net.JoinHostPort(address, strconv.Itoa(port))
		if m, ok := muxes[addr]; ok {
			return m
		}
		m := http.NewServeMux()
		muxes[addr] = m
		order = append(order, addr)
		return m
	}

	if conf := cfg.Config.Admin; conf.Enabled {
		mux := muxFor(conf.Address, conf.Port)
		admin.RegisterRoutes(mux, admin.NewAdminHandlers(seg))

		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	if h := telemetry.GetMetricsHandler(); h != nil {
		conf := cfg.Config.Prometheus
		muxFor(conf.Address, conf.Port).Handle("/metrics", h)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}

	servers := make([]*http.Server, 0, len(order))
	for _, addr := range order {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			for _, srv := range servers {
				srv.Close()
			}
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		srv := &http.Server{Addr: addr, Handler: muxes[addr], ReadHeaderTimeout: 10 * time.Second}
		servers = append(servers, srv)

		go func() {
			if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("address", addr).Msg("HTTP server failed")
			}
		}()
		log.Info().Str("address", addr).Msg("HTTP server listening")
	}
	return servers, nil
}

func runInspect(database string, out io.Writer) error {
	seg, err := attach(database)
	if err != nil {
		return err
	}
	defer seg.Detach()

	snap, err := seg.Snapshot()
	if err != nil {
		return err
	}
	return writeJSON(out, snap)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runSweep(database string, out io.Writer) error {
	seg, err := attach(database)
	if err != nil {
		return err
	}
	defer seg.Detach()

	res, err := seg.Sweep()
	if err != nil {
		return err
	}
	if res.Holders > 0 {
		telemetry.SegmentSweepsTotal.Inc()
	}
	log.Info().
		Int("holders", res.Holders).
		Int("rows", res.Rows).
		Int("tables", res.Tables).
		Msg("Sweep completed")
	return writeJSON(out, res)
}

func runDump(database, file string) error {
	seg, err := attach(database)
	if err != nil {
		return err
	}
	defer seg.Detach()

	snap, err := seg.Snapshot()
	if err != nil {
		return err
	}

	if file == "" || file == "-" {
		return encoding.WriteSnapshot(os.Stdout, snap)
	}
	f, err := os.Create(file)
	if err != nil {
		return fmt.Errorf("create dump: %w", err)
	}
	if err := encoding.WriteSnapshot(f, snap); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func runReset(database string) error {
	path := cfg.Config.SegmentPath(database)
	if err := segment.Reset(path); err != nil {
		return err
	}
	log.Info().Str("segment", path).Msg("Lock segment reset")
	return nil
}

// Package segment implements the shared lock segment: a memory-mapped file holding
// fixed-capacity tables of holder, table-lock and row-lock records that every process
// attaching the same database sees identically.
//
// Structural access is serialized by a segment-wide mutex made of an in-process
// sync.Mutex and an flock on the segment file. Nothing in this package blocks except
// for the duration of another holder's critical section.
package segment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Segment is one attachment of a shared lock segment. It owns exactly one holder slot.
type Segment struct {
	path  string
	ident string
	conf  Config
	probe LivenessProbe
	now   func() time.Time

	mu     sync.Mutex
	file   *os.File
	fmu    fileMutex
	data   region
	geo    geometry
	holder HolderID
	closed bool

	stopHeartbeat chan struct{}
	wg            sync.WaitGroup
}

// Option customizes Attach.
type Option func(*Segment)

// WithProbe replaces the default process liveness probe.
func WithProbe(p LivenessProbe) Option {
	return func(s *Segment) { s.probe = p }
}

// WithClock overrides the wall clock used for heartbeats.
func WithClock(now func() time.Time) Option {
	return func(s *Segment) { s.now = now }
}

// Attach maps the segment at path, creating and sizing it on first use, and registers
// the caller as a new holder.
func Attach(path string, conf Config, opts ...Option) (*Segment, error) {
	conf = conf.withDefaults()

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve segment path: %w", err)
	}

	s := &Segment{
		path:  path,
		ident: abs,
		conf:  conf,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.probe == nil {
		s.probe = processProbe{stale: conf.StaleHolderTimeout, now: s.now}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}
	s.file = f
	s.fmu = fileMutex{f: f}

	if err := s.fmu.lock(); err != nil {
		f.Close()
		return nil, err
	}
	err = s.attachLocked()
	if uerr := s.fmu.unlock(); err == nil && uerr != nil {
		err = fmt.Errorf("unlock segment: %w", uerr)
	}
	if err != nil {
		unmapFile(s.data)
		f.Close()
		return nil, err
	}

	attached.Store(attachedKey(s.ident, s.holder), struct{}{})

	if conf.HeartbeatInterval > 0 {
		s.stopHeartbeat = make(chan struct{})
		s.wg.Add(1)
		go s.heartbeatLoop(conf.HeartbeatInterval)
	}

	log.Debug().
		Str("path", path).
		Uint64("holder", uint64(s.holder)).
		Int("row_slots", s.geo.rowSlots).
		Int("table_slots", s.geo.tableSlots).
		Msg("Attached lock segment")

	return s, nil
}

func (s *Segment) attachLocked() error {
	want := geometry{
		holderSlots: s.conf.MaxHolders,
		tableSlots:  s.conf.TableSlots(),
		rowSlots:    s.conf.RowSlots(),
	}
	if want.tableSlots == 0 || want.rowSlots == 0 {
		return fmt.Errorf("segment config too small: %d table slots, %d row slots", want.tableSlots, want.rowSlots)
	}

	st, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("stat segment: %w", err)
	}

	if st.Size() == 0 {
		return s.create(want, 0)
	}

	hdr := make(region, headerSize)
	if _, err := s.file.ReadAt(hdr, 0); err != nil {
		return &CorruptError{Path: s.path, Reason: fmt.Sprintf("read header: %v", err)}
	}
	geo, err := readGeometry(s.path, hdr, st.Size())
	if err != nil {
		return err
	}

	if err := s.mapGeometry(geo); err != nil {
		return err
	}

	t := &Txn{s: s}
	res := t.sweep()
	if res.Holders > 0 {
		log.Warn().
			Str("path", s.path).
			Int("holders", res.Holders).
			Int("rows", res.Rows).
			Int("tables", res.Tables).
			Msg("Reclaimed dead lock holders on attach")
	}

	if kind, existing, configured, short := geo.shortOf(want); short {
		live := int(s.data.u32(offHoldersUsed))
		if live > 0 {
			return &SizeError{Kind: kind, Existing: existing, Configured: configured, Holders: live}
		}
		nextID := s.data.u64(offNextHolderID)
		if err := unmapFile(s.data); err != nil {
			return fmt.Errorf("unmap segment: %w", err)
		}
		s.data = nil
		log.Info().
			Str("path", s.path).
			Str("region", string(kind)).
			Int("from", existing).
			Int("to", configured).
			Msg("Growing lock segment")
		return s.create(geo.grow(want), nextID)
	}

	return s.register()
}

func (s *Segment) create(geo geometry, nextID uint64) error {
	if err := s.file.Truncate(int64(geo.size())); err != nil {
		return fmt.Errorf("size segment: %w", err)
	}
	if err := s.mapGeometry(geo); err != nil {
		return err
	}
	initHeader(s.data, geo, nextID, s.now())
	return s.register()
}

func (s *Segment) mapGeometry(geo geometry) error {
	data, err := mapFile(s.file, geo.size())
	if err != nil {
		return err
	}
	s.data = data
	s.geo = geo
	return nil
}

// shortOf reports the first region of g that is smaller than want.
func (g geometry) shortOf(want geometry) (RegionKind, int, int, bool) {
	switch {
	case g.holderSlots < want.holderSlots:
		return RegionHolders, g.holderSlots, want.holderSlots, true
	case g.tableSlots < want.tableSlots:
		return RegionTables, g.tableSlots, want.tableSlots, true
	case g.rowSlots < want.rowSlots:
		return RegionRows, g.rowSlots, want.rowSlots, true
	}
	return "", 0, 0, false
}

func (g geometry) grow(want geometry) geometry {
	return geometry{
		holderSlots: max(g.holderSlots, want.holderSlots),
		tableSlots:  max(g.tableSlots, want.tableSlots),
		rowSlots:    max(g.rowSlots, want.rowSlots),
	}
}

func (s *Segment) register() error {
	t := &Txn{s: s}
	id, err := t.addHolder(selfPID, s.now())
	if err != nil {
		return err
	}
	s.holder = id
	return nil
}

// Holder returns the id of this attachment's holder.
func (s *Segment) Holder() HolderID {
	return s.holder
}

// Path returns the segment file path.
func (s *Segment) Path() string {
	return s.path
}

// Config returns the configuration the segment was attached with.
func (s *Segment) Config() Config {
	return s.conf
}

// Update runs fn with the segment mutex held. Changes made through the Txn are visible
// to every other attachment as soon as fn returns.
func (s *Segment) Update(fn func(t *Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrDetached
	}
	if err := s.fmu.lock(); err != nil {
		return err
	}
	defer s.fmu.unlock()

	if err := s.check(); err != nil {
		return err
	}
	return fn(&Txn{s: s})
}

// View runs fn with the segment mutex held. Lock records span several words, so reads
// are serialized exactly like writes.
func (s *Segment) View(fn func(t *Txn) error) error {
	return s.Update(fn)
}

// check verifies that the mapping still carries a valid header and that this holder has
// not been reclaimed by another process.
func (s *Segment) check() error {
	if string(s.data[offMagic:offMagic+8]) != magic {
		return &CorruptError{Path: s.path, Reason: "bad magic"}
	}
	if int(s.data.u32(offRowSlots)) != s.geo.rowSlots ||
		int(s.data.u32(offTableSlots)) != s.geo.tableSlots ||
		int(s.data.u32(offHolderSlots)) != s.geo.holderSlots {
		return &CorruptError{Path: s.path, Reason: "geometry changed while attached"}
	}
	t := &Txn{s: s}
	if _, ok := t.holderIndex(s.holder); !ok {
		return fmt.Errorf("holder %d: %w", s.holder, ErrHolderDead)
	}
	return nil
}

// Heartbeat refreshes this holder's heartbeat timestamp.
func (s *Segment) Heartbeat() error {
	return s.Update(func(t *Txn) error {
		idx, ok := t.holderIndex(s.holder)
		if !ok {
			return ErrHolderDead
		}
		t.holderSlot(idx).putI64(holderOffHeartbeat, s.now().UnixNano())
		return nil
	})
}

func (s *Segment) heartbeatLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Heartbeat(); err != nil {
				if errors.Is(err, ErrDetached) {
					return
				}
				log.Warn().Err(err).Uint64("holder", uint64(s.holder)).Msg("Lock segment heartbeat failed")
			}
		case <-s.stopHeartbeat:
			return
		}
	}
}

// SweepResult counts what a sweep reclaimed.
type SweepResult struct {
	Holders int `json:"holders" msgpack:"holders"`
	Tables  int `json:"tables" msgpack:"tables"`
	Rows    int `json:"rows" msgpack:"rows"`
}

// Sweep probes every holder and reclaims the dead ones together with their records.
func (s *Segment) Sweep() (SweepResult, error) {
	var res SweepResult
	err := s.Update(func(t *Txn) error {
		res = t.sweep()
		return nil
	})
	return res, err
}

// Stats summarizes capacity and occupancy.
type Stats struct {
	Path         string `json:"path" msgpack:"path"`
	Holder       uint64 `json:"holder" msgpack:"holder"`
	HolderSlots  int    `json:"holder_slots" msgpack:"holder_slots"`
	Holders      int    `json:"holders" msgpack:"holders"`
	TableSlots   int    `json:"table_slots" msgpack:"table_slots"`
	TablesUsed   int    `json:"tables_used" msgpack:"tables_used"`
	RowSlots     int    `json:"row_slots" msgpack:"row_slots"`
	RowsUsed     int    `json:"rows_used" msgpack:"rows_used"`
	NextHolderID uint64 `json:"next_holder_id" msgpack:"next_holder_id"`
	Generation   uint64 `json:"generation" msgpack:"generation"`
}

// Stats returns the current occupancy of the segment.
func (s *Segment) Stats() (Stats, error) {
	var st Stats
	err := s.View(func(t *Txn) error {
		st = t.stats()
		return nil
	})
	return st, err
}

// Snapshot is a consistent copy of every live record.
type Snapshot struct {
	Stats   Stats         `json:"stats" msgpack:"stats"`
	Holders []HolderInfo  `json:"holders" msgpack:"holders"`
	Tables  []TableRecord `json:"tables" msgpack:"tables"`
	Rows    []RowRecord   `json:"rows" msgpack:"rows"`
}

// Snapshot copies all records under the segment mutex.
func (s *Segment) Snapshot() (*Snapshot, error) {
	snap := &Snapshot{}
	err := s.View(func(t *Txn) error {
		snap.Stats = t.stats()
		snap.Holders = t.Holders()
		t.forEachTable(func(_ int, rec TableRecord) {
			snap.Tables = append(snap.Tables, rec)
		})
		t.forEachRow(func(_ int, rec RowRecord) {
			snap.Rows = append(snap.Rows, rec)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Detach releases every record of this holder and unmaps the segment. When this was the
// last live holder, records left behind by dead holders are swept first so the next
// attach starts clean. Detach is idempotent.
func (s *Segment) Detach() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stop := s.stopHeartbeat
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		s.wg.Wait()
	}

	var rows, tables int
	var swept SweepResult
	err := s.fmu.lock()
	if err == nil {
		if string(s.data[offMagic:offMagic+8]) == magic {
			t := &Txn{s: s}
			rows, tables = t.ReleaseHolder(s.holder)
			t.removeHolder(s.holder)
			if t.liveHolders() == 0 {
				swept = t.sweep()
			}
		}
		syncMapping(s.data)
		s.fmu.unlock()
	}

	attached.Delete(attachedKey(s.ident, s.holder))

	if uerr := unmapFile(s.data); uerr != nil && err == nil {
		err = fmt.Errorf("unmap segment: %w", uerr)
	}
	s.data = nil
	if cerr := s.file.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close segment: %w", cerr)
	}

	log.Debug().
		Str("path", s.path).
		Uint64("holder", uint64(s.holder)).
		Int("rows_released", rows).
		Int("tables_released", tables).
		Int("dead_holders_swept", swept.Holders).
		Msg("Detached lock segment")

	return err
}

// Reset discards every record of the segment at path when no live holder is attached.
// A readable segment is re-initialized in place at its current size, keeping the holder
// id counter, so a process that still maps it sees ErrHolderDead instead of a fault. A
// segment whose header cannot be read is truncated and re-created by the next Attach.
func Reset(path string, opts ...Option) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve segment path: %w", err)
	}
	s := &Segment{path: path, ident: abs, file: f, fmu: fileMutex{f: f}, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.probe == nil {
		s.probe = processProbe{now: s.now}
	}

	if err := s.fmu.lock(); err != nil {
		return err
	}
	defer s.fmu.unlock()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat segment: %w", err)
	}

	geo, ok := readableGeometry(path, f, st.Size())
	if !ok {
		if err := f.Truncate(0); err != nil {
			return fmt.Errorf("truncate segment: %w", err)
		}
		log.Info().Str("path", path).Msg("Lock segment truncated")
		return nil
	}

	if err := s.mapGeometry(geo); err != nil {
		return err
	}
	defer func() {
		unmapFile(s.data)
		s.data = nil
	}()

	t := &Txn{s: s}
	t.sweep()
	if live := t.liveHolders(); live > 0 {
		return fmt.Errorf("%d holders attached: %w", live, ErrSegmentInUse)
	}
	initHeader(s.data, geo, s.data.u64(offNextHolderID), s.now())
	if err := syncMapping(s.data); err != nil {
		return fmt.Errorf("sync segment: %w", err)
	}

	log.Info().Str("path", path).Msg("Lock segment reset")
	return nil
}

func readableGeometry(path string, f *os.File, size int64) (geometry, bool) {
	if size < headerSize {
		return geometry{}, false
	}
	hdr := make(region, headerSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		return geometry{}, false
	}
	geo, err := readGeometry(path, hdr, size)
	if err != nil {
		return geometry{}, false
	}
	return geo, true
}

package segment

import (
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
)

func hashKey(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// TableRecord is one holder's lock on a table. Level is interpreted by the lock package.
type TableRecord struct {
	TableID uint64   `json:"table_id" msgpack:"table_id"`
	Holder  HolderID `json:"holder" msgpack:"holder"`
	Level   uint32   `json:"level" msgpack:"level"`
}

// RowRecord is one holder's lock on a row.
type RowRecord struct {
	TableID uint64   `json:"table_id" msgpack:"table_id"`
	RowKey  int64    `json:"row_key" msgpack:"row_key"`
	Holder  HolderID `json:"holder" msgpack:"holder"`
	Level   uint32   `json:"level" msgpack:"level"`
}

// Txn is the view of the segment handed to Update and View callbacks. It must not be
// retained after the callback returns.
type Txn struct {
	s *Segment
}

// Self returns the holder of the attachment running the transaction.
func (t *Txn) Self() HolderID {
	return t.s.holder
}

func (t *Txn) rows() hashed {
	return hashed{
		data:    t.s.data,
		base:    t.s.geo.rowsOff(),
		slots:   t.s.geo.rowSlots,
		usedOff: offRowsUsed,
		kind:    RegionRows,
		homeOf: func(slot region) int {
			return rowHome(slot.u64(rowOffTableID), slot.i64(rowOffRowKey), t.s.geo.rowSlots)
		},
	}
}

func (t *Txn) tables() hashed {
	return hashed{
		data:    t.s.data,
		base:    t.s.geo.tablesOff(),
		slots:   t.s.geo.tableSlots,
		usedOff: offTablesUsed,
		kind:    RegionTables,
		homeOf: func(slot region) int {
			return tableHome(slot.u64(tableOffTableID), t.s.geo.tableSlots)
		},
	}
}

func decodeRow(slot region) RowRecord {
	return RowRecord{
		TableID: slot.u64(rowOffTableID),
		RowKey:  slot.i64(rowOffRowKey),
		Holder:  HolderID(slot.u64(rowOffHolder)),
		Level:   slot.u32(rowOffLevel),
	}
}

func decodeTable(slot region) TableRecord {
	return TableRecord{
		TableID: slot.u64(tableOffTableID),
		Holder:  HolderID(slot.u64(tableOffHolder)),
		Level:   slot.u32(tableOffLevel),
	}
}

// RowLocks returns every record on (tableID, rowKey) in probe order.
func (t *Txn) RowLocks(tableID uint64, rowKey int64) []RowRecord {
	var out []RowRecord
	rows := t.rows()
	rows.probe(rowHome(tableID, rowKey, rows.slots), func(_ int, slot region) bool {
		if slot.u64(rowOffTableID) == tableID && slot.i64(rowOffRowKey) == rowKey {
			out = append(out, decodeRow(slot))
		}
		return true
	})
	return out
}

func (t *Txn) findRow(tableID uint64, rowKey int64, h HolderID) (int, bool) {
	found := -1
	rows := t.rows()
	rows.probe(rowHome(tableID, rowKey, rows.slots), func(i int, slot region) bool {
		if slot.u64(rowOffTableID) == tableID && slot.i64(rowOffRowKey) == rowKey &&
			HolderID(slot.u64(rowOffHolder)) == h {
			found = i
			return false
		}
		return true
	})
	return found, found >= 0
}

// PutRow stores rec, replacing the level of an existing record of the same holder.
// A new record fails with ErrSegmentFull when the row region is exhausted and leaves
// the segment unchanged.
func (t *Txn) PutRow(rec RowRecord) error {
	rows := t.rows()
	if i, ok := t.findRow(rec.TableID, rec.RowKey, rec.Holder); ok {
		rows.at(i).putU32(rowOffLevel, rec.Level)
		bumpGeneration(t.s.data)
		return nil
	}
	slot, err := rows.insert(rowHome(rec.TableID, rec.RowKey, rows.slots))
	if err != nil {
		return err
	}
	slot.putU32(rowOffLevel, rec.Level)
	slot.putU64(rowOffTableID, rec.TableID)
	slot.putI64(rowOffRowKey, rec.RowKey)
	slot.putU64(rowOffHolder, uint64(rec.Holder))
	return nil
}

// DeleteRow removes h's record on (tableID, rowKey).
func (t *Txn) DeleteRow(tableID uint64, rowKey int64, h HolderID) bool {
	i, ok := t.findRow(tableID, rowKey, h)
	if !ok {
		return false
	}
	t.rows().remove(i)
	return true
}

// RowLockOnTable returns a holder other than except that holds any row lock on tableID.
func (t *Txn) RowLockOnTable(tableID uint64, except HolderID) (HolderID, bool) {
	var holder HolderID
	found := false
	rows := t.rows()
	for i := 0; i < rows.slots && !found; i++ {
		slot := rows.at(i)
		if slot.u32(rowOffState) != slotUsed || slot.u64(rowOffTableID) != tableID {
			continue
		}
		if h := HolderID(slot.u64(rowOffHolder)); h != except {
			holder, found = h, true
		}
	}
	return holder, found
}

func (t *Txn) forEachRow(fn func(i int, rec RowRecord)) {
	rows := t.rows()
	for i := 0; i < rows.slots; i++ {
		if rows.inUse(i) {
			fn(i, decodeRow(rows.at(i)))
		}
	}
}

// TableLocks returns every record on tableID in probe order.
func (t *Txn) TableLocks(tableID uint64) []TableRecord {
	var out []TableRecord
	tables := t.tables()
	tables.probe(tableHome(tableID, tables.slots), func(_ int, slot region) bool {
		if slot.u64(tableOffTableID) == tableID {
			out = append(out, decodeTable(slot))
		}
		return true
	})
	return out
}

func (t *Txn) findTable(tableID uint64, h HolderID) (int, bool) {
	found := -1
	tables := t.tables()
	tables.probe(tableHome(tableID, tables.slots), func(i int, slot region) bool {
		if slot.u64(tableOffTableID) == tableID && HolderID(slot.u64(tableOffHolder)) == h {
			found = i
			return false
		}
		return true
	})
	return found, found >= 0
}

// PutTable stores rec, replacing the level of an existing record of the same holder.
func (t *Txn) PutTable(rec TableRecord) error {
	tables := t.tables()
	if i, ok := t.findTable(rec.TableID, rec.Holder); ok {
		tables.at(i).putU32(tableOffLevel, rec.Level)
		bumpGeneration(t.s.data)
		return nil
	}
	slot, err := tables.insert(tableHome(rec.TableID, tables.slots))
	if err != nil {
		return err
	}
	slot.putU32(tableOffLevel, rec.Level)
	slot.putU64(tableOffTableID, rec.TableID)
	slot.putU64(tableOffHolder, uint64(rec.Holder))
	return nil
}

// DeleteTable removes h's record on tableID.
func (t *Txn) DeleteTable(tableID uint64, h HolderID) bool {
	i, ok := t.findTable(tableID, h)
	if !ok {
		return false
	}
	t.tables().remove(i)
	return true
}

func (t *Txn) forEachTable(fn func(i int, rec TableRecord)) {
	tables := t.tables()
	for i := 0; i < tables.slots; i++ {
		if tables.inUse(i) {
			fn(i, decodeTable(tables.at(i)))
		}
	}
}

// ReleaseHolder removes every row and table record owned by h.
func (t *Txn) ReleaseHolder(h HolderID) (rows, tables int) {
	t.rows().scan(func(i int, slot region) bool {
		if HolderID(slot.u64(rowOffHolder)) != h {
			return false
		}
		t.rows().remove(i)
		rows++
		return true
	})
	t.tables().scan(func(i int, slot region) bool {
		if HolderID(slot.u64(tableOffHolder)) != h {
			return false
		}
		t.tables().remove(i)
		tables++
		return true
	})
	return rows, tables
}

func (t *Txn) holderSlot(i int) region {
	return t.s.data.slot(t.s.geo.holdersOff(), i)
}

func (t *Txn) holderIndex(h HolderID) (int, bool) {
	for i := 0; i < t.s.geo.holderSlots; i++ {
		slot := t.holderSlot(i)
		if slot.u32(holderOffState) == slotUsed && HolderID(slot.u64(holderOffID)) == h {
			return i, true
		}
	}
	return -1, false
}

func (t *Txn) holderInfo(i int) HolderInfo {
	slot := t.holderSlot(i)
	info := HolderInfo{
		ID:         HolderID(slot.u64(holderOffID)),
		PID:        int(slot.u32(holderOffPID)),
		AttachedAt: time.Unix(0, slot.i64(holderOffAttached)),
		Heartbeat:  time.Unix(0, slot.i64(holderOffHeartbeat)),
	}
	if info.PID == selfPID {
		info.InProcess = true
		_, info.Attached = attached.Load(attachedKey(t.s.ident, info.ID))
	}
	return info
}

// Holder returns the shared record of h.
func (t *Txn) Holder(h HolderID) (HolderInfo, bool) {
	i, ok := t.holderIndex(h)
	if !ok {
		return HolderInfo{}, false
	}
	return t.holderInfo(i), true
}

// Holders returns every registered holder.
func (t *Txn) Holders() []HolderInfo {
	var out []HolderInfo
	for i := 0; i < t.s.geo.holderSlots; i++ {
		if t.holderSlot(i).u32(holderOffState) == slotUsed {
			out = append(out, t.holderInfo(i))
		}
	}
	return out
}

func (t *Txn) liveHolders() int {
	return int(t.s.data.u32(offHoldersUsed))
}

func (t *Txn) addHolder(pid int, now time.Time) (HolderID, error) {
	for i := 0; i < t.s.geo.holderSlots; i++ {
		slot := t.holderSlot(i)
		if slot.u32(holderOffState) == slotUsed {
			continue
		}
		id := HolderID(t.s.data.u64(offNextHolderID))
		t.s.data.putU64(offNextHolderID, uint64(id)+1)
		slot.clear()
		slot.putU64(holderOffID, uint64(id))
		slot.putU32(holderOffPID, uint32(pid))
		slot.putU32(holderOffState, slotUsed)
		slot.putI64(holderOffAttached, now.UnixNano())
		slot.putI64(holderOffHeartbeat, now.UnixNano())
		t.s.data.putU32(offHoldersUsed, uint32(t.liveHolders()+1))
		bumpGeneration(t.s.data)
		return id, nil
	}
	return 0, &FullError{Kind: RegionHolders, Capacity: t.s.geo.holderSlots}
}

func (t *Txn) removeHolder(h HolderID) bool {
	i, ok := t.holderIndex(h)
	if !ok {
		return false
	}
	t.holderSlot(i).clear()
	t.s.data.putU32(offHoldersUsed, uint32(t.liveHolders()-1))
	bumpGeneration(t.s.data)
	return true
}

// ReclaimIfDead probes h and, if it is dead, removes its holder slot and every record
// it owns. Records whose holder slot is already gone are orphans and are removed too.
// The calling holder is never reclaimed.
func (t *Txn) ReclaimIfDead(h HolderID) bool {
	if h == t.s.holder {
		return false
	}
	if i, ok := t.holderIndex(h); ok {
		if t.s.probe.Alive(t.holderInfo(i)) {
			return false
		}
		t.removeHolder(h)
	}
	rows, tables := t.ReleaseHolder(h)
	log.Info().
		Str("path", t.s.path).
		Uint64("holder", uint64(h)).
		Int("rows", rows).
		Int("tables", tables).
		Msg("Reclaimed dead lock holder")
	return true
}

// sweep reclaims every dead holder and every orphaned record.
func (t *Txn) sweep() SweepResult {
	var res SweepResult
	for _, info := range t.Holders() {
		if info.ID == t.s.holder || t.s.probe.Alive(info) {
			continue
		}
		t.removeHolder(info.ID)
		rows, tables := t.ReleaseHolder(info.ID)
		res.Holders++
		res.Rows += rows
		res.Tables += tables
	}

	registered := make(map[HolderID]bool)
	for _, info := range t.Holders() {
		registered[info.ID] = true
	}
	if t.s.holder != 0 && !t.s.closed {
		registered[t.s.holder] = true
	}
	t.rows().scan(func(i int, slot region) bool {
		if registered[HolderID(slot.u64(rowOffHolder))] {
			return false
		}
		t.rows().remove(i)
		res.Rows++
		return true
	})
	t.tables().scan(func(i int, slot region) bool {
		if registered[HolderID(slot.u64(tableOffHolder))] {
			return false
		}
		t.tables().remove(i)
		res.Tables++
		return true
	})
	return res
}

func (t *Txn) stats() Stats {
	return Stats{
		Path:         t.s.path,
		Holder:       uint64(t.s.holder),
		HolderSlots:  t.s.geo.holderSlots,
		Holders:      t.liveHolders(),
		TableSlots:   t.s.geo.tableSlots,
		TablesUsed:   int(t.s.data.u32(offTablesUsed)),
		RowSlots:     t.s.geo.rowSlots,
		RowsUsed:     int(t.s.data.u32(offRowsUsed)),
		NextHolderID: t.s.data.u64(offNextHolderID),
		Generation:   t.s.data.u64(offGeneration),
	}
}

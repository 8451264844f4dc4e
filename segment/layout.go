package segment

import (
	"encoding/binary"
	"time"
)

// On-disk layout, little endian, every field naturally aligned:
//
//	header   headerSize bytes
//	holders  holderSlots * recordSize
//	tables   tableSlots  * recordSize
//	rows     rowSlots    * recordSize
const (
	magic         = "RLSEGv01"
	layoutVersion = 1
	headerSize    = 128
	recordSize    = 32
)

// header field offsets
const (
	offMagic        = 0
	offVersion      = 8
	offHeaderSize   = 12
	offHolderSlots  = 16
	offTableSlots   = 20
	offRowSlots     = 24
	offRecordSize   = 28
	offHoldersUsed  = 32
	offTablesUsed   = 36
	offRowsUsed     = 40
	offNextHolderID = 48
	offCreatedAt    = 56
	offGeneration   = 64
)

// slot states
const (
	slotEmpty uint32 = 0
	slotUsed  uint32 = 1
)

// holder record: id u64 | pid u32 | state u32 | attachedAt i64 | heartbeat i64
const (
	holderOffID        = 0
	holderOffPID       = 8
	holderOffState     = 12
	holderOffAttached  = 16
	holderOffHeartbeat = 24
)

// table record: state u32 | level u32 | tableID u64 | holder u64 | reserved u64
const (
	tableOffState   = 0
	tableOffLevel   = 4
	tableOffTableID = 8
	tableOffHolder  = 16
)

// row record: state u32 | level u32 | tableID u64 | rowKey i64 | holder u64
const (
	rowOffState   = 0
	rowOffLevel   = 4
	rowOffTableID = 8
	rowOffRowKey  = 16
	rowOffHolder  = 24
)

const (
	// DefaultRowBytes is the default size of the row lock region (1 MiB).
	DefaultRowBytes = 1024 * 1024
	// DefaultTableBytes is the default size of the table lock region (128 KiB).
	DefaultTableBytes = 128 * 1024
	// DefaultMaxHolders is the default number of holder slots.
	DefaultMaxHolders = 128
	// MinRegionBytes is the smallest region that holds one record.
	MinRegionBytes = recordSize
)

// Config sizes a segment. It is passed explicitly to Attach.
type Config struct {
	// RowBytes is the byte budget of the row lock region.
	RowBytes uint64
	// TableBytes is the byte budget of the table lock region.
	TableBytes uint64
	// MaxHolders is the number of holder slots.
	MaxHolders int
	// HeartbeatInterval starts a background heartbeat when positive.
	HeartbeatInterval time.Duration
	// StaleHolderTimeout declares holders dead when their heartbeat is older. Zero disables.
	StaleHolderTimeout time.Duration
}

// DefaultConfig returns the default segment sizing.
func DefaultConfig() Config {
	return Config{
		RowBytes:   DefaultRowBytes,
		TableBytes: DefaultTableBytes,
		MaxHolders: DefaultMaxHolders,
	}
}

// RowSlots is the number of row lock records the configuration allows.
func (c Config) RowSlots() int {
	return int(c.RowBytes / recordSize)
}

// TableSlots is the number of table lock records the configuration allows.
func (c Config) TableSlots() int {
	return int(c.TableBytes / recordSize)
}

func (c Config) withDefaults() Config {
	if c.RowBytes == 0 {
		c.RowBytes = DefaultRowBytes
	}
	if c.TableBytes == 0 {
		c.TableBytes = DefaultTableBytes
	}
	if c.MaxHolders <= 0 {
		c.MaxHolders = DefaultMaxHolders
	}
	return c
}

// geometry is the slot layout of one mapping.
type geometry struct {
	holderSlots int
	tableSlots  int
	rowSlots    int
}

func (g geometry) holdersOff() int { return headerSize }
func (g geometry) tablesOff() int  { return g.holdersOff() + g.holderSlots*recordSize }
func (g geometry) rowsOff() int    { return g.tablesOff() + g.tableSlots*recordSize }
func (g geometry) size() int       { return g.rowsOff() + g.rowSlots*recordSize }

// region is a little-endian view over a byte slice.
type region []byte

func (r region) u32(off int) uint32        { return binary.LittleEndian.Uint32(r[off:]) }
func (r region) u64(off int) uint64        { return binary.LittleEndian.Uint64(r[off:]) }
func (r region) i64(off int) int64         { return int64(binary.LittleEndian.Uint64(r[off:])) }
func (r region) putU32(off int, v uint32)  { binary.LittleEndian.PutUint32(r[off:], v) }
func (r region) putU64(off int, v uint64)  { binary.LittleEndian.PutUint64(r[off:], v) }
func (r region) putI64(off int, v int64)   { binary.LittleEndian.PutUint64(r[off:], uint64(v)) }
func (r region) slot(base, idx int) region { return r[base+idx*recordSize : base+(idx+1)*recordSize] }

func (r region) clear() {
	for i := range r {
		r[i] = 0
	}
}

// initHeader writes a fresh header. nextID carries the holder id counter over resets so
// ids stay unique for the lifetime of the file.
func initHeader(data region, g geometry, nextID uint64, now time.Time) {
	data[:g.size()].clear()
	copy(data[offMagic:offMagic+8], magic)
	data.putU32(offVersion, layoutVersion)
	data.putU32(offHeaderSize, headerSize)
	data.putU32(offHolderSlots, uint32(g.holderSlots))
	data.putU32(offTableSlots, uint32(g.tableSlots))
	data.putU32(offRowSlots, uint32(g.rowSlots))
	data.putU32(offRecordSize, recordSize)
	if nextID == 0 {
		nextID = 1
	}
	data.putU64(offNextHolderID, nextID)
	data.putI64(offCreatedAt, now.UnixNano())
}

// readGeometry validates a header and returns the slot layout it describes.
func readGeometry(path string, hdr region, fileSize int64) (geometry, error) {
	if len(hdr) < headerSize {
		return geometry{}, &CorruptError{Path: path, Reason: "short header"}
	}
	if string(hdr[offMagic:offMagic+8]) != magic {
		return geometry{}, &CorruptError{Path: path, Reason: "bad magic"}
	}
	if v := hdr.u32(offVersion); v != layoutVersion {
		return geometry{}, &CorruptError{Path: path, Reason: "unsupported version"}
	}
	if hdr.u32(offHeaderSize) != headerSize || hdr.u32(offRecordSize) != recordSize {
		return geometry{}, &CorruptError{Path: path, Reason: "record geometry mismatch"}
	}
	g := geometry{
		holderSlots: int(hdr.u32(offHolderSlots)),
		tableSlots:  int(hdr.u32(offTableSlots)),
		rowSlots:    int(hdr.u32(offRowSlots)),
	}
	if g.holderSlots == 0 || g.tableSlots == 0 || g.rowSlots == 0 {
		return geometry{}, &CorruptError{Path: path, Reason: "zero capacity region"}
	}
	if int64(g.size()) != fileSize {
		return geometry{}, &CorruptError{Path: path, Reason: "file size does not match header"}
	}
	if int(hdr.u32(offHoldersUsed)) > g.holderSlots ||
		int(hdr.u32(offTablesUsed)) > g.tableSlots ||
		int(hdr.u32(offRowsUsed)) > g.rowSlots {
		return geometry{}, &CorruptError{Path: path, Reason: "occupancy exceeds capacity"}
	}
	return g, nil
}

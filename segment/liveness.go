package segment

import (
	"os"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// HolderID identifies one attachment of a segment. Ids are never reused within a segment file.
type HolderID uint64

func (h HolderID) String() string {
	return strconv.FormatUint(uint64(h), 10)
}

// HolderInfo is the shared record of one holder.
type HolderInfo struct {
	ID         HolderID  `json:"id" msgpack:"id"`
	PID        int       `json:"pid" msgpack:"pid"`
	AttachedAt time.Time `json:"attached_at" msgpack:"attached_at"`
	Heartbeat  time.Time `json:"heartbeat" msgpack:"heartbeat"`

	// InProcess is set when the holder belongs to the probing process. Attached then
	// reports whether a live handle in this process still owns it.
	InProcess bool `json:"-" msgpack:"-"`
	Attached  bool `json:"-" msgpack:"-"`
}

// LivenessProbe decides whether a holder is still alive. Dead holders are reclaimed
// together with every record they own.
type LivenessProbe interface {
	Alive(info HolderInfo) bool
}

// ProbeFunc adapts a function to LivenessProbe.
type ProbeFunc func(info HolderInfo) bool

func (f ProbeFunc) Alive(info HolderInfo) bool {
	return f(info)
}

// processProbe declares a holder dead when its process is gone, when it belongs to this
// process but no handle owns it anymore, or when its heartbeat is stale.
type processProbe struct {
	stale time.Duration
	now   func() time.Time
}

func (p processProbe) Alive(info HolderInfo) bool {
	if p.stale > 0 && p.now().Sub(info.Heartbeat) > p.stale {
		return false
	}
	if info.InProcess {
		return info.Attached
	}
	return processExists(info.PID)
}

// attached tracks the holders owned by live handles of this process, keyed by
// segment identity and holder id.
var attached = xsync.NewMapOf[string, struct{}]()

func attachedKey(ident string, h HolderID) string {
	return ident + "#" + h.String()
}

var selfPID = os.Getpid()

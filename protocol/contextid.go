package protocol

import "fmt"

const (
	sessionBits = 5
	objectBits  = 11
	countBits   = 16

	// MaxSessions is the number of distinct session IDs a context ID can carry.
	MaxSessions = 1 << sessionBits
	// MaxObjects is the number of distinct objects (processes, files, directories) per session.
	MaxObjects = 1 << objectBits
	// MaxCount is the size of the per-object sequence ring.
	MaxCount = 1 << countBits

	objectShift  = countBits
	sessionShift = countBits + objectBits
)

// ContextID routes an asynchronous reply to the request that caused it.
// It packs a (session, object, count) triple into a single integer.
type ContextID uint32

// EncodeContextID packs the triple. It panics if any field is out of range.
func EncodeContextID(session, object, count uint32) ContextID {
	if session >= MaxSessions {
		panic(fmt.Sprintf("session ID %d out of range", session))
	}
	if object >= MaxObjects {
		panic(fmt.Sprintf("object ID %d out of range", object))
	}
	if count >= MaxCount {
		panic(fmt.Sprintf("count %d out of range", count))
	}
	return ContextID(session<<sessionShift | object<<objectShift | count)
}

// Decode unpacks the triple.
func (c ContextID) Decode() (session, object, count uint32) {
	return c.Session(), c.Object(), c.Count()
}

func (c ContextID) Session() uint32 { return uint32(c) >> sessionShift }

func (c ContextID) Object() uint32 { return (uint32(c) >> objectShift) & (MaxObjects - 1) }

func (c ContextID) Count() uint32 { return uint32(c) & (MaxCount - 1) }

func (c ContextID) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Session(), c.Object(), c.Count())
}

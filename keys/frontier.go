package keys

import "github.com/riftdb/tablet/hybrid"

// OpID is the consensus layer's (term, index) pair, totally ordered
// within a tablet (spec.md GLOSSARY "Op id").
type OpID struct {
	Term  uint64
	Index uint64
}

// Less reports whether id sorts before other.
func (id OpID) Less(other OpID) bool {
	if id.Term != other.Term {
		return id.Term < other.Term
	}
	return id.Index < other.Index
}

// Max returns the later of id and other in (term, index) order.
func (id OpID) Max(other OpID) OpID {
	if id.Less(other) {
		return other
	}
	return id
}

// Min returns the earlier of id and other in (term, index) order.
func (id OpID) Min(other OpID) OpID {
	if other.Less(id) {
		return other
	}
	return id
}

// FrontierPoint is one side (smallest or largest) of a Frontier: the op
// id, hybrid time, and history cutoff observed among the records an SST
// covers (spec.md §4.2).
type FrontierPoint struct {
	OpID          OpID
	HybridTime    hybrid.Time
	HistoryCutoff hybrid.Time
}

// Frontier is the user-defined per-SST metadata the embedded KV store's
// flush/compaction hooks merge componentwise, and which this engine uses
// to decide which files may hold records relevant to a given read time,
// whether the intent store may flush ahead of the committed store, and
// whether an intent SST is eligible for wholesale drop (spec.md §4.2,
// §4.3).
type Frontier struct {
	Smallest FrontierPoint
	Largest  FrontierPoint
}

// EmptyFrontier returns a Frontier with no content: Smallest poised to
// be lowered by any real point, Largest poised to be raised by any real
// point.
func EmptyFrontier() Frontier {
	return Frontier{
		Smallest: FrontierPoint{OpID: OpID{Term: ^uint64(0), Index: ^uint64(0)}, HybridTime: hybrid.Max},
		Largest:  FrontierPoint{OpID: OpID{}, HybridTime: hybrid.Min},
	}
}

// Observe widens f to additionally cover a single record's (opID, ht).
func (f Frontier) Observe(opID OpID, ht hybrid.Time) Frontier {
	if opID.Less(f.Smallest.OpID) {
		f.Smallest.OpID = opID
	}
	if ht < f.Smallest.HybridTime {
		f.Smallest.HybridTime = ht
	}
	if f.Largest.OpID.Less(opID) {
		f.Largest.OpID = opID
	}
	if ht > f.Largest.HybridTime {
		f.Largest.HybridTime = ht
	}
	return f
}

// Merge combines two frontiers componentwise: smallest by min, largest
// by max, as required when multiple SSTs are combined by a flush or
// compaction (spec.md §4.2).
func Merge(a, b Frontier) Frontier {
	return Frontier{
		Smallest: FrontierPoint{
			OpID:          a.Smallest.OpID.Min(b.Smallest.OpID),
			HybridTime:    minHT(a.Smallest.HybridTime, b.Smallest.HybridTime),
			HistoryCutoff: minHT(a.Smallest.HistoryCutoff, b.Smallest.HistoryCutoff),
		},
		Largest: FrontierPoint{
			OpID:          a.Largest.OpID.Max(b.Largest.OpID),
			HybridTime:    maxHT(a.Largest.HybridTime, b.Largest.HybridTime),
			HistoryCutoff: maxHT(a.Largest.HistoryCutoff, b.Largest.HistoryCutoff),
		},
	}
}

func minHT(a, b hybrid.Time) hybrid.Time {
	if a < b {
		return a
	}
	return b
}

func maxHT(a, b hybrid.Time) hybrid.Time {
	if a > b {
		return a
	}
	return b
}

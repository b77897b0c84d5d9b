// Package snowflake hands out time ordered 63 bit message ids, the way the
// chat backend numbers confirmed messages. An id packs, from high to low
// bits, milliseconds since 2024-01-01 UTC, a 10 bit node and a 12 bit
// per-millisecond sequence.
package snowflake

import (
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	nodeWidth = 10
	seqWidth  = 12

	MaxNode = 1<<nodeWidth - 1
	maxSeq  = 1<<seqWidth - 1
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// ID is one generated id.
type ID int64

func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }

// Time is when id was issued, to the millisecond.
func (id ID) Time() time.Time {
	return time.UnixMilli(int64(id)>>(nodeWidth+seqWidth) + epoch)
}

func (id ID) Node() int64 { return int64(id) >> seqWidth & MaxNode }

func (id ID) Seq() int64 { return int64(id) & maxSeq }

// Generator issues ids for one node. Ids from one Generator strictly
// increase even if the wall clock steps back.
type Generator struct {
	node  int64
	clock func() time.Time

	mu     sync.Mutex
	lastMs int64
	seq    int64
}

func NewGenerator(node int64) (*Generator, error) {
	if node < 0 || node > MaxNode {
		return nil, errors.Errorf("snowflake node %d outside 0..%d", node, MaxNode)
	}
	return &Generator{node: node, clock: time.Now}, nil
}

// Next returns a fresh id. When a millisecond's sequence is used up it
// waits for the clock to move on.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.clock().UnixMilli()
	switch {
	case ms > g.lastMs:
		g.seq = 0
	case g.seq < maxSeq:
		g.seq++
	default:
		for ms <= g.lastMs {
			time.Sleep(50 * time.Microsecond)
			ms = g.clock().UnixMilli()
		}
		g.seq = 0
	}
	if ms > g.lastMs {
		g.lastMs = ms
	}
	return ID((g.lastMs-epoch)<<(nodeWidth+seqWidth) | g.node<<seqWidth | g.seq)
}

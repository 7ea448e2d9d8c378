// Package replication feeds committed raft log entries into a binlog.
package replication

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/downfa11-org/go-binlog/pkg/catalog"
	"github.com/downfa11-org/go-binlog/pkg/metrics"
	"github.com/downfa11-org/go-binlog/pkg/replay"
	"github.com/downfa11-org/go-binlog/util"
	"github.com/hashicorp/raft"
)

// Appender is the part of writer.Writer the FSM needs.
type Appender interface {
	AppendSync(rec []byte) (int64, error)
	Pos() int64
	Hash() uint64
}

// FSMState is the snapshot of an FSM.
type FSMState struct {
	Version  int    `json:"version"`
	Applied  uint64 `json:"applied"`
	Term     uint64 `json:"term"`
	Position int64  `json:"position"`
	Hash     uint64 `json:"hash"`
}

// FSM is a raft.FSM whose state machine is the binlog itself: every
// committed command is appended as one entry record.
type FSM struct {
	mu      sync.Mutex
	w       Appender
	applied uint64
	term    uint64
}

var _ raft.FSM = (*FSM)(nil)

func NewFSM(w Appender) *FSM {
	return &FSM{w: w}
}

// Recover sets the applied index from the entries already in replica, so
// entries raft replays after a restart are not appended twice.
func (f *FSM) Recover(replica *catalog.Replica, opts replay.ReaderOptions) error {
	if len(replica.Binlogs) == 0 {
		return nil
	}
	var applied, term uint64
	opts.Handler = EntryHandler(func(pos int64, e Entry) error {
		if e.Index > applied {
			applied, term = e.Index, e.Term
		}
		return nil
	})
	st, err := replay.NewReader(replica, opts).Replay(0)
	if err != nil {
		return fmt.Errorf("replication: recover from %s: %w", replica.Prefix, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if applied > f.applied {
		f.applied, f.term = applied, term
	}
	util.Info("replication: recovered applied index %d (term %d) at %d", f.applied, f.term, st.LogPos)
	return nil
}

// Apply appends the entry and returns its binlog position, or an error.
func (f *FSM) Apply(log *raft.Log) interface{} {
	if log.Type != raft.LogCommand {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if log.Index <= f.applied {
		util.Debug("replication: entry %d already in binlog (applied %d)", log.Index, f.applied)
		metrics.RaftApplied.WithLabelValues("skipped").Inc()
		return nil
	}

	pos, err := f.w.AppendSync(EncodeEntry(Entry{Index: log.Index, Term: log.Term, Data: log.Data}))
	if err != nil {
		util.Error("replication: append entry %d: %v", log.Index, err)
		metrics.RaftApplied.WithLabelValues("failure").Inc()
		return err
	}
	f.applied, f.term = log.Index, log.Term
	metrics.RaftApplied.WithLabelValues("success").Inc()
	return pos
}

func (f *FSM) Applied() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &fsmSnapshot{state: FSMState{
		Version:  1,
		Applied:  f.applied,
		Term:     f.term,
		Position: f.w.Pos(),
		Hash:     f.w.Hash(),
	}}, nil
}

// Restore takes the applied index of the snapshot. The binlog is not
// rewritten: entries up to the snapshot stay where the snapshot's node put
// them.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var state FSMState
	if err := json.NewDecoder(rc).Decode(&state); err != nil {
		return fmt.Errorf("replication: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if pos := f.w.Pos(); state.Position != pos {
		util.Warn("replication: snapshot at binlog position %d, local binlog at %d", state.Position, pos)
	}
	f.applied, f.term = state.Applied, state.Term
	util.Info("replication: restored snapshot at index %d", state.Applied)
	return nil
}

type fsmSnapshot struct {
	state FSMState
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	util.Debug("replication: persisting snapshot at index %d", s.state.Applied)
	if err := json.NewEncoder(sink).Encode(s.state); err != nil {
		if cerr := sink.Cancel(); cerr != nil {
			util.Error("replication: cancel snapshot after encoding error: %v", cerr)
		}
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

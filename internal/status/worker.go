// Package status runs the background worker that classifies the
// aggregate block state of server groups against the firewall
// authority.
package status

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"server-region-blocker/internal/firewall"
	"server-region-blocker/internal/model"
	"server-region-blocker/internal/worklist"
)

type msgOp int

const (
	opAppend msgOp = iota
	opRemove
	opClear
	opFlush
	opKill
)

type message struct {
	op      msgOp
	entries []worklist.GroupEntry
	group   string
	ack     chan struct{}
}

// Config tunes the status worker. Zero values select the defaults.
type Config struct {
	IdleSleep time.Duration // sleep when the queue is empty, default 500ms
}

func (c Config) withDefaults() Config {
	if c.IdleSleep <= 0 {
		// classification is deliberately lower priority than probing
		c.IdleSleep = 500 * time.Millisecond
	}
	return c
}

// Worker pops pending groups FIFO, queries the firewall authority per
// address and reports the aggregate classification. Control messages
// follow the probe worker's conventions: applied in receipt order,
// Kill has strict priority within a drained batch.
type Worker struct {
	authority firewall.Authority
	cfg       Config

	ctrl    chan message
	reports chan model.StatusReport

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewWorker(authority firewall.Authority, cfg Config) *Worker {
	return &Worker{
		authority: authority,
		cfg:       cfg.withDefaults(),
		ctrl:      make(chan message, 256),
		reports:   make(chan model.StatusReport, 256),
		stop:      make(chan struct{}),
	}
}

func (w *Worker) Reports() <-chan model.StatusReport { return w.reports }

func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop requests termination and joins the worker goroutine.
func (w *Worker) Stop() {
	w.once.Do(func() {
		close(w.stop)
		w.ctrl <- message{op: opKill}
	})
	w.wg.Wait()
}

// Append enqueues groups for (re-)classification. Groups already
// pending are updated in place, never duplicated.
func (w *Worker) Append(entries []worklist.GroupEntry) {
	w.ctrl <- message{op: opAppend, entries: entries}
}

// Remove drops a pending classification for the group, if any.
func (w *Worker) Remove(group string) {
	w.ctrl <- message{op: opRemove, group: group}
}

func (w *Worker) Clear() { w.ctrl <- message{op: opClear} }

// Flush blocks until every control message sent before it has been
// applied, or until timeout.
func (w *Worker) Flush(timeout time.Duration) bool {
	ack := make(chan struct{})
	w.ctrl <- message{op: opFlush, ack: ack}
	select {
	case <-ack:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()

	queue := worklist.NewGroupQueue()
	for {
		if w.drain(queue) {
			return
		}

		entry, ok := queue.Pop()
		if !ok {
			time.Sleep(w.cfg.IdleSleep)
			continue
		}

		report := model.StatusReport{
			Group: entry.Name,
			State: w.classify(entry),
		}
		select {
		case w.reports <- report:
		case <-w.stop:
		}
	}
}

// classify queries the block status of every address in the group. A
// failed check counts as "not confirmed blocked", so an authority
// error can never misclassify a partially blocked group as fully
// blocked.
func (w *Worker) classify(entry worklist.GroupEntry) model.GroupState {
	var blocked []netip.Addr
	for _, a := range entry.Addrs {
		isBlocked, err := w.authority.IsBlocked(a)
		if err != nil {
			slog.Warn("Block check failed", "group", entry.Name, "addr", a, "error", err)
			continue
		}
		if isBlocked {
			blocked = append(blocked, a)
		}
	}

	switch {
	case len(blocked) == len(entry.Addrs) && len(entry.Addrs) > 0:
		return model.GroupState{Kind: model.StateAllBlocked}
	case len(blocked) == 0:
		return model.GroupState{Kind: model.StateNoneBlocked}
	default:
		return model.GroupState{Kind: model.StatePartiallyBlocked, Blocked: blocked}
	}
}

func (w *Worker) drain(queue *worklist.GroupQueue) (kill bool) {
	var acks []chan struct{}
	for {
		select {
		case m := <-w.ctrl:
			switch m.op {
			case opAppend:
				queue.Append(m.entries)
			case opRemove:
				queue.Remove(m.group)
			case opClear:
				queue.Clear()
			case opFlush:
				acks = append(acks, m.ack)
			case opKill:
				kill = true
			}
		default:
			for _, ack := range acks {
				close(ack)
			}
			return kill
		}
	}
}

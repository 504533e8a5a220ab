package probe

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"server-region-blocker/internal/model"
	"server-region-blocker/internal/worklist"
)

type msgOp int

const (
	opPush msgOp = iota
	opRemove
	opAppend
	opClear
	opFlush
	opKill
)

type message struct {
	op    msgOp
	addr  netip.Addr
	addrs []netip.Addr
	ack   chan struct{}
}

// Config tunes the probe worker. Zero values select the defaults.
type Config struct {
	Timeout     time.Duration // per-probe timeout, default 500ms
	IdleSleep   time.Duration // sleep when the worklist is empty, default 50ms
	SendBackoff time.Duration // extra sleep after a send-class failure, default 1s
	Rate        float64       // max probes per second, 0 = unlimited
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 500 * time.Millisecond
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = 50 * time.Millisecond
	}
	if c.SendBackoff <= 0 {
		c.SendBackoff = time.Second
	}
	return c
}

// Worker owns the probe worklist and round-robins over it on its own
// goroutine, emitting one ProbeReport per probe. Control messages are
// applied in receipt order before each probe cycle; Kill has strict
// priority within a drained batch (the batch is still applied, but no
// further probe starts).
type Worker struct {
	engine  Engine
	cfg     Config
	limiter *rate.Limiter

	ctrl    chan message
	reports chan model.ProbeReport

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewWorker(engine Engine, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		engine:  engine,
		cfg:     cfg,
		ctrl:    make(chan message, 256),
		reports: make(chan model.ProbeReport, 1024),
		ctx:     ctx,
		cancel:  cancel,
	}
	if cfg.Rate > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), 1)
	}
	return w
}

// Reports is the channel the reconciler drains on every tick.
func (w *Worker) Reports() <-chan model.ProbeReport { return w.reports }

func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop requests termination and joins the worker goroutine.
func (w *Worker) Stop() {
	w.once.Do(func() {
		w.cancel()
		w.ctrl <- message{op: opKill}
	})
	w.wg.Wait()
}

func (w *Worker) Push(addr netip.Addr)   { w.ctrl <- message{op: opPush, addr: addr} }
func (w *Worker) Remove(addr netip.Addr) { w.ctrl <- message{op: opRemove, addr: addr} }

func (w *Worker) Append(addrs []netip.Addr) {
	w.ctrl <- message{op: opAppend, addrs: addrs}
}

func (w *Worker) Clear() { w.ctrl <- message{op: opClear} }

// Flush blocks until the worker has applied every control message
// sent before it, or until timeout. It is the barrier the reconciler
// uses before purging ping history: once Flush returns true, any
// report for a previously removed address is already sitting in the
// reports channel and a drain will observe it.
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

	list := worklist.NewAddressSet()
	index := 0
	var seq uint16

	for {
		kill := w.drain(list)
		if kill {
			return
		}

		if list.Len() == 0 {
			time.Sleep(w.cfg.IdleSleep)
			continue
		}

		// wrap handles concurrent shrinkage since the last cycle
		if index >= list.Len() {
			index = 0
		}
		target := list.At(index)

		if w.limiter != nil {
			if err := w.limiter.Wait(w.ctx); err != nil {
				continue // shutting down, next drain sees the kill
			}
		}

		outcome, err := w.engine.Probe(w.ctx, target, seq, w.cfg.Timeout)
		seq++
		if errors.Is(err, ErrSend) {
			slog.Error("Probe send failed, check local network stack", "addr", target, "error", err)
			time.Sleep(w.cfg.SendBackoff)
		}

		report := model.ProbeReport{Addr: target, RTT: outcome.RTT, Err: err}
		select {
		case w.reports <- report:
		case <-w.ctx.Done():
		}

		index++
	}
}

// drain applies all currently queued control messages. Flush acks are
// released only after the whole batch is applied, and a Kill found
// anywhere in the batch terminates the loop after the batch.
func (w *Worker) drain(list *worklist.AddressSet) (kill bool) {
	var acks []chan struct{}
	for {
		select {
		case m := <-w.ctrl:
			switch m.op {
			case opPush:
				list.Push(m.addr)
			case opRemove:
				list.Remove(m.addr)
			case opAppend:
				list.Append(m.addrs)
			case opClear:
				list.Clear()
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

// Package stats keeps the process counters of the reading-room server and
// serves them as JSON on GET /debug/vars.
package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultMapName = "bookclub-stats"

	// droppedUpdates counts updates for names that were never registered.
	droppedUpdates = "DroppedUpdates"
	updateBacklog  = 512
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	Run()
}

// StatsUpdater applies counter updates on a single goroutine so that callers
// on the room goroutines never block on each other.
type StatsUpdater struct {
	vars    *expvar.Map
	started time.Time

	updates  chan delta
	done     chan struct{}
	exited   chan struct{}
	running  atomic.Bool
	stopOnce sync.Once
}

type delta struct {
	name string
	by   int64
}

// NewStatsUpdater publishes an expvar map called name and serves it on
// GET /debug/vars. Names are process-global, so each must be used once.
func NewStatsUpdater(mux *http.ServeMux, name string) *StatsUpdater {
	su := &StatsUpdater{
		vars:    expvar.NewMap(name),
		started: time.Now(),
		updates: make(chan delta, updateBacklog),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	su.vars.Set("StartedAt", expvar.Func(func() any {
		return su.started.UTC().Format(time.RFC3339)
	}))
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(su.started).Milliseconds()
	}))
	su.RegisterMetric(droppedUpdates)

	mux.Handle("GET /debug/vars", su.Handler())
	return su
}

// Handler serves every published value as one flat JSON object.
func (su *StatsUpdater) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]json.RawMessage)
		su.vars.Do(func(kv expvar.KeyValue) {
			out[kv.Key] = json.RawMessage(kv.Value.String())
		})

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		json.NewEncoder(w).Encode(out)
	})
}

func (su *StatsUpdater) RegisterMetric(name string) {
	if _, ok := su.vars.Get(name).(*expvar.Int); ok {
		return
	}
	su.vars.Set(name, new(expvar.Int))
}

func (su *StatsUpdater) Incr(name string) { su.send(delta{name: name, by: 1}) }

func (su *StatsUpdater) Decr(name string) { su.send(delta{name: name, by: -1}) }

// send drops the update once the updater has stopped.
func (su *StatsUpdater) send(d delta) {
	select {
	case su.updates <- d:
	case <-su.done:
	}
}

func (su *StatsUpdater) Run() {
	if su.running.CompareAndSwap(false, true) {
		go su.apply()
	}
}

func (su *StatsUpdater) apply() {
	defer close(su.exited)
	for {
		select {
		case d := <-su.updates:
			su.add(d)
		case <-su.done:
			for {
				select {
				case d := <-su.updates:
					su.add(d)
				default:
					return
				}
			}
		}
	}
}

func (su *StatsUpdater) add(d delta) {
	metric, ok := su.vars.Get(d.name).(*expvar.Int)
	if !ok {
		metric = su.vars.Get(droppedUpdates).(*expvar.Int)
		metric.Add(1)
		return
	}
	metric.Add(d.by)
}

// Value returns the current value of a registered counter, or zero.
func (su *StatsUpdater) Value(name string) int64 {
	if metric, ok := su.vars.Get(name).(*expvar.Int); ok {
		return metric.Value()
	}
	return 0
}

// Stop applies pending updates and waits for the update loop to exit. Later
// updates are dropped.
func (su *StatsUpdater) Stop() {
	su.stopOnce.Do(func() {
		close(su.done)
	})
	if su.running.Load() {
		<-su.exited
	}
}

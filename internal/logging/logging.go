// Package logging holds the honeypot's flow records and a rate limited
// logger for malformed input.
package logging

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"honeyd-engine/pkg/types"
)

// DropLogger logs discarded packets at debug level without letting a flood
// of malformed input flood the log. Suppressed entries are counted and
// reported with the next entry that gets through.
type DropLogger struct {
	mu         sync.Mutex
	lim        *rate.Limiter
	suppressed int
}

// NewDropLogger allows perSecond entries with bursts of burst.
func NewDropLogger(perSecond float64, burst int) *DropLogger {
	return &DropLogger{lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Drop records a discarded packet. A nil DropLogger discards silently.
func (d *DropLogger) Drop(reason string, fields log.Fields) {
	if d == nil || !log.IsLevelEnabled(log.DebugLevel) {
		return
	}
	d.mu.Lock()
	if !d.lim.Allow() {
		d.suppressed++
		d.mu.Unlock()
		return
	}
	suppressed := d.suppressed
	d.suppressed = 0
	d.mu.Unlock()

	entry := log.WithField("reason", reason)
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	if suppressed > 0 {
		entry = entry.WithField("suppressed", suppressed)
	}
	entry.Debug("Packet dropped")
}

// Suppressed returns the number of entries held back since the last one
// logged.
func (d *DropLogger) Suppressed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suppressed
}

func tupleFields(t types.Tuple) log.Fields {
	return log.Fields{
		"proto": t.Proto.String(),
		"src":   t.Src.String(),
		"sport": t.SPort,
		"dst":   t.Dst.String(),
		"dport": t.DPort,
	}
}

// Probe records traffic that did not create a flow.
func Probe(t types.Tuple, size int, flags string, comment string) {
	f := tupleFields(t)
	f["size"] = size
	if flags != "" {
		f["flags"] = flags
	}
	if comment != "" {
		f["comment"] = comment
	}
	log.WithFields(f).Info("Probe")
}

// FlowStart records a new flow.
func FlowStart(t types.Tuple) {
	log.WithFields(tupleFields(t)).Info("Flow start")
}

// FlowEnd records the end of a flow with its byte counts.
func FlowEnd(t types.Tuple, reason string, received, sent uint64) {
	f := tupleFields(t)
	f["reason"] = reason
	f["received"] = received
	f["sent"] = sent
	log.WithFields(f).Info("Flow end")
}

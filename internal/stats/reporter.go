package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Reporter outputs statistics to the log and/or a file.
type Reporter struct {
	collector   *Collector
	intervalSec int
	exportFile  string
}

// NewReporter creates a new statistics reporter.
func NewReporter(collector *Collector, intervalSec int, exportFile string) *Reporter {
	return &Reporter{
		collector:   collector,
		intervalSec: intervalSec,
		exportFile:  exportFile,
	}
}

// Run prints a report every interval until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	if r.intervalSec <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(time.Duration(r.intervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fmt.Println(r.FormatReport())
		}
	}
}

// PrintFinalReport prints the final statistics summary.
func (r *Reporter) PrintFinalReport() {
	r.collector.Finish()
	fmt.Println(r.FormatReport())
}

// ExportJSON exports statistics to a JSON file.
func (r *Reporter) ExportJSON() error {
	if r.exportFile == "" {
		return nil
	}

	snap := r.collector.Snapshot()
	protocols := map[string]any{}
	for name, s := range snap.Protocols {
		protocols[name] = map[string]any{"in": s.PacketsIn, "out": s.PacketsOut}
	}

	export := map[string]any{
		"start_time":   snap.StartTime.Format(time.RFC3339),
		"end_time":     snap.EndTime.Format(time.RFC3339),
		"duration_sec": snap.Duration().Seconds(),
		"protocols":    protocols,
		"drops":        snap.Drops,
		"tcp":          snap.TCP,
		"fragments":    snap.Fragments,
		"icmp":         snap.ICMP,
		"udp_flows":    snap.UDPFlows,
		"delayed":      snap.Delayed,
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal stats JSON: %w", err)
	}

	if err := os.WriteFile(r.exportFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write stats file %s: %w", r.exportFile, err)
	}

	log.WithField("file", r.exportFile).Info("Statistics exported to JSON")
	return nil
}

func sortedCounts(sb *strings.Builder, title string, m map[string]uint64) {
	if len(m) == 0 {
		return
	}
	sb.WriteString(title + ":\n")
	for _, k := range slices.Sorted(maps.Keys(m)) {
		fmt.Fprintf(sb, "  %-24s %d\n", k+":", m[k])
	}
}

// FormatReport generates a formatted statistics report string.
func (r *Reporter) FormatReport() string {
	snap := r.collector.Snapshot()
	elapsed := snap.Duration()

	var sb strings.Builder
	fmt.Fprintf(&sb, "\n=== Honeypot Statistics (elapsed: %s) ===\n", elapsed.Round(time.Second))
	sb.WriteString("Packets:\n")

	for _, name := range slices.Sorted(maps.Keys(snap.Protocols)) {
		s := snap.Protocols[name]
		fmt.Fprintf(&sb, "  %-24s in=%-8d out=%-8d\n", name+":", s.PacketsIn, s.PacketsOut)
	}

	sb.WriteString("Flows:\n")
	fmt.Fprintf(&sb, "  TCP active: %d  |  UDP active: %d  |  UDP total: %d  |  Delayed: %d\n",
		snap.ActiveTCP, snap.ActiveUDPFlows, snap.UDPFlows, snap.Delayed)

	sortedCounts(&sb, "TCP events", snap.TCP)
	sortedCounts(&sb, "Fragments", snap.Fragments)
	sortedCounts(&sb, "ICMP replies", snap.ICMP)
	sortedCounts(&sb, "Drops", snap.Drops)

	if elapsed.Seconds() > 0 {
		sb.WriteString("Throughput:\n")
		fmt.Fprintf(&sb, "  %.1f pkt/s in\n", float64(snap.TotalIn())/elapsed.Seconds())
	}

	sb.WriteString("================================================\n")
	return sb.String()
}

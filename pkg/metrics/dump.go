package metrics

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// RunDumper writes a flat "metric : value" snapshot of every metric's most
// recent second-bucket value to path once a second, overwriting the file
// each time.
func (a *Aggregator) RunDumper(ctx context.Context, path string) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case <-ticker.C:
			a.dumpOnce(path)
		}
	}
}

func (a *Aggregator) dumpOnce(path string) {
	var b strings.Builder
	for _, name := range a.Names() {
		series, ok := a.Read(name)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%s : %s\n", name, representativeValue(series))
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}

// representativeValue picks the single number shown in the flat dump: the
// most recent second-bucket value for ordinary metrics, or the median for
// cdf metrics (50 is always present in CDFPercentiles).
func representativeValue(s Series) string {
	if s.Kind == KindCDF {
		for i, p := range CDFPercentiles {
			if p == 50 {
				return fmt.Sprintf("%.4f", s.Percentiles[i])
			}
		}
		return "0"
	}
	if len(s.Values) == 0 {
		return "0"
	}
	return fmt.Sprintf("%.4f", s.Values[len(s.Values)-1])
}

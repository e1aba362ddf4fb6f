package rtc

import (
	"fmt"
	"sort"

	"github.com/dkeye/peershare/internal/quality"
	"github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// ReportFromStats projects pion stats objects onto quality report entries.
// Every numeric member is kept under its W3C name. Objects that cannot be
// encoded are skipped.
func ReportFromStats(stats webrtc.StatsReport) (quality.Report, error) {
	report := make(quality.Report, 0, len(stats))
	for id, s := range stats {
		raw, err := json.Marshal(s)
		if err != nil {
			log.Debug().Err(err).Str("module", "adapters.rtc").Str("stats_id", id).Msg("stats object skipped")
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("decode stats %s: %w", id, err)
		}

		e := quality.ReportEntry{ID: id, Values: make(map[string]float64)}
		for k, v := range fields {
			switch val := v.(type) {
			case float64:
				e.Values[k] = val
			case string:
				switch k {
				case "type":
					e.Type = quality.ReportType(val)
				case "kind":
					e.Kind = val
				case "state":
					e.State = val
				}
			}
		}
		report = append(report, e)
	}
	sort.Slice(report, func(i, j int) bool { return report[i].ID < report[j].ID })
	return report, nil
}

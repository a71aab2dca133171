package server

import (
	"math"
	"time"

	"github.com/vesaa/hotspotmon/internal/models"
)

// series is the label/value pair list the dashboard charts consume.
type series struct {
	Labels []string  `json:"labels"`
	Data   []float64 `json:"data"`
}

// toGB converts megabytes to gigabytes rounded to two places.
func toGB(mb float64) float64 {
	return math.Round(mb/1024*100) / 100
}

// hourlyCumulative sums usage into UTC hour buckets, spanning every hour from
// the earliest to the latest log, and accumulates them.
func hourlyCumulative(logs []models.ConnectionLog) series {
	out := series{Labels: []string{}, Data: []float64{}}
	if len(logs) == 0 {
		return out
	}

	first := logs[0].Timestamp.UTC().Truncate(time.Hour)
	last := first
	for _, l := range logs[1:] {
		h := l.Timestamp.UTC().Truncate(time.Hour)
		if h.Before(first) {
			first = h
		}
		if h.After(last) {
			last = h
		}
	}
	buckets := make([]float64, int(last.Sub(first)/time.Hour)+1)
	for _, l := range logs {
		if l.Usage == nil {
			continue
		}
		i := int(l.Timestamp.UTC().Truncate(time.Hour).Sub(first) / time.Hour)
		buckets[i] += l.Usage.TotalMB()
	}

	var total float64
	for i, mb := range buckets {
		total += mb
		out.Labels = append(out.Labels, first.Add(time.Duration(i)*time.Hour).Format("15:04"))
		out.Data = append(out.Data, toGB(total))
	}
	return out
}

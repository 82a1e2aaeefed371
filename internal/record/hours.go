package record

import "sort"

// WorkedInterval is a paired clock_in/clock_out for one day. Open reports
// an interval whose clock_out has not happened yet.
type WorkedInterval struct {
	In    *AttendanceRecord
	Out   *AttendanceRecord
	Hours float64
	Open  bool
}

// PairWorkedHours pairs a day's records for one cedula into worked
// intervals, oldest first. Pairing is strictly sequential: a clock_in opens
// an interval and only a later clock_out closes it. A second clock_in with
// no intervening clock_out never fabricates a pairing; the first interval
// stays open and the duplicate is ignored. A clock_out with no open
// interval is likewise ignored (its clock_in happened outside the set, or
// on another device before a pull).
func PairWorkedHours(records []*AttendanceRecord) []WorkedInterval {
	sorted := make([]*AttendanceRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	var intervals []WorkedInterval
	var open *AttendanceRecord
	for _, r := range sorted {
		switch r.Type {
		case ClockIn:
			if open == nil {
				open = r
			}
		case ClockOut:
			if open != nil {
				intervals = append(intervals, WorkedInterval{
					In:    open,
					Out:   r,
					Hours: r.TimeDecimal - open.TimeDecimal,
				})
				open = nil
			}
		}
	}
	if open != nil {
		intervals = append(intervals, WorkedInterval{In: open, Open: true})
	}
	return intervals
}

// TotalWorkedHours sums the closed intervals of a day.
func TotalWorkedHours(records []*AttendanceRecord) float64 {
	var total float64
	for _, iv := range PairWorkedHours(records) {
		if !iv.Open {
			total += iv.Hours
		}
	}
	return total
}

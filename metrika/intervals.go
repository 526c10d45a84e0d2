package metrika

import "time"

// Interval est un sous-intervalle [Start, End] en jours entiers
type Interval struct {
	Start time.Time
	End   time.Time
}

// DayIntervals découpe [dateStart, dateEnd] en sous-intervalles
// contigus d'au plus dayQuantity jours. Le dernier absorbe le reste,
// il peut être plus court mais jamais plus long. dayQuantity doit
// être >= 1.
func DayIntervals(dateStart, dateEnd time.Time, dayQuantity int) []Interval {
	if dayQuantity < 1 {
		dayQuantity = 1
	}
	var intervals []Interval
	start := dateStart
	end := start.AddDate(0, 0, dayQuantity-1)
	for end.Before(dateEnd) {
		intervals = append(intervals, Interval{Start: start, End: end})
		start = end.AddDate(0, 0, 1)
		end = start.AddDate(0, 0, dayQuantity-1)
	}
	return append(intervals, Interval{Start: start, End: dateEnd})
}

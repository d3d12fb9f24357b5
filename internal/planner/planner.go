// Package planner computes the work unit grid for a collection.
package planner

import (
	"time"

	"github.com/newsharvest/gdelt-harvester/internal/harvest"
)

// Request captures the planning inputs for one collection.
type Request struct {
	Query       string
	MaxArticles int
	YearsBack   int
	Regions     []string
}

// Plan expands a request into the ordered work unit grid: one unit per
// (calendar month, region) pair over the YearsBack*12 months ending at the
// month containing now. Months iterate oldest first with regions nested
// inside each month. Deterministic and side effect free.
func Plan(collectionID string, req Request, now time.Time) []harvest.WorkUnit {
	if req.YearsBack <= 0 || len(req.Regions) == 0 {
		return nil
	}

	months := req.YearsBack * 12
	units := make([]harvest.WorkUnit, 0, months*len(req.Regions))

	end := now
	year, month := startOfWindow(end, months)

	for i := 0; i < months; i++ {
		for _, region := range req.Regions {
			units = append(units, harvest.WorkUnit{
				CollectionID: collectionID,
				Query:        req.Query,
				Region:       region,
				MaxArticles:  req.MaxArticles,
				Year:         year,
				Month:        month,
			})
		}
		// Explicit rollover: December advances into January of the next year.
		if month == 12 {
			year++
			month = 1
		} else {
			month++
		}
	}
	return units
}

// startOfWindow walks back months-1 steps from the month containing end.
func startOfWindow(end time.Time, months int) (year, month int) {
	year = end.Year()
	month = int(end.Month())
	for i := 0; i < months-1; i++ {
		if month == 1 {
			year--
			month = 12
		} else {
			month--
		}
	}
	return year, month
}

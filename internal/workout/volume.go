package workout

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// TotalVolume sums weight × reps over the completed sets of all exercises.
func TotalVolume(exercises []ExerciseLog) float64 {
	var total float64
	for _, ex := range exercises {
		for _, set := range ex.Sets {
			total += set.Volume()
		}
	}
	return total
}

// ParseNumber coerces raw user input to a non-negative number. Anything that
// does not parse as a finite number becomes zero, and so does a negative
// value; authoring never fails on input. A decimal comma is accepted.
func ParseNumber(raw string) float64 {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0
	}
	s = strings.ReplaceAll(s, ",", ".")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0
	}
	return v
}

// GhostTable holds, per exercise, the sets of the most recent completed
// session that contained that exercise.
type GhostTable map[string][]Set

// Ghost returns the completed set at setIndex for exerciseID.
func (g GhostTable) Ghost(exerciseID string, setIndex int) (Set, bool) {
	sets, ok := g[exerciseID]
	if !ok || setIndex < 0 || setIndex >= len(sets) {
		return Set{}, false
	}
	set := sets[setIndex]
	if !set.IsCompleted {
		return Set{}, false
	}
	return set, true
}

// BuildGhostTable indexes completed sessions by exercise. Later sessions
// win; the session identified by excludeID (usually the one being authored)
// is ignored.
func BuildGhostTable(sessions []Session, excludeID string) GhostTable {
	completed := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		if s.Status != StatusCompleted || s.ID == excludeID {
			continue
		}
		completed = append(completed, s)
	}
	sort.SliceStable(completed, func(i, j int) bool {
		return sessionTime(completed[i]).Before(sessionTime(completed[j]))
	})

	table := GhostTable{}
	for _, s := range completed {
		for _, ex := range s.Exercises {
			if len(ex.Sets) == 0 {
				continue
			}
			sets := make([]Set, len(ex.Sets))
			for i, set := range ex.Sets {
				sets[i] = set.Clone()
			}
			table[ex.ExerciseID] = sets
		}
	}
	return table
}

func sessionTime(s Session) time.Time {
	if s.EndTime != nil {
		return *s.EndTime
	}
	return s.StartTime
}

package conflict

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/roach88/wellsync/internal/ir"
)

// Field names the rules read. Everything else in a payload is opaque.
const (
	fieldContacts    = "contacts"
	fieldHotlines    = "hotlines"
	fieldValidatedAt = "validated_at"
	fieldValidated   = "validated"
	fieldCompletedAt = "completed_at"
)

// crisisPlanLists are unioned rather than replaced.
var crisisPlanLists = []string{fieldContacts, fieldHotlines}

func parseTime(obj ir.Object, key string) (time.Time, bool) {
	s := obj.String(key)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func unionKeys(reps []Replica) []string {
	var keys []string
	for _, rep := range reps {
		keys = append(keys, rep.Op.Fields().SortedKeys()...)
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}

// validation ranks a crisis-plan replica: validated replicas outrank
// unvalidated ones, then later validation wins.
type validation struct {
	validated bool
	at        time.Time
}

func validationOf(rep Replica) validation {
	if t, ok := parseTime(rep.Op.Fields(), fieldValidatedAt); ok {
		return validation{validated: true, at: t}
	}
	return validation{at: rep.Op.OriginTimestamp()}
}

func (v validation) compare(o validation) int {
	if v.validated != o.validated {
		if v.validated {
			return 1
		}
		return -1
	}
	return v.at.Compare(o.at)
}

// mergeCrisisPlan unions contact and hotline lists and takes every other
// field from the most recently validated replica holding a non-empty value.
// Nothing present on either side is lost.
func mergeCrisisPlan(reps []Replica) ir.Object {
	out := ir.Object{}
	for _, key := range unionKeys(reps) {
		if slices.Contains(crisisPlanLists, key) {
			if merged, ok := unionLists(reps, key); ok {
				out[key] = merged
				continue
			}
		}

		var (
			best     ir.Value
			bestRank validation
			found    bool
		)
		for _, rep := range reps {
			v, ok := rep.Op.Fields()[key]
			if !ok || ir.IsEmpty(v) {
				continue
			}
			rank := validationOf(rep)
			if !found {
				best, bestRank, found = v, rank, true
				continue
			}
			c := rank.compare(bestRank)
			if c > 0 || (c == 0 && ir.Compare(v, best) > 0) {
				best, bestRank = v, rank
			}
		}
		if !found {
			// Only empty values exist for this key. Keep it so the field set
			// never shrinks.
			best = ir.Null{}
		}
		out[key] = best
	}
	return out
}

// unionLists merges list fields, deduplicated and sorted by canonical bytes.
// It reports false when some replica holds a non-list value for key.
func unionLists(reps []Replica, key string) (ir.Array, bool) {
	seen := map[string]ir.Value{}
	for _, rep := range reps {
		v, ok := rep.Op.Fields()[key]
		if !ok || ir.IsEmpty(v) {
			continue
		}
		arr, ok := v.(ir.Array)
		if !ok {
			return nil, false
		}
		for _, elem := range arr {
			seen[string(ir.MustMarshalCanonical(elem))] = elem
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make(ir.Array, 0, len(keys))
	for _, k := range keys {
		out = append(out, seen[k])
	}
	return out, true
}

// mergeAssessment keeps the later validated completion in full. Two
// completions within window of each other cannot be ordered safely and
// escalate.
func mergeAssessment(reps []Replica, window time.Duration) (ir.Object, error) {
	type completion struct {
		rep Replica
		at  time.Time
	}
	var done []completion
	for _, rep := range reps {
		fields := rep.Op.Fields()
		if !fields.Bool(fieldValidated, true) {
			continue
		}
		at, ok := parseTime(fields, fieldCompletedAt)
		if !ok {
			at = rep.Op.OriginTimestamp()
		}
		done = append(done, completion{rep: rep, at: at})
	}
	if len(done) == 0 {
		return nil, fmt.Errorf("%w: no validated completion among %d replicas", ErrAmbiguous, len(reps))
	}

	slices.SortStableFunc(done, func(a, b completion) int {
		return b.at.Compare(a.at)
	})
	if len(done) > 1 {
		gap := done[0].at.Sub(done[1].at)
		if gap <= window {
			return nil, fmt.Errorf("%w: completions %s apart, within %s window",
				ErrAmbiguous, gap, window)
		}
	}
	return done[0].rep.Op.Fields(), nil
}

// mergeSession keeps session progress: integer counters take the maximum,
// start times the earliest, other timestamps the latest, and anything else
// follows last-writer-wins.
func mergeSession(reps []Replica) ir.Object {
	byRecency := lwwOrder(reps)
	out := ir.Object{}
	for _, key := range unionKeys(reps) {
		var values []ir.Value
		for _, rep := range reps {
			if v, ok := rep.Op.Fields()[key]; ok && !ir.IsEmpty(v) {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			out[key] = ir.Null{}
			continue
		}
		if n, ok := maxInt(values); ok {
			out[key] = n
			continue
		}
		if strings.HasSuffix(key, "_at") {
			if t, ok := extremeTime(values, strings.HasSuffix(key, "started_at")); ok {
				out[key] = t
				continue
			}
		}
		for _, rep := range byRecency {
			if v, ok := rep.Op.Fields()[key]; ok && !ir.IsEmpty(v) {
				out[key] = v
				break
			}
		}
	}
	return out
}

func maxInt(values []ir.Value) (ir.Int, bool) {
	var best ir.Int
	for i, v := range values {
		n, ok := v.(ir.Int)
		if !ok {
			return 0, false
		}
		if i == 0 || n > best {
			best = n
		}
	}
	return best, true
}

// extremeTime returns the earliest (earliest=true) or latest timestamp. All
// values must parse as RFC 3339.
func extremeTime(values []ir.Value, earliest bool) (ir.String, bool) {
	var (
		best    time.Time
		bestRaw ir.String
	)
	for i, v := range values {
		s, ok := v.(ir.String)
		if !ok {
			return "", false
		}
		t, err := time.Parse(time.RFC3339Nano, string(s))
		if err != nil {
			return "", false
		}
		better := t.After(best)
		if earliest {
			better = t.Before(best)
		}
		if i == 0 || better || (t.Equal(best) && s > bestRaw) {
			best, bestRaw = t, s
		}
	}
	return bestRaw, true
}

// lwwOrder ranks replicas best first. A replica whose clock is dominated by
// another never outranks it. Among concurrent replicas the one with user
// presence wins, then the later origin timestamp, then the higher device ID.
func lwwOrder(reps []Replica) []Replica {
	remaining := ordered(reps)
	out := make([]Replica, 0, len(remaining))
	for len(remaining) > 0 {
		var frontier []int
		for i, a := range remaining {
			dominated := false
			for j, b := range remaining {
				if i != j && b.Op.Clock().Dominates(a.Op.Clock()) {
					dominated = true
					break
				}
			}
			if !dominated {
				frontier = append(frontier, i)
			}
		}
		best := frontier[0]
		for _, i := range frontier[1:] {
			if concurrentLess(remaining[best], remaining[i]) {
				best = i
			}
		}
		out = append(out, remaining[best])
		remaining = slices.Delete(remaining, best, best+1)
	}
	return out
}

// concurrentLess reports whether a ranks below b when neither clock
// dominates.
func concurrentLess(a, b Replica) bool {
	if a.UserPresent != b.UserPresent {
		return b.UserPresent
	}
	if c := a.Op.OriginTimestamp().Compare(b.Op.OriginTimestamp()); c != 0 {
		return c < 0
	}
	if a.Op.OriginDevice() != b.Op.OriginDevice() {
		return a.Op.OriginDevice() < b.Op.OriginDevice()
	}
	return ir.Compare(a.Op.Fields(), b.Op.Fields()) < 0
}

// mergeDevicePreference lets the primary device win. Without exactly one
// primary version it falls back to last-writer-wins.
func mergeDevicePreference(reps []Replica) ir.Object {
	var primaries []Replica
	for _, rep := range reps {
		if rep.Primary {
			primaries = append(primaries, rep)
		}
	}
	if len(primaries) == 0 {
		primaries = reps
	}
	return lwwOrder(primaries)[0].Op.Fields()
}

// mergeSubscription takes the remote authoritative value.
func mergeSubscription(reps []Replica) (ir.Object, error) {
	var remote []Replica
	for _, rep := range reps {
		if rep.Remote {
			remote = append(remote, rep)
		}
	}
	if len(remote) == 0 {
		return nil, fmt.Errorf("%w: no remote authoritative subscription value", ErrAmbiguous)
	}
	return lwwOrder(remote)[0].Op.Fields(), nil
}

package kv

import (
	"fmt"
	"time"
)

// Key layout. Prefixes are short and mutually exclusive so components can
// scan their own keyspace without touching anyone else's.
//
//	job!<jobID>              job record (json)
//	q!<invRank>!<seq>        admission queue entry, value = jobID
//	q_seq                    global enqueue sequence counter
//	use!<tenant>!<day>       daily submission counter, expires at UTC midnight
//	iter!<jobID>             iteration counter
//	cost!<sessionID>         cumulative session cost in micro-currency
//	sched!<day>!<jobID>      next-day promotion marker, value = jobID
//	thr!<n>                  wait-estimator throughput samples

// JobKey addresses a job record.
func JobKey(jobID string) string {
	return "job!" + jobID
}

// QueueKey orders admission entries so an ascending scan yields
// (tier rank descending, sequence ascending): the rank is inverted and both
// fields are fixed-width so lexical order equals scheduling order.
func QueueKey(invRank int, seq int64) string {
	return fmt.Sprintf("q!%d!%016x", invRank, seq)
}

// QueuePrefix scans the whole admission queue in scheduling order.
const QueuePrefix = "q!"

// QueueSeqKey holds the global enqueue sequence counter.
const QueueSeqKey = "q_seq"

// UsageKey addresses a tenant's submission counter for a UTC day.
func UsageKey(tenantID string, day time.Time) string {
	return "use!" + tenantID + "!" + DayStamp(day)
}

// IterationKey addresses a job's continuation counter.
func IterationKey(jobID string) string {
	return "iter!" + jobID
}

// SessionCostKey addresses a session's cumulative spend.
func SessionCostKey(sessionID string) string {
	return "cost!" + sessionID
}

// ScheduledKey marks a job parked for next-day promotion.
func ScheduledKey(day time.Time, jobID string) string {
	return "sched!" + DayStamp(day) + "!" + jobID
}

// ScheduledPrefix scans all parked jobs across days in day order.
const ScheduledPrefix = "sched!"

// ScheduledDayPrefix scans the parked jobs of one day.
func ScheduledDayPrefix(day time.Time) string {
	return "sched!" + DayStamp(day) + "!"
}

// DayStamp formats a UTC calendar day, the unit of usage accounting.
func DayStamp(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// UntilNextMidnight returns the duration from now to the next UTC midnight,
// the natural expiry of day-scoped counters.
func UntilNextMidnight(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return next.Sub(now)
}

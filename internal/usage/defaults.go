package usage

import "time"

func defaultUsage() Usage {
	return Usage{
		Plan:     "Starter",
		Limit:    10,
		Used:     0,
		ResetsAt: nextPeriod(time.Now().UTC()),
	}
}

// nextPeriod returns the end of the current quota window. Analysis quotas
// run on a monthly cycle.
func nextPeriod(now time.Time) time.Time {
	return now.AddDate(0, 1, 0)
}

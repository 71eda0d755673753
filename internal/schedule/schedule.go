// Package schedule decides which periodic jobs are due on a given tick. It
// keeps no state of its own: every predicate derives from the current time
// and the timestamps the state store remembers.
package schedule

import (
	"time"

	"github.com/awray/market_sentry/internal/config"
)

const (
	// clockWindow is the tolerance around a configured wall-clock time.
	clockWindow = 5 * time.Minute
	// minScanGap prevents an overnight scan from rerunning at an adjacent
	// configured time.
	minScanGap = 4 * time.Hour
	// endOfDayWindow forces a final review when the next interval-based
	// review would land after the close.
	endOfDayWindow = 30
)

// ReviewDue reports whether a scheduled review should run. Due when no
// review has ever run, when the configured interval elapsed, or when the
// close is near and waiting out the interval would skip today's session.
// Elapsed time is measured on the wall clock, the stricter of the source's
// two variants.
func ReviewDue(now, lastReview time.Time, strategyHours float64, minutesToClose int) bool {
	if strategyHours <= 0 {
		return false
	}
	if lastReview.IsZero() {
		return true
	}
	interval := hoursToDuration(strategyHours)
	if now.Sub(lastReview) >= interval {
		return true
	}
	if minutesToClose >= 0 && minutesToClose <= endOfDayWindow {
		closeAt := now.Add(time.Duration(minutesToClose) * time.Minute)
		if lastReview.Add(interval).After(closeAt) {
			return true
		}
	}
	return false
}

// DiscoveryDue reports whether an opportunity-discovery run should fire:
// either the first run at a cadence hour derived from the configured start
// clock, or the interval elapsed since the last run.
func DiscoveryDue(exchangeNow, lastDiscovery time.Time, iv config.ReviewIntervalsConfig) bool {
	if iv.DiscoveryHours <= 0 {
		return false
	}
	if !lastDiscovery.IsZero() {
		return exchangeNow.Sub(lastDiscovery) >= hoursToDuration(iv.DiscoveryHours)
	}
	if iv.DiscoveryStartClock == "" {
		return true
	}
	start, err := time.Parse("15:04", iv.DiscoveryStartClock)
	if err != nil {
		return false
	}
	step := int(iv.DiscoveryHours)
	if step <= 0 {
		step = 1
	}
	offset := exchangeNow.Hour() - start.Hour()
	return offset >= 0 && offset%step == 0
}

// OvernightScanDue reports whether a news scan should run: the local time
// is within the window of any configured scan time and at least four hours
// have passed since the previous scan.
func OvernightScanDue(localNow, lastScan time.Time, scanTimes []string) bool {
	if !lastScan.IsZero() && localNow.Sub(lastScan) < minScanGap {
		return false
	}
	for _, clk := range scanTimes {
		if withinClockWindow(localNow, clk) {
			return true
		}
	}
	return false
}

// PreMarketDue reports whether the weekday pre-market briefing should run.
// lastDate is the local YYYY-MM-DD of the last briefing.
func PreMarketDue(localNow time.Time, lastDate, briefingClock string) bool {
	if briefingClock == "" {
		return false
	}
	wd := localNow.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	if lastDate == localNow.Format("2006-01-02") {
		return false
	}
	return withinClockWindow(localNow, briefingClock)
}

// WeekendBriefingDue reports whether the Sunday briefing should run.
// lastDate is persisted so a restart on Sunday does not repeat it.
func WeekendBriefingDue(localNow time.Time, lastDate, briefingClock string) bool {
	if briefingClock == "" || localNow.Weekday() != time.Sunday {
		return false
	}
	if lastDate == localNow.Format("2006-01-02") {
		return false
	}
	return withinClockWindow(localNow, briefingClock)
}

// withinClockWindow reports whether now is within the tolerance of the
// "HH:MM" target on today's date.
func withinClockWindow(now time.Time, clk string) bool {
	target, err := time.Parse("15:04", clk)
	if err != nil {
		return false
	}
	at := time.Date(now.Year(), now.Month(), now.Day(),
		target.Hour(), target.Minute(), 0, 0, now.Location())
	diff := now.Sub(at)
	if diff < 0 {
		diff = -diff
	}
	return diff <= clockWindow
}

func hoursToDuration(hours float64) time.Duration {
	return time.Duration(hours * float64(time.Hour))
}

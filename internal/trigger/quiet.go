package trigger

import (
	"time"

	"github.com/lunahq/pulse/internal/store"
)

// InQuietHours reports whether now falls inside the user's do-not-disturb
// window, evaluated in the user's timezone (UTC when the zone is unknown).
// A window whose start is later than its end spans midnight. Disabled or
// malformed windows never suppress anything.
func InQuietHours(prefs store.Preferences, now time.Time) bool {
	if !prefs.QuietEnabled {
		return false
	}
	start, ok := minuteOfDay(prefs.QuietStart)
	if !ok {
		return false
	}
	end, ok := minuteOfDay(prefs.QuietEnd)
	if !ok {
		return false
	}

	loc, err := time.LoadLocation(prefs.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	m := local.Hour()*60 + local.Minute()

	if start <= end {
		return start <= m && m < end
	}
	// Overnight window, e.g. 22:00 to 08:00.
	return m >= start || m < end
}

func minuteOfDay(hhmm string) (int, bool) {
	parsed, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, false
	}
	return parsed.Hour()*60 + parsed.Minute(), true
}

// ClassEnabled reports whether the user's preferences allow the trigger
// type's notification class. Unknown types are allowed through.
func ClassEnabled(prefs store.Preferences, triggerType string) bool {
	switch triggerType {
	case "reminder":
		return prefs.RemindersEnabled
	case DetectorMoodLow, DetectorLongAbsence, "checkin":
		return prefs.CheckinsEnabled
	case DetectorHighProductivity, "achievement":
		return prefs.AchievementsEnabled
	case "insight":
		return prefs.InsightsEnabled
	default:
		return true
	}
}

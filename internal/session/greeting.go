package session

import "time"

// greeting returns a time-of-day salutation for /start and /log.
func greeting(now time.Time) string {
	switch h := now.Hour(); {
	case h < 5:
		return "Good night! The relay is standing by."
	case h < 12:
		return "Good morning! The relay is standing by."
	case h < 18:
		return "Good afternoon! The relay is standing by."
	default:
		return "Good evening! The relay is standing by."
	}
}

package apperr

import (
	"time"
	_ "time/tzdata" // Europe/Oslo must resolve in minimal containers

	"golang.org/x/text/language"
)

var oslo = loadOslo()

func loadOslo() *time.Location {
	loc, err := time.LoadLocation("Europe/Oslo")
	if err != nil {
		return time.UTC
	}
	return loc
}

// FormatTime renders t in Norwegian local time for user-facing text.
func FormatTime(t time.Time, locale language.Tag) string {
	local := t.In(oslo)
	if locale == LocaleEnglish {
		return local.Format("2 January 2006 at 15:04")
	}
	return local.Format("02.01.2006 kl. 15:04")
}

package middleware

import (
	"github.com/gin-gonic/gin"
	"golang.org/x/text/language"

	"github.com/kursflyt/waitlist/internal/apperr"
)

// ContextLocale is the key for the negotiated response locale.
const ContextLocale = "locale"

// Locale negotiates the response language from ?lang= and Accept-Language.
func Locale(def language.Tag) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ContextLocale, apperr.ResolveLocale(c.Query("lang"), c.GetHeader("Accept-Language"), def))
		c.Next()
	}
}

// LocaleOf returns the negotiated locale, Norwegian when none was set.
func LocaleOf(c *gin.Context) language.Tag {
	if v, ok := c.Get(ContextLocale); ok {
		if tag, ok := v.(language.Tag); ok {
			return tag
		}
	}
	return apperr.LocaleNorwegian
}

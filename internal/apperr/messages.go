package apperr

import (
	"bytes"
	"strings"
	"sync"
	"text/template"
	"time"

	"golang.org/x/text/language"
)

var (
	LocaleNorwegian = language.MustParse("nb-NO")
	LocaleEnglish   = language.MustParse("en-US")
)

var supportedTags = []language.Tag{LocaleNorwegian, LocaleEnglish}

var tagMatcher = language.NewMatcher(supportedTags)

var catalogs = map[language.Tag]map[Code]string{
	LocaleNorwegian: {
		CodeValidation:      "Ugyldig verdi for {{.Field}}.",
		CodeCourseNotFound:  "Fant ikke kurset.",
		CodeSignupNotFound:  "Fant ikke påmeldingen.",
		CodeAlreadySignedUp: "Du er allerede påmeldt eller står på ventelisten til dette kurset.",
		CodeCourseNotFull:   "Kurset har fortsatt ledige plasser. Meld deg på direkte i stedet for å stå på venteliste.",
		CodeCourseFull:      "Beklager, kurset er fullt. Alle plassene er tatt.",
		CodeCourseCancelled: "Kurset er avlyst.",
		CodeInvalidState:    "Handlingen kan ikke utføres slik påmeldingen står nå.",
		CodeTokenInvalid:    "Lenken er ugyldig. Sjekk at du har brukt hele lenken fra e-posten.",
		CodeAlreadyClaimed:  "Denne plassen er allerede tatt i bruk.",
		CodeOfferExpired:    "Tilbudet om plass har utløpt.{{if .ExpiresAt}} Fristen var {{.ExpiresAt}}.{{end}}{{if .Waitlisted}} Du står fortsatt på ventelisten.{{end}}",
		CodeStoreBusy:       "Det er mye pågang akkurat nå. Prøv igjen om litt.",
		CodeUnauthorized:    "Du må være innlogget for å gjøre dette.",
		CodeForbidden:       "Du har ikke tilgang til dette kurset.",
		CodeInternal:        "Noe gikk galt. Prøv igjen senere.",
	},
	LocaleEnglish: {
		CodeValidation:      "Invalid value for {{.Field}}.",
		CodeCourseNotFound:  "Course not found.",
		CodeSignupNotFound:  "Signup not found.",
		CodeAlreadySignedUp: "You are already signed up or on the waitlist for this course.",
		CodeCourseNotFull:   "The course still has free spots. Sign up directly instead of joining the waitlist.",
		CodeCourseFull:      "Sorry, the course is full.",
		CodeCourseCancelled: "The course has been cancelled.",
		CodeInvalidState:    "This action is not possible for the signup in its current state.",
		CodeTokenInvalid:    "The link is invalid. Make sure you used the full link from the e-mail.",
		CodeAlreadyClaimed:  "This spot has already been claimed.",
		CodeOfferExpired:    "The offer has expired.{{if .ExpiresAt}} The deadline was {{.ExpiresAt}}.{{end}}{{if .Waitlisted}} You are still on the waitlist.{{end}}",
		CodeStoreBusy:       "We are very busy right now. Please try again shortly.",
		CodeUnauthorized:    "You must be signed in to do this.",
		CodeForbidden:       "You do not have access to this course.",
		CodeInternal:        "Something went wrong. Please try again later.",
	},
}

var (
	templatesMu sync.RWMutex
	templates   = map[string]*template.Template{}
)

// ResolveLocale picks the best supported locale for an explicit choice
// (e.g. ?lang=en) falling back to an Accept-Language header and then def.
func ResolveLocale(explicit, acceptLanguage string, def language.Tag) language.Tag {
	if v := strings.TrimSpace(explicit); v != "" {
		if tag, err := language.Parse(v); err == nil {
			_, idx, conf := tagMatcher.Match(tag)
			if conf != language.No {
				return supportedTags[idx]
			}
		}
	}
	if v := strings.TrimSpace(acceptLanguage); v != "" {
		if tags, _, err := language.ParseAcceptLanguage(v); err == nil && len(tags) > 0 {
			_, idx, conf := tagMatcher.Match(tags...)
			if conf != language.No {
				return supportedTags[idx]
			}
		}
	}
	return def
}

// ParseLocale returns the supported tag closest to s, or Norwegian.
func ParseLocale(s string) language.Tag {
	return ResolveLocale(s, "", LocaleNorwegian)
}

// Message renders the user-facing text for err in the given locale.
// Errors without a code render as CodeInternal.
func Message(err error, locale language.Tag) string {
	return Format(CodeOf(err), MetadataOf(err), locale)
}

// Format renders the template for code. Unknown locales fall back to
// Norwegian and unknown codes fall back to the internal error text.
func Format(code Code, metadata map[string]string, locale language.Tag) string {
	messages, ok := catalogs[locale]
	if !ok {
		messages = catalogs[LocaleNorwegian]
	}
	src, ok := messages[code]
	if !ok {
		src = messages[CodeInternal]
	}
	metadata = localizeTimes(metadata, locale)

	t, err := lookupTemplate(locale.String()+"/"+string(code), src)
	if err != nil {
		return src
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, metadata); err != nil {
		return src
	}
	return strings.ReplaceAll(buf.String(), "<no value>", "")
}

// localizeTimes rewrites RFC 3339 values of keys ending in "At" for display.
func localizeTimes(metadata map[string]string, locale language.Tag) map[string]string {
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		if strings.HasSuffix(k, "At") {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				v = FormatTime(t, locale)
			}
		}
		out[k] = v
	}
	return out
}

func lookupTemplate(key, src string) (*template.Template, error) {
	templatesMu.RLock()
	t, ok := templates[key]
	templatesMu.RUnlock()
	if ok {
		return t, nil
	}
	t, err := template.New(key).Option("missingkey=zero").Parse(src)
	if err != nil {
		return nil, err
	}
	templatesMu.Lock()
	templates[key] = t
	templatesMu.Unlock()
	return t, nil
}

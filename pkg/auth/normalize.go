package auth

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LingByte/LingReach/pkg/session"
	"github.com/spf13/cast"
)

// DateLayout is the canonical date-of-birth form.
const DateLayout = "2006-01-02"

var months = map[string]time.Month{
	"january": time.January, "jan": time.January, "enero": time.January,
	"february": time.February, "feb": time.February, "febrero": time.February,
	"march": time.March, "mar": time.March, "marzo": time.March,
	"april": time.April, "apr": time.April, "abril": time.April, "abr": time.April,
	"may": time.May, "mayo": time.May,
	"june": time.June, "jun": time.June, "junio": time.June,
	"july": time.July, "jul": time.July, "julio": time.July,
	"august": time.August, "aug": time.August, "agosto": time.August, "ago": time.August,
	"september": time.September, "sep": time.September, "sept": time.September, "septiembre": time.September, "setiembre": time.September,
	"october": time.October, "oct": time.October, "octubre": time.October,
	"november": time.November, "nov": time.November, "noviembre": time.November,
	"december": time.December, "dec": time.December, "diciembre": time.December, "dic": time.December,
}

var numericLayouts = []string{"2006-01-02", "2006/01/02", "2006-1-2", "2006/1/2"}

// Normalize converts a spoken or typed answer for fact into its canonical form.
// The bool is false when the text cannot be read as that fact.
func Normalize(fact session.Fact, text string) (string, bool) {
	switch fact {
	case session.FactZIP:
		return NormalizeZIP(text)
	case session.FactSSN4:
		return NormalizeSSN4(text)
	case session.FactDOB:
		return NormalizeDOB(text, time.Now())
	}
	return "", false
}

// NormalizeZIP accepts 5 or 9 digits and keeps the first 5.
func NormalizeZIP(text string) (string, bool) {
	d := spokenDigits(text)
	switch len(d) {
	case 5:
		return d, true
	case 9:
		return d[:5], true
	}
	return "", false
}

// NormalizeSSN4 accepts exactly 4 digits, or a full 9-digit number reduced to its last 4.
func NormalizeSSN4(text string) (string, bool) {
	d := spokenDigits(text)
	switch len(d) {
	case 4:
		return d, true
	case 9:
		return d[5:], true
	}
	return "", false
}

// NormalizePhone reads a keyed or spoken cell number as E.164. Ten digits
// are taken as a US number.
func NormalizePhone(text string) (string, bool) {
	d := spokenDigits(text)
	switch {
	case len(d) == 10 && d[0] != '0' && d[0] != '1':
		return "+1" + d, true
	case len(d) == 11 && d[0] == '1':
		return "+" + d, true
	case strings.HasPrefix(strings.TrimSpace(text), "+") && len(d) >= 8 && len(d) <= 15 && d[0] != '0':
		return "+" + d, true
	}
	return "", false
}

// NormalizeDOB reads numeric, ISO and month-name dates in English or Spanish.
// Numeric dates are month first unless the first part cannot be a month.
func NormalizeDOB(text string, now time.Time) (string, bool) {
	folded := strings.TrimSpace(fold(text))
	if folded == "" {
		return "", false
	}
	compact := strings.Join(strings.Fields(folded), "")
	for _, layout := range numericLayouts {
		if t, err := time.Parse(layout, compact); err == nil {
			return validDate(t.Year(), int(t.Month()), t.Day(), now)
		}
	}
	if t, err := cast.ToTimeE(strings.TrimSpace(text)); err == nil && t.Year() > 1000 {
		return validDate(t.Year(), int(t.Month()), t.Day(), now)
	}

	tokens := strings.Fields(strings.NewReplacer("/", " / ", "-", " / ", ".", " / ").Replace(folded))
	tokens = numberGroups(tokens)

	var (
		month time.Month
		nums  []string
	)
	for _, tok := range tokens {
		if m, ok := months[tok]; ok && month == 0 {
			month = m
			continue
		}
		if _, err := strconv.Atoi(tok); err == nil {
			nums = append(nums, tok)
		}
	}
	if month != 0 {
		return fromMonthName(month, nums, now)
	}
	return fromNumbers(nums, now)
}

// fromMonthName handles "march 15 1985" and "15 de marzo de 1985". The day
// comes first among the numbers in both orders.
func fromMonthName(month time.Month, nums []string, now time.Time) (string, bool) {
	if len(nums) < 2 {
		return "", false
	}
	day, err := strconv.Atoi(nums[0])
	if err != nil {
		return "", false
	}
	year, ok := joinYear(nums[1:], now)
	if !ok {
		return "", false
	}
	return validDate(year, int(month), day, now)
}

// fromNumbers handles "3 15 1985", "03/15/1985", "03151985" and dates read digit by digit.
func fromNumbers(nums []string, now time.Time) (string, bool) {
	if joined := strings.Join(nums, ""); len(nums) != 3 && len(joined) == 8 {
		nums = []string{joined[0:2], joined[2:4], joined[4:8]}
	}
	if len(nums) < 3 {
		return "", false
	}
	a, err1 := strconv.Atoi(nums[0])
	b, err2 := strconv.Atoi(nums[1])
	if err1 != nil || err2 != nil {
		return "", false
	}
	year, ok := joinYear(nums[2:], now)
	if !ok {
		return "", false
	}
	month, day := a, b
	if a > 12 && b <= 12 {
		month, day = b, a
	}
	return validDate(year, month, day, now)
}

// joinYear concatenates spoken year parts ("19" "85") and expands two-digit years.
func joinYear(parts []string, now time.Time) (int, bool) {
	if len(parts) == 0 {
		return 0, false
	}
	joined := strings.Join(parts, "")
	y, err := strconv.Atoi(joined)
	if err != nil {
		return 0, false
	}
	switch len(joined) {
	case 4:
		return y, true
	case 2:
		if y > now.Year()%100 {
			return 1900 + y, true
		}
		return 2000 + y, true
	}
	return 0, false
}

func validDate(year, month, day int, now time.Time) (string, bool) {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return "", false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return "", false
	}
	if year < 1900 || t.After(now) {
		return "", false
	}
	return t.Format(DateLayout), true
}

// FormatDOB renders a canonical date for logs and prompts.
func FormatDOB(canonical string) string {
	t, err := time.Parse(DateLayout, canonical)
	if err != nil {
		return canonical
	}
	return fmt.Sprintf("%02d/%02d/%04d", t.Month(), t.Day(), t.Year())
}

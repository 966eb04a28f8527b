package sdfat

import (
	"fmt"
	"time"
)

// Timestamp is the last modification time of a directory entry as stored on disk.
// FAT has no time zone and a resolution of two seconds.
type Timestamp struct {
	Year   int
	Month  int
	Day    int
	Hour   int
	Minute int
	Second int
}

func unpackTimestamp(date, clock uint16) Timestamp {
	return Timestamp{
		Year:   1980 + int(date>>9),
		Month:  int(date >> 5 & 0x0F),
		Day:    int(date & 0x1F),
		Hour:   int(clock >> 11),
		Minute: int(clock >> 5 & 0x3F),
		Second: int(clock&0x1F) * 2,
	}
}

// Time converts t with ParseDate and ParseTime, so an invalid date results in the zero time.
func (t Timestamp) Time() time.Time {
	date := ParseDate(uint16(t.Year-1980)<<9 | uint16(t.Month)<<5 | uint16(t.Day))
	if date.IsZero() {
		return time.Time{}
	}
	clock := ParseTime(uint16(t.Hour)<<11 | uint16(t.Minute)<<5 | uint16(t.Second/2))
	return time.Date(date.Year(), date.Month(), date.Day(), clock.Hour(), clock.Minute(), clock.Second(), 0, time.UTC)
}

// String formats t the way the card listing prints it: day/month/year hour:minute.
func (t Timestamp) String() string {
	return fmt.Sprintf("%d/%d/%d\t%d:%d", t.Day, t.Month, t.Year, t.Hour, t.Minute)
}

// ParseDate reads a packed FAT date:
//  Bits 0–4: Day of month, valid value range 1- 31 inclusive.
//  Bits 5–8: Month of year, 1 = January, valid value range 1–12 inclusive.
//  Bits 9–15: Count of years from 1980, valid value range 0–127 inclusive
//  (1980–2107).
// It returns a time.Time which has always a time of 00:00:00.000000000 UTC.
//
// Day or month 0 is invalid, in that case time.Time{} is returned so time.Time.IsZero() can be used.
// A month above 12 rolls over into the next year.
func ParseDate(input uint16) time.Time {
	dayOfMonth := input & 0x1F
	monthOfYear := input & 0x1E0 >> 5
	yearSince1980 := input & 0xFE00 >> 9

	if dayOfMonth == 0 || monthOfYear == 0 {
		return time.Time{}
	}

	return time.Date(1980+int(yearSince1980), time.Month(monthOfYear), int(dayOfMonth), 0, 0, 0, 0, time.UTC)
}

// ParseTime reads a packed FAT time with a granularity of 2 seconds:
//  Bits 0–4: 2- second count, valid value range 0–29 inclusive (0 – 58 seconds).
//  Bits 5–10: Minutes, valid value range 0–59 inclusive.
//  Bits 11–15: Hours, valid value range 0–23 inclusive.
// It returns a time.Time on January 1, year 1.
//
// Out of range values are added to the time, but the result is limited to 23:59:59.
func ParseTime(input uint16) time.Time {
	seconds := int(input&0x1F) * 2
	minutes := input & 0x7E0 >> 5
	hours := input & 0xF800 >> 11

	result := time.Date(1, 1, 1, int(hours), int(minutes), seconds, 0, time.UTC)

	if result.Day() > 1 {
		return time.Date(1, 1, 1, 23, 59, 59, 0, time.UTC)
	}

	return result
}

package zipcd

import (
	"time"
)

// msDosTimeToTime converts an MS-DOS date and time into a time.Time.
// The resolution is 2s.
// See: https://learn.microsoft.com/en-us/windows/win32/api/winbase/nf-winbase-dosdatetimetofiletime
//
// taken from https://go.dev/src/archive/zip/struct.go.
func msDosTimeToTime(dosDate, dosTime uint16) time.Time {
	return time.Date(
		// date bits 0-4: day of month; 5-8: month; 9-15: years since 1980
		int(dosDate>>9+1980),
		time.Month(dosDate>>5&0xf),
		int(dosDate&0x1f),

		// time bits 0-4: second/2; 5-10: minute; 11-15: hour
		int(dosTime>>11),
		int(dosTime>>5&0x3f),
		int(dosTime&0x1f*2),
		0, // nanoseconds

		time.UTC,
	)
}

// SetModified sets the record's modification time, both the time.Time field and the MS-DOS encoded fields the
// headers are written from. Times before the MS-DOS epoch are clamped to 1980-01-01.
func (r *Record) SetModified(t time.Time) {
	r.Modified = t

	t = t.In(time.UTC)
	if t.Year() < 1980 {
		r.ModifiedDate, r.ModifiedTime = 1<<5|1, 0
		return
	}
	r.ModifiedDate = uint16(t.Year()-1980)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
	r.ModifiedTime = uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
}

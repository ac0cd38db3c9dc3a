package queuer

import "time"

// rssBackupURLBase is the public bucket the rss-fetcher pipeline
// publishes its daily synthetic-RSS backup files to.
const rssBackupURLBase = "https://mediacloud-public.s3.amazonaws.com/backup-daily-rss"

// earliestFetchDate bounds --fetch-date: no rss-fetcher backup exists
// before this date.
const earliestFetchDate = "2022-02-18"

// backupURLForDate builds the rss-fetcher backup file URL for a
// YYYY-MM-DD date.
func backupURLForDate(date string) string {
	return rssBackupURLBase + "/mc-" + date + ".rss.gz"
}

// previousDate returns the date, in GMT, "days" days before now minus
// one hour: rss-fetcher's backup for a given day is usually ready by
// 00:45 GMT the next day, so anything requested before 01:00 GMT
// resolves to the day before it naively would.
func previousDate(now time.Time, days int) string {
	return now.UTC().Add(-time.Duration(days*24+1) * time.Hour).Format("2006-01-02")
}

// ExpandDateInputs turns rss-queuer's --fetch-date/--days/--yesterday
// shortcuts into backup file URLs, appending them to paths. Invalid or
// out-of-range fetch dates are skipped (not an error) with a log call
// left to the caller via the returned skipped slice.
func ExpandDateInputs(now time.Time, paths, fetchDates []string, days int, yesterday bool) (expanded, skipped []string) {
	yesterdayDate := previousDate(now, 1)

	for _, date := range fetchDates {
		if len(date) != len("YYYY-MM-DD") || date > yesterdayDate || date < earliestFetchDate {
			skipped = append(skipped, date)
			continue
		}
		paths = append(paths, backupURLForDate(date))
	}

	switch {
	case yesterday:
		paths = append(paths, backupURLForDate(yesterdayDate))
	case days > 0:
		for d := 1; d <= days; d++ {
			paths = append(paths, backupURLForDate(previousDate(now, d)))
		}
	}

	return paths, skipped
}

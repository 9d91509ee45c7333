package guard

import (
	"fmt"
	"strings"
	"time"
)

// dayKey builds the (ticker, account, date) key shared by all guard
// implementations, e.g. "guard:RELIANCE:3:2026-08-30".
func dayKey(ticker string, accountID int, now time.Time) string {
	return fmt.Sprintf("guard:%s:%d:%s", ticker, accountID, datePart(now))
}

func datePart(now time.Time) string {
	return now.Format("2006-01-02")
}

func containsDate(key, date string) bool {
	return strings.HasSuffix(key, ":"+date)
}

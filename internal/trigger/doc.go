// Package trigger turns a time of day and a recurrence into armed timers.
//
// Daily posts are cron entries ("m h * * *") in the configured location.
// Once posts are single time.AfterFunc timers at the next occurrence of
// their time of day; a passed time today means tomorrow. Each id has at
// most one armed timer; arming an id that is already armed is an error,
// callers cancel first.
package trigger

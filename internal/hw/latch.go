package hw

import "log/slog"

// ErrorLatch keeps a loop's I/O failures from flooding the log: an error is
// logged when its text changes, and once more when the device recovers.
type ErrorLatch struct {
	last  string
	count uint64
}

// Observe records the outcome of one I/O call. It reports whether err was nil.
func (l *ErrorLatch) Observe(log *slog.Logger, what string, err error) bool {
	if err == nil {
		if l.last != "" {
			log.Info(what+" recovered", "after_errors", l.count)
			l.last = ""
		}
		return true
	}
	l.count++
	if msg := err.Error(); msg != l.last {
		l.last = msg
		log.Warn(what+" failed", "error", err)
	}
	return false
}

// Last returns the current error text, empty when healthy.
func (l *ErrorLatch) Last() string { return l.last }

func (l *ErrorLatch) Count() uint64 { return l.count }

package notesync

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `notesync` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - save failures and fallback to the offline cache
//     - connect/reconnect errors and abnormal teardown
// V(1):
//     key lifecycle events with ids that can be used to filter
//     - session open/close, group join/leave, offline transitions
// V(2):
//     frequent events - e.g. keystroke broadcast, receive, ping -
//     logged with short bracket tags so they can be filtered

type LogFunction func(string, ...any)

// LogFn returns a tagged logger for per-instance trace logging.
// The tag convention is a short bracket prefix plus the instance id,
// e.g. "[sess]<noteId>".
func LogFn(tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(1) {
			m := fmt.Sprintf(format, a...)
			glog.Infof("%s %s\n", tag, m)
		}
	}
}

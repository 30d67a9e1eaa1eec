package debug

import (
	"fmt"
	"os"
	"time"
)

// Enabled gates all debug output. The TUI owns stdout, so diagnostics go to
// a file instead.
var Enabled = os.Getenv("FORUMCHAT_DEBUG") != ""

var logPath = "forumchat-debug.log"

// SetPath redirects debug output to a different file. Useful for tests.
func SetPath(path string) { logPath = path }

// Log appends a timestamped line to the debug log if debug mode is enabled.
func Log(format string, args ...interface{}) {
	if !Enabled {
		return
	}
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, time.Now().Format("15:04:05.000 ")+format+"\n", args...)
}

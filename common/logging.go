// Package common provides the shared ambient utilities of the registry:
// the process-wide structured logger with stdout/stderr stream
// separation, and a handful of small helpers used across packages.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines by severity: error-level
// entries go to stderr, everything else to stdout. Container platforms
// and shell scripts can then treat the two streams differently without
// parsing the log body.
type OutputSplitter struct{}

// Write inspects the formatted entry for logrus's error-level marker
// and picks the stream. The marker check works for both the text and
// JSON formatters.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-wide logger every registry component logs
// through. It is configured once at startup via ConfigureLogger; before
// that it runs with logrus defaults behind the OutputSplitter.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

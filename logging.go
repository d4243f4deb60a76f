package ploop

import "github.com/sirupsen/logrus"

// logger is the package-level sink every component above the pure data
// layer (C1-C3) writes structured entries to. Host processes embedding
// this library call SetLogger to redirect it (e.g. to syslog), the way a
// daemon wires its own formatter onto a vendored library's default.
var logger = logrus.StandardLogger()

// SetLogger installs l as the package-wide logger. Passing nil restores
// logrus's standard logger.
func SetLogger(l *logrus.Logger) {
	if l == nil {
		l = logrus.StandardLogger()
	}
	logger = l
}

func init() {
	if lvl, ok := logLevelFromEnv(); ok {
		logger.SetLevel(lvl)
	}
}

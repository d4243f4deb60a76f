package ploop

import (
	"os"

	"github.com/sirupsen/logrus"
)

// envSkipExtentsCheck is the escape hatch named in §6.3/§6.4: any value
// (including empty) skips the extents-flag gates: checkBaseExtents in
// checkDeltas and checkExtentsFlag in MountFS.
const envSkipExtentsCheck = "PLOOP_SKIP_EXT4_EXTENTS_CHECK"

// envLogLevel selects logrus's level by name; unset leaves the default.
const envLogLevel = "PLOOP_LOG_LEVEL"

// skipExtentsCheck reports whether the extents-flag gate (§4.5) should be
// bypassed for this process.
func skipExtentsCheck() bool {
	_, set := os.LookupEnv(envSkipExtentsCheck)
	return set
}

// logLevelFromEnv reads PLOOP_LOG_LEVEL once at init.
func logLevelFromEnv() (logrus.Level, bool) {
	v, set := os.LookupEnv(envLogLevel)
	if !set {
		return 0, false
	}
	lvl, err := logrus.ParseLevel(v)
	if err != nil {
		return 0, false
	}
	return lvl, true
}

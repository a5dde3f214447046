//go:build !race && !delve

package util

import "time"

// Restore pipelines touch the filesystem, keep some slack.
const TestTimeout  = 2 * time.Second
const SmallTimeout = 2 * time.Millisecond
const MedTimeout   = 5 * time.Millisecond
const LargeTimeout = 17 * time.Millisecond
const RaceDetectorOn = false

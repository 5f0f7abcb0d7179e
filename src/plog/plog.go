// Package plog provides the one structured logger shared by every
// subsystem package in this module. It carries no CLI flag wiring,
// span/tracing machinery, or log-rotation policy -- those remain
// external collaborators per spec §1's stated Non-goals. It exists
// only because the ambient stack still needs a real logging library
// wherever the teacher would have reached for one: biscuit itself
// only ever called fmt.Printf (see mem.Phys_init's startup banner),
// but the rest of the retrieved pack (gvisor) depends on
// github.com/sirupsen/logrus pervasively for leveled, field-carrying
// log lines, so that is what this module standardizes on.
package plog

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Fields is a type alias so callers don't need to import logrus
// directly for the common case of attaching structured fields.
type Fields = logrus.Fields

var root = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// For returns a logger scoped to the named subsystem (e.g. "nvme",
// "vpci"), the moral equivalent of a per-package prefix.
func For(subsystem string) *logrus.Entry {
	return root.WithField("subsystem", subsystem)
}

// SetJSON switches the process-wide logger to JSON output, the mode a
// paravisor running as a host-managed service would use so its log
// lines can be ingested structurally rather than scraped as text.
func SetJSON() {
	root.SetFormatter(&logrus.JSONFormatter{})
}

// SetLevel adjusts the process-wide minimum log level.
func SetLevel(level logrus.Level) {
	root.SetLevel(level)
}

var printer = message.NewPrinter(language.English)

// Count formats a large integer counter (page counts, PFN counts,
// queue depths) with thousands separators for human-readable log
// lines, e.g. "1,048,576 pages". JSON-formatted logs skip this and
// just carry the raw number as a field.
func Count(n int64) string {
	return printer.Sprintf("%d", n)
}

// Bytes formats a byte count alongside its MiB equivalent, matching
// the style of the teacher's own startup banner ("Reserved %v pages
// (%vMB)" in mem.Phys_init).
func Bytes(n int64) string {
	return fmt.Sprintf("%s bytes (%dMB)", Count(n), n>>20)
}

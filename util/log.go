package util

import (
  "encoding/json"
  "fmt"
  "io"
  "os"
  "runtime"

  "github.com/sirupsen/logrus"
)

var logger *logrus.Logger

func init() {
  logger = logrus.New()
  logger.SetOutput(os.Stderr)
  logger.SetLevel(logrus.InfoLevel)
  logger.SetFormatter(&logrus.TextFormatter{
    FullTimestamp: true,
    TimestampFormat: "2006-01-02 15:04:05",
  })
}

func SetVerbose(verbose bool) {
  if verbose { logger.SetLevel(logrus.DebugLevel); return }
  logger.SetLevel(logrus.InfoLevel)
}

// Used by tests to capture or silence the output.
func SetLogOutput(out io.Writer) { logger.SetOutput(out) }

// Attaches structured fields to a single line.
func WithFields(fields map[string]interface{}) *logrus.Entry {
  return logger.WithFields(logrus.Fields(fields))
}

func Fatalf(format string, v ...interface{}) {
  logger.Errorf("[FATAL] " + format, v...)
  buf := make([]byte, 4096)
  cnt := runtime.Stack(buf, /*all=*/false)
  logger.Fatalf("Stack:\n%s", buf[:cnt])
}

func Infof(format string, v ...interface{}) {
  logger.Infof(format, v...)
}

func Debugf(format string, v ...interface{}) {
  logger.Debugf(format, v...)
}

func Warnf(format string, v ...interface{}) {
  logger.Warnf(format, v...)
}

func Errorf(format string, v ...interface{}) {
  logger.Errorf(format, v...)
}

// Nicer than simply using '%v' for nested structs.
func AsJson(val interface{}) string {
  str, err := json.MarshalIndent(val, "", "  ")
  if err != nil { return fmt.Sprintf("%v", val) }
  return string(str)
}

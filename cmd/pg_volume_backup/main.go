package main

import (
  "fmt"
  "os"

  "pg_volume_backup/types"
  "pg_volume_backup/util"
)

func main() {
  cmd, err := rootCmd.ExecuteC()
  if app != nil {
    if werr := app.Metrics.WriteTextfile(app.Conf.MetricsTextfile); werr != nil {
      util.Warnf("Could not write metrics textfile: %v", werr)
    }
  }
  if err == nil { os.Exit(int(types.ExitOk)) }

  code := types.ExitCodeFor(err, isRestoreSide(cmd.Name()))
  fmt.Fprintf(os.Stderr, "%s failed (exit %d): %v\n", cmd.CommandPath(), code, err)
  os.Exit(int(code))
}

package metrics

import (
  "errors"
  "fmt"
  fpmod "path/filepath"
  "strings"
  "testing"
  "time"

  "pg_volume_backup/types"
  "pg_volume_backup/util"

  "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveRun(t *testing.T) {
  recorder := NewRecorder()
  recorder.ObserveRun(OpBackup, time.Now(), nil)
  recorder.ObserveRun(OpBackup, time.Now(), nil)
  disk_err := types.NewError(types.KindInsufficientResource, "preflight", types.ErrInsufficientDiskSpace)
  recorder.ObserveRun(OpRestore, time.Now(), disk_err)

  util.EqualsOrFailTest(t, "Bad success count",
                        testutil.ToFloat64(recorder.runs.WithLabelValues(OpBackup, "success")), float64(2))
  util.EqualsOrFailTest(t, "Bad failure count",
                        testutil.ToFloat64(recorder.runs.WithLabelValues(OpRestore, "insufficient_resource")), float64(1))
  util.EqualsOrFailTest(t, "Failure sets last success",
                        testutil.ToFloat64(recorder.lastSuccess.WithLabelValues(OpRestore)), float64(0))
}

func TestObserveRetention(t *testing.T) {
  recorder := NewRecorder()
  deleted := &types.DeletedItems{
    Deleted: util.DummyBackupsAged(10, 20),
    Failed: map[string]error{ "backups/x": errors.New("denied"), },
  }
  recorder.ObserveRetention(deleted, true)
  util.EqualsOrFailTest(t, "Dry run counted", testutil.ToFloat64(recorder.generationsPruned), float64(0))
  recorder.ObserveRetention(deleted, false)
  util.EqualsOrFailTest(t, "Bad pruned", testutil.ToFloat64(recorder.generationsPruned), float64(2))
  util.EqualsOrFailTest(t, "Bad failures", testutil.ToFloat64(recorder.pruneFailures), float64(1))
}

func TestNilRecorder(t *testing.T) {
  var recorder *Recorder
  recorder.ObserveRun(OpBackup, time.Now(), nil)
  recorder.ObserveWal(1, 1)
  if err := recorder.WriteTextfile("/nonexistent/metrics.prom"); err != nil { t.Errorf("nil recorder wrote: %v", err) }
}

func TestWriteTextfile(t *testing.T) {
  recorder := NewRecorder()
  recorder.ObserveWal(3, 1)
  recorder.ObserveStaged(OpBackup, 1024)
  path := fpmod.Join(t.TempDir(), "pg_volume_backup.prom")
  if err := recorder.WriteTextfile(path); err != nil { t.Fatalf("WriteTextfile: %v", err) }
  content := util.ReadFileOrDie(t, path)
  for _,expect := range []string{
      "pg_volume_backup_wal_segments_fetched_total 3",
      "pg_volume_backup_wal_segments_missing_total 1",
      fmt.Sprintf(`pg_volume_backup_staged_bytes{operation="%s"} 1024`, OpBackup), } {
    if !strings.Contains(content, expect) { t.Errorf("missing '%s' in:\n%s", expect, content) }
  }
  if err := recorder.WriteTextfile(""); err != nil { t.Errorf("empty path should be a noop: %v", err) }
}

package metrics
// Run metrics for the node_exporter textfile collector.
// The tool is a short lived cli so nothing is served, the registry is dumped to a file at exit.

import (
  "time"

  "pg_volume_backup/types"
  "pg_volume_backup/util"

  "github.com/prometheus/client_golang/prometheus"
  "github.com/prometheus/client_golang/prometheus/promauto"
)

const (
  OpBackup    = "backup"
  OpRestore   = "restore"
  OpRetention = "retention"
  OpVerify    = "verify"
  OpCanary    = "canary"
)

// All methods are safe on a nil receiver so collaborators can run without metrics.
type Recorder struct {
  Registry          *prometheus.Registry
  runs              *prometheus.CounterVec
  duration          *prometheus.HistogramVec
  lastSuccess       *prometheus.GaugeVec
  generationsPruned prometheus.Counter
  pruneFailures     prometheus.Counter
  walFetched        prometheus.Counter
  walMissing        prometheus.Counter
  bytesStaged       *prometheus.GaugeVec
}

func NewRecorder() *Recorder {
  registry := prometheus.NewRegistry()
  factory := promauto.With(registry)
  return &Recorder{
    Registry: registry,
    runs: factory.NewCounterVec(
      prometheus.CounterOpts{
        Name: "pg_volume_backup_runs_total",
        Help: "Pipeline runs by operation and result",
      },
      []string{"operation", "result"},
    ),
    duration: factory.NewHistogramVec(
      prometheus.HistogramOpts{
        Name:    "pg_volume_backup_duration_seconds",
        Help:    "Duration of pipeline runs",
        Buckets: []float64{ 10, 30, 60, 300, 900, 1800, 3600, 7200, 14400, },
      },
      []string{"operation"},
    ),
    lastSuccess: factory.NewGaugeVec(
      prometheus.GaugeOpts{
        Name: "pg_volume_backup_last_success_timestamp_seconds",
        Help: "Unix time of the last successful run",
      },
      []string{"operation"},
    ),
    generationsPruned: factory.NewCounter(prometheus.CounterOpts{
      Name: "pg_volume_backup_generations_pruned_total",
      Help: "Backup generations deleted by retention",
    }),
    pruneFailures: factory.NewCounter(prometheus.CounterOpts{
      Name: "pg_volume_backup_prune_failures_total",
      Help: "Backup generations retention failed to delete",
    }),
    walFetched: factory.NewCounter(prometheus.CounterOpts{
      Name: "pg_volume_backup_wal_segments_fetched_total",
      Help: "Archived WAL segments restored into pg_wal",
    }),
    walMissing: factory.NewCounter(prometheus.CounterOpts{
      Name: "pg_volume_backup_wal_segments_missing_total",
      Help: "WAL segments in the backup range absent from the archive",
    }),
    bytesStaged: factory.NewGaugeVec(
      prometheus.GaugeOpts{
        Name: "pg_volume_backup_staged_bytes",
        Help: "Size of the files staged by the last run",
      },
      []string{"operation"},
    ),
  }
}

func result(err error) string {
  if err == nil { return "success" }
  return types.KindOf(err).String()
}

func (self *Recorder) ObserveRun(op string, start time.Time, err error) {
  if self == nil { return }
  self.runs.WithLabelValues(op, result(err)).Inc()
  self.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
  if err == nil { self.lastSuccess.WithLabelValues(op).SetToCurrentTime() }
}

func (self *Recorder) ObserveRetention(deleted *types.DeletedItems, dry_run bool) {
  if self == nil || deleted == nil || dry_run { return }
  self.generationsPruned.Add(float64(len(deleted.Deleted)))
  self.pruneFailures.Add(float64(len(deleted.Failed)))
}

func (self *Recorder) ObserveWal(fetched int, missing int) {
  if self == nil { return }
  self.walFetched.Add(float64(fetched))
  self.walMissing.Add(float64(missing))
}

func (self *Recorder) ObserveStaged(op string, bytes int64) {
  if self == nil { return }
  self.bytesStaged.WithLabelValues(op).Set(float64(bytes))
}

// Empty `path` is a noop. The file is replaced atomically.
func (self *Recorder) WriteTextfile(path string) error {
  if self == nil || len(path) == 0 { return nil }
  if err := prometheus.WriteToTextfile(path, self.Registry); err != nil { return err }
  util.Debugf("Metrics written to '%s'", path)
  return nil
}

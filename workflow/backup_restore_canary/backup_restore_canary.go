package backup_restore_canary

import (
  "context"
  "fmt"
  "os"
  fpmod "path/filepath"
  "strings"
  "time"

  "pg_volume_backup/archive"
  "pg_volume_backup/checksum"
  "pg_volume_backup/metrics"
  "pg_volume_backup/preflight"
  "pg_volume_backup/types"
  "pg_volume_backup/util"
  "pg_volume_backup/wal_range"

  "github.com/google/uuid"
)

const (
  PgVersionName = "PG_VERSION"
  BackupLabelName = "backup_label"
)

// Fields that may change value during the execution.
type State struct {
  Uuid     string
  Root     string
  FetchDir string
  DataDir  string
}

type CanaryResult struct {
  Backup    *types.BackupDescriptor
  // False when the generation has no checksum manifest.
  Verified  bool
  Files     int
  PgVersion string
  WalRange  types.WalSegmentRange
}

// Restore drill for the newest (or an explicit) generation.
// Everything happens in a scratch directory, the service and its volumes are never touched.
type BackupRestoreCanary struct {
  Conf    *types.Config
  Store   types.ObjectStore
  Locator types.BackupLocator
  Probe   types.FilesystemProbe
  Metrics *metrics.Recorder
  State   *State
}

func NewBackupRestoreCanary(
    conf *types.Config, store types.ObjectStore, locator types.BackupLocator,
    probe types.FilesystemProbe, recorder *metrics.Recorder) (*BackupRestoreCanary, error) {
  if store == nil || locator == nil {
    return nil, types.Errorf(types.KindMissingArgument, "canary",
                             "%w: the canary needs an object store", types.ErrMissingArgument)
  }
  canary := &BackupRestoreCanary{
    Conf: conf,
    Store: store,
    Locator: locator,
    Probe: probe,
    Metrics: recorder,
  }
  return canary, nil
}

// Creates the scratch directory under the staging dir.
func (self *BackupRestoreCanary) Setup(ctx context.Context) error {
  if self.State != nil {
    util.Infof("Setup twice is a noop: %s", self.State.Uuid)
    return nil
  }
  id := uuid.NewString()
  root := fpmod.Join(self.Conf.Backup.StagingDir, "pg_volume_canary_" + id[:8])
  state := &State{
    Uuid: id,
    Root: root,
    FetchDir: fpmod.Join(root, "backup"),
    DataDir: fpmod.Join(root, "data"),
  }
  for _,dir := range []string{ state.FetchDir, state.DataDir, } {
    if err := os.MkdirAll(dir, 0700); err != nil {
      return util.Coalesce(err, os.RemoveAll(root))
    }
  }
  self.State = state
  util.Infof("Canary scratch dir: '%s'", root)
  return nil
}

func (self *BackupRestoreCanary) TearDown(ctx context.Context) error {
  if self.State == nil {
    util.Infof("Teardown before calling setup is a noop")
    return nil
  }
  err := os.RemoveAll(self.State.Root)
  self.State = nil
  return err
}

func (self *BackupRestoreCanary) fetch(ctx context.Context, backup *types.BackupDescriptor) error {
  objs, err := self.Store.List(ctx, backup.Location + "/")
  var size int64 = -1
  if err == nil && len(objs) > 0 {
    size = 0
    for _,obj := range objs { size += obj.Size }
  }
  conf := self.Conf.Preflight
  required := preflight.RequiredGB(size, err, conf.MarginGB, conf.FallbackMinGB)
  if err := preflight.CheckDiskSpace(self.Probe, self.State.Root, required); err != nil { return err }
  return self.Store.GetRecursive(ctx, backup.Location + "/", self.State.FetchDir)
}

func (self *BackupRestoreCanary) verify(result *CanaryResult) error {
  if !preflight.FileExists(fpmod.Join(self.State.FetchDir, types.ManifestName)) {
    util.Warnf("Generation '%s' has no checksum manifest", result.Backup.Location)
    return nil
  }
  verified, err := checksum.VerifyDir(self.State.FetchDir)
  if err != nil { return err }
  if !verified.Ok {
    return types.NewError(types.KindOperationFailed, "canary_verify",
                          fmt.Errorf("%w: %d files do not match the manifest:\n%s",
                                     types.ErrRestoreFailed, len(verified.Mismatches),
                                     util.AsJson(verified.Mismatches)))
  }
  result.Verified = true
  return nil
}

func canaryFailed(format string, args ...interface{}) error {
  return types.NewError(types.KindOperationFailed, "canary_validate",
                        fmt.Errorf("%w: %s", types.ErrRestoreFailed, fmt.Sprintf(format, args...)))
}

// Extracts the archives and checks the result is something a server could start from.
func (self *BackupRestoreCanary) materializeAndValidate(result *CanaryResult) error {
  base := preflight.FindFirst(self.State.FetchDir, types.BaseArchiveNames)
  if len(base) == 0 {
    return types.NewError(types.KindNotFound, "canary_validate",
                          fmt.Errorf("%w: no base archive in '%s'", types.ErrLocalFilesMissing, result.Backup.Location))
  }
  count, err := archive.ExtractTar(fpmod.Join(self.State.FetchDir, base), self.State.DataDir)
  if err != nil { return err }
  result.Files = count

  version, err := os.ReadFile(fpmod.Join(self.State.DataDir, PgVersionName))
  if err != nil { return canaryFailed("base archive has no %s: %v", PgVersionName, err) }
  result.PgVersion = strings.TrimSpace(string(version))

  label, err := os.Open(fpmod.Join(self.State.DataDir, BackupLabelName))
  if err != nil { return canaryFailed("base archive has no %s: %v", BackupLabelName, err) }
  defer label.Close()
  result.WalRange, err = wal_range.ParseBackupHistory(label)
  if err != nil { return canaryFailed("bad %s: %v", BackupLabelName, err) }
  start := result.WalRange.SegmentName(result.WalRange.StartOrdinal)

  wal := preflight.FindFirst(self.State.FetchDir, types.WalArchiveNames)
  if len(wal) == 0 {
    util.Warnf("No WAL archive in '%s', recovery depends on the WAL archive", result.Backup.Location)
    return nil
  }
  wal_dir := fpmod.Join(self.State.DataDir, "pg_wal")
  if _, err := archive.ExtractTar(fpmod.Join(self.State.FetchDir, wal), wal_dir); err != nil { return err }
  if !preflight.FileExists(fpmod.Join(wal_dir, start)) {
    return canaryFailed("starting segment %s is not in '%s'", start, wal)
  }
  return nil
}

// `Setup` must have been called, the scratch dir can only be used once.
func (self *BackupRestoreCanary) RestoreAndValidate(
    ctx context.Context, explicit_path string, search_prefix string) (result *CanaryResult, err error) {
  start := time.Now()
  defer func() { self.Metrics.ObserveRun(metrics.OpCanary, start, err) }()
  if self.State == nil { return nil, fmt.Errorf("canary used before Setup") }
  entries, err := os.ReadDir(self.State.DataDir)
  if err != nil { return nil, err }
  if len(entries) > 0 { return nil, fmt.Errorf("canary scratch dir '%s' already used", self.State.Root) }

  backup, err := self.Locator.Locate(ctx, explicit_path, search_prefix)
  if err != nil { return nil, err }
  result = &CanaryResult{ Backup:backup, }
  if err = self.fetch(ctx, backup); err != nil { return nil, err }
  if err = self.verify(result); err != nil { return nil, err }
  if err = self.materializeAndValidate(result); err != nil { return nil, err }

  util.Infof("Validated generation '%s': PostgreSQL %s, %d files, WAL %s..%s (verified:%v)",
             backup.Location, result.PgVersion, result.Files,
             result.WalRange.SegmentName(result.WalRange.StartOrdinal),
             result.WalRange.SegmentName(result.WalRange.EndOrdinal), result.Verified)
  return result, nil
}

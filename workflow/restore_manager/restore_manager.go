package restore_manager

import (
  "context"
  "fmt"
  "os"
  "path"
  fpmod "path/filepath"
  "sort"
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

type ChownF = func(root string, uid int, gid int) error
type SleepF = func(ctx context.Context, d time.Duration) error

var transitions = map[types.RestoreState][]types.RestoreState{
  types.StateUnselected: {
    types.StateStandby, types.StateOverrideVolume, types.StateNewVolume, types.StateFailed,
  },
  types.StateStandby:        { types.StateCompleted, types.StateFailed, },
  types.StateOverrideVolume: { types.StateCompleted, types.StateFailed, },
  types.StateNewVolume:      { types.StateCompleted, types.StateFailed, },
}

// Store and Locator may be nil when only local backups are restored.
type RestoreManager struct {
  Conf    *types.Config
  Service types.ServiceLifecycle
  Volumes types.VolumeManager
  Store   types.ObjectStore
  Locator types.BackupLocator
  Probe   types.FilesystemProbe
  Metrics *metrics.Recorder
  CheckCommands func(...string) error
  Chown   ChownF
  Sleep   SleepF
  Now     func() time.Time
  state   types.RestoreState
  // States entered by the last run, in order.
  History []types.RestoreState
}

// Per run scratch state, never outlives `Restore`.
type restoreRun struct {
  req       types.RestoreRequest
  label     string
  cleanup   *util.CleanupStack
  work_dir  string
  fetch_dir string
  data_dir  string
  backup    *types.BackupDescriptor
  // Previous service definition, put back if the restore fails before the service runs on the new volume.
  preserved string
}

func NewRestoreManager(
    conf *types.Config, service types.ServiceLifecycle, volumes types.VolumeManager,
    store types.ObjectStore, locator types.BackupLocator, probe types.FilesystemProbe,
    recorder *metrics.Recorder) *RestoreManager {
  return &RestoreManager{
    Conf: conf,
    Service: service,
    Volumes: volumes,
    Store: store,
    Locator: locator,
    Probe: probe,
    Metrics: recorder,
    CheckCommands: preflight.CheckCommands,
    Chown: ChownTree,
    Sleep: sleepCtx,
    Now: time.Now,
  }
}

func sleepCtx(ctx context.Context, d time.Duration) error {
  if d <= 0 { return nil }
  select {
    case <-ctx.Done(): return ctx.Err()
    case <-time.After(d): return nil
  }
}

func restoreFailed(op string, err error) error {
  if err == nil || types.KindOf(err) != types.KindUnknown { return err }
  return types.NewError(types.KindOperationFailed, op, fmt.Errorf("%w: %w", types.ErrRestoreFailed, err))
}

func (self *RestoreManager) State() types.RestoreState { return self.state }

func (self *RestoreManager) transition(to types.RestoreState) error {
  for _,allowed := range transitions[self.state] {
    if allowed != to { continue }
    util.Debugf("Restore state %s -> %s", self.state, to)
    self.state = to
    self.History = append(self.History, to)
    return nil
  }
  return fmt.Errorf("invalid restore state transition %s -> %s", self.state, to)
}

func (self *RestoreManager) preflight(ctx context.Context, req types.RestoreRequest) error {
  if err := ValidateRequest(req); err != nil { return err }
  if req.Source.IsLocal() {
    if err := preflight.CheckLocalBackupFiles(req.Source.LocalPath); err != nil { return err }
  } else {
    if err := preflight.CheckCredentials(&self.Conf.Storage); err != nil { return err }
    if self.Store == nil || self.Locator == nil {
      return types.Errorf(types.KindMissingArgument, "restore_preflight",
                          "%w: no object store configured for a remote restore", types.ErrMissingArgument)
    }
  }
  return self.CheckCommands("docker")
}

func (self *RestoreManager) Restore(ctx context.Context, req types.RestoreRequest) (state types.RestoreState, err error) {
  start := time.Now()
  defer func() { self.Metrics.ObserveRun(metrics.OpRestore, start, err) }()
  self.state = types.StateUnselected
  self.History = []types.RestoreState{ self.state, }

  if err = self.preflight(ctx, req); err != nil {
    self.transition(types.StateFailed)
    return self.state, err
  }
  if err = self.transition(types.StateForMode(req.Mode)); err != nil { return self.state, err }
  util.Infof("Restoring service '%s' in %s mode", req.Service, req.Mode)

  cleanup := &util.CleanupStack{}
  defer cleanup.Run()
  run := &restoreRun{
    req: req,
    label: types.NewLabel(self.Now()),
    cleanup: cleanup,
  }
  if err = self.runPipeline(ctx, run); err != nil {
    self.rollbackDefinition(run)
    self.transition(types.StateFailed)
    return self.state, restoreFailed("restore_" + req.Mode.String(), err)
  }
  self.transition(types.StateCompleted)
  util.Infof("Restore of '%s' completed (%s)", req.Service, req.Mode)
  return self.state, nil
}

func (self *RestoreManager) rollbackDefinition(run *restoreRun) {
  if len(run.preserved) == 0 { return }
  if err := self.Volumes.RestoreServiceDefinition(run.preserved); err != nil {
    util.Warnf("Could not put back the service definition from '%s': %v", run.preserved, err)
    return
  }
  util.Infof("Service definition restored from '%s', volume '%s' is used again", run.preserved, run.req.TargetVolume)
}

func (self *RestoreManager) runPipeline(ctx context.Context, run *restoreRun) error {
  if err := self.Service.Stop(ctx); err != nil { return err }
  if err := self.prepareTarget(ctx, run); err != nil { return err }
  if err := self.createWorkDir(run); err != nil { return err }
  if err := self.fetch(ctx, run); err != nil { return err }
  if err := self.verify(run); err != nil { return err }
  if err := self.materialize(ctx, run); err != nil { return err }
  if err := self.configure(run); err != nil { return err }
  if err := self.bringUp(ctx, run); err != nil { return err }
  if run.req.Mode.IsVolumeRestore() {
    if err := self.postInit(ctx, run); err != nil { return err }
  }
  return nil
}

func (self *RestoreManager) existingMountpoint(ctx context.Context, name string) (string, error) {
  exists, err := self.Volumes.VolumeExists(ctx, name)
  if err != nil { return "", err }
  if !exists {
    return "", types.NewError(types.KindUnsafeState, "volume_check",
                              fmt.Errorf("%w: '%s'", types.ErrVolumeNotFound, name))
  }
  return self.Volumes.VolumeMountpoint(ctx, name)
}

// Resolves the host directory receiving the data, creating the new volume if needed.
func (self *RestoreManager) prepareTarget(ctx context.Context, run *restoreRun) error {
  req := run.req
  switch req.Mode {
    case types.ModeStandby:
      if err := os.MkdirAll(req.StandbyDataDir, 0700); err != nil { return err }
      run.data_dir = req.StandbyDataDir

    case types.ModeOverrideVolume:
      mountpoint, err := self.existingMountpoint(ctx, req.TargetVolume)
      if err != nil { return err }
      run.data_dir = mountpoint

    case types.ModeNewVolume:
      if _, err := self.existingMountpoint(ctx, req.TargetVolume); err != nil { return err }
      exists, err := self.Volumes.VolumeExists(ctx, req.NewVolumeName)
      if err != nil { return err }
      if exists {
        return types.Errorf(types.KindUnsafeState, "volume_check",
                            "volume '%s' already exists, refusing to overwrite it", req.NewVolumeName)
      }
      preserved, err := self.Volumes.RewriteServiceVolume(req.TargetVolume, req.NewVolumeName, run.label)
      if err != nil { return err }
      run.preserved = preserved
      util.Infof("Volume '%s' and previous service definition '%s' are kept", req.TargetVolume, preserved)
      // Bringing the service up once makes compose create the volume.
      if err := self.Service.Start(ctx); err != nil { return err }
      if err := self.Service.Stop(ctx); err != nil { return err }
      mountpoint, err := self.existingMountpoint(ctx, req.NewVolumeName)
      if err != nil { return err }
      run.data_dir = mountpoint

    default:
      return types.NewError(types.KindMissingArgument, "prepare_target", types.ErrNoModeSelected)
  }
  util.Infof("Restoring into '%s'", run.data_dir)
  return nil
}

func (self *RestoreManager) createWorkDir(run *restoreRun) error {
  name := fmt.Sprintf("pg_volume_restore_%s_%s", run.label, uuid.NewString()[:8])
  run.work_dir = fpmod.Join(self.Conf.Backup.StagingDir, name)
  if err := os.MkdirAll(run.work_dir, 0700); err != nil { return err }
  run.cleanup.Push("remove restore work dir", func() error { return os.RemoveAll(run.work_dir) })
  return nil
}

// Sum of the object sizes of the generation, -1 if it cannot be listed.
func (self *RestoreManager) remoteSize(ctx context.Context, location string) (int64, error) {
  objs, err := self.Store.List(ctx, location + "/")
  if err != nil { return -1, err }
  if len(objs) == 0 { return -1, fmt.Errorf("nothing listed under '%s'", location) }
  var total int64
  for _,obj := range objs { total += obj.Size }
  return total, nil
}

func (self *RestoreManager) fetch(ctx context.Context, run *restoreRun) error {
  conf := self.Conf.Preflight
  if run.req.Source.IsLocal() {
    size, err := self.Probe.SizeOf(run.req.Source.LocalPath)
    required := preflight.RequiredGB(size, err, conf.MarginGB, conf.FallbackMinGB)
    if err := preflight.CheckDiskSpace(self.Probe, run.data_dir, required); err != nil { return err }
    run.fetch_dir = run.req.Source.LocalPath
    util.Infof("Using local backup files in '%s'", run.fetch_dir)
    return nil
  }

  backup, err := self.Locator.Locate(ctx, run.req.Source.BackupPath, run.req.Source.SearchPrefix)
  if err != nil { return err }
  run.backup = backup
  size, err := self.remoteSize(ctx, backup.Location)
  required := preflight.RequiredGB(size, err, conf.MarginGB, conf.FallbackMinGB)
  // The data dir is checked again with the extracted size once the archives are local.
  for _,dir := range []string{ self.Conf.Backup.StagingDir, run.data_dir, } {
    if err := preflight.CheckDiskSpace(self.Probe, dir, required); err != nil { return err }
  }

  run.fetch_dir = fpmod.Join(run.work_dir, "backup")
  if err := os.MkdirAll(run.fetch_dir, 0700); err != nil { return err }
  if err := self.Store.GetRecursive(ctx, backup.Location + "/", run.fetch_dir); err != nil {
    return fmt.Errorf("fetch '%s': %w", backup.Location, err)
  }
  self.Metrics.ObserveStaged(metrics.OpRestore, size)
  return nil
}

// Runs before anything is wiped so a corrupt backup leaves the target untouched.
func (self *RestoreManager) verify(run *restoreRun) error {
  if !run.req.VerifyChecksums { return nil }
  if !preflight.FileExists(fpmod.Join(run.fetch_dir, types.ManifestName)) {
    util.Warnf("No checksum manifest in '%s', skipping verification", run.fetch_dir)
    return nil
  }
  result, err := checksum.VerifyDir(run.fetch_dir)
  if err != nil { return err }
  if !result.Ok {
    return types.NewError(types.KindOperationFailed, "verify_checksums",
                          fmt.Errorf("%w: %d files do not match the manifest:\n%s",
                                     types.ErrRestoreFailed, len(result.Mismatches), util.AsJson(result.Mismatches)))
  }
  util.Infof("Checksums verified for '%s'", run.fetch_dir)
  return nil
}

func (self *RestoreManager) materialize(ctx context.Context, run *restoreRun) error {
  base := preflight.FindFirst(run.fetch_dir, types.BaseArchiveNames)
  if len(base) == 0 {
    return types.NewError(types.KindNotFound, "materialize",
                          fmt.Errorf("%w: no base archive in '%s'", types.ErrLocalFilesMissing, run.fetch_dir))
  }
  wal := preflight.FindFirst(run.fetch_dir, types.WalArchiveNames)
  if err := self.checkExtractedSpace(run, base, wal); err != nil { return err }
  if err := WipeDir(run.data_dir); err != nil { return err }
  count, err := archive.ExtractTar(fpmod.Join(run.fetch_dir, base), run.data_dir)
  if err != nil { return err }
  util.Infof("Extracted %d entries from '%s'", count, base)

  wal_dir := fpmod.Join(run.data_dir, "pg_wal")
  if err := os.MkdirAll(wal_dir, 0700); err != nil { return err }
  if len(wal) > 0 {
    count, err := archive.ExtractTar(fpmod.Join(run.fetch_dir, wal), wal_dir)
    if err != nil { return err }
    util.Infof("Extracted %d entries from '%s'", count, wal)
  }
  if len(run.req.WalPrefix) > 0 && self.Store != nil {
    return self.fetchArchivedWal(ctx, run, wal_dir)
  }
  return nil
}

// Compressed archives underestimate the data set, the tar headers give the extracted size.
// Runs before the data dir is wiped.
func (self *RestoreManager) checkExtractedSpace(run *restoreRun, archives ...string) error {
  var total int64
  for _,name := range archives {
    if len(name) == 0 { continue }
    size, err := archive.ExtractedSize(fpmod.Join(run.fetch_dir, name))
    if err != nil { return fmt.Errorf("measure '%s': %w", name, err) }
    total += size
  }
  conf := self.Conf.Preflight
  required := preflight.RequiredGB(total, nil, conf.MarginGB, conf.FallbackMinGB)
  return preflight.CheckDiskSpace(self.Probe, run.data_dir, required)
}

func parseHistoryFile(path string) (types.WalSegmentRange, error) {
  reader, err := archive.OpenDecompressed(path)
  if err != nil { return types.WalSegmentRange{}, err }
  defer reader.Close()
  return wal_range.ParseBackupHistory(reader)
}

func (self *RestoreManager) fetchKey(ctx context.Context, key string, dir string) (string, error) {
  local := fpmod.Join(dir, path.Base(key))
  if err := self.Store.Get(ctx, key, local); err != nil { return "", err }
  return local, nil
}

// The range starts at the segment named in backup_label and ends at the
// STOP segment of the matching backup history file, when the archive has one.
func (self *RestoreManager) walRange(
    ctx context.Context, run *restoreRun, objs []types.ObjectInfo, tmp_dir string) (types.WalSegmentRange, error) {
  label_range, err := parseHistoryFile(fpmod.Join(run.data_dir, BackupLabelName))
  if err != nil { return label_range, fmt.Errorf("read %s: %w", BackupLabelName, err) }
  start := label_range.SegmentName(label_range.StartOrdinal)

  key, found := wal_range.FindHistoryKey(objs, start)
  if !found {
    util.Warnf("No backup history file for %s, only that segment is fetched", start)
    return label_range, nil
  }
  local, err := self.fetchKey(ctx, key, tmp_dir)
  if err != nil { return label_range, err }
  defer os.Remove(local)
  return parseHistoryFile(local)
}

// Segments are fetched one at a time in ascending order.
// Missing segments are only reported, the server checks continuity when it replays.
func (self *RestoreManager) fetchArchivedWal(ctx context.Context, run *restoreRun, wal_dir string) error {
  tmp_dir := fpmod.Join(run.work_dir, "wal")
  if err := os.MkdirAll(tmp_dir, 0700); err != nil { return err }
  objs, err := self.Store.List(ctx, run.req.WalPrefix)
  if err != nil { return err }

  segments, err := self.walRange(ctx, run, objs, tmp_dir)
  if err != nil {
    util.Warnf("Cannot determine WAL range, archived WAL not fetched: %v", err)
    return nil
  }
  found, missing := wal_range.ResolveKeys(objs, segments)
  for _,segment := range found {
    local, err := self.fetchKey(ctx, segment.Key, tmp_dir)
    if err != nil { return fmt.Errorf("fetch WAL %s: %w", segment.Name, err) }
    if err := archive.DecompressFile(local, fpmod.Join(wal_dir, segment.Name)); err != nil { return err }
    if err := os.Remove(local); err != nil { return err }
  }
  util.Infof("Fetched %d/%d archived WAL segments", len(found), segments.Len())
  self.Metrics.ObserveWal(len(found), len(missing))
  return nil
}

func (self *RestoreManager) configure(run *restoreRun) error {
  marker, err := WriteRecoveryMarker(run.data_dir, run.req.Mode)
  if err != nil { return err }
  util.Infof("Wrote recovery marker '%s'", marker)
  conf_path := fpmod.Join(run.data_dir, PostgresConfName)
  if err := SetRestoreCommand(conf_path, self.Conf.Restore.RestoreCommand); err != nil { return err }
  return self.Chown(run.data_dir, self.Conf.Service.Uid, self.Conf.Service.Gid)
}

func (self *RestoreManager) containerPath(name string) string {
  return path.Join(self.Conf.Service.DataDir, name)
}

func (self *RestoreManager) execOrErr(ctx context.Context, cmd *util.Command) error {
  code, out, err := self.Service.ExecInService(ctx, cmd.Argv())
  if err != nil { return err }
  if code != 0 { return fmt.Errorf("%s exit code %d:\n%s", cmd, code, out) }
  return nil
}

func (self *RestoreManager) bringUp(ctx context.Context, run *restoreRun) error {
  run.preserved = ""
  if err := self.Service.Start(ctx); err != nil { return err }
  if len(run.req.FirstBootConf) > 0 {
    err := self.Service.CopyIntoService(ctx, run.req.FirstBootConf, self.containerPath(AutoConfName))
    if err != nil { return err }
    if err := self.Service.Restart(ctx); err != nil { return err }
  }
  util.Infof("Waiting %v for the database to come up", run.req.ReadinessWait)
  return self.Sleep(ctx, run.req.ReadinessWait)
}

func (self *RestoreManager) psql(args ...string) *util.Command {
  return util.NewCommand("psql").Flag("-U", self.Conf.Service.DbUser).Arg("-v", "ON_ERROR_STOP=1").Arg(args...)
}

// Scripts run in name order, `*.sql` through psql and `*.sh` through sh.
func (self *RestoreManager) runPostInitScripts(ctx context.Context, dir string) error {
  entries, err := os.ReadDir(dir)
  if err != nil { return err }
  var names []string
  for _,entry := range entries {
    if entry.Type().IsRegular() { names = append(names, entry.Name()) }
  }
  sort.Strings(names)

  for _,name := range names {
    var cmd *util.Command
    container_path := path.Join("/tmp", name)
    switch {
      case strings.HasSuffix(name, ".sql"): cmd = self.psql("-f", container_path)
      case strings.HasSuffix(name, ".sh"):  cmd = util.NewCommand("sh", container_path)
      default:
        util.Warnf("Skipping post init file '%s'", name)
        continue
    }
    if err := self.Service.CopyIntoService(ctx, fpmod.Join(dir, name), container_path); err != nil { return err }
    util.Infof("Running post init script '%s'", name)
    if err := self.execOrErr(ctx, cmd); err != nil { return err }
  }
  return nil
}

func (self *RestoreManager) postInit(ctx context.Context, run *restoreRun) error {
  req := run.req
  if len(req.HbaConf) > 0 {
    if err := self.Service.CopyIntoService(ctx, req.HbaConf, self.containerPath(HbaConfName)); err != nil { return err }
    if err := self.execOrErr(ctx, self.psql("-c", "SELECT pg_reload_conf()")); err != nil { return err }
  }
  if len(req.PostInitDir) > 0 {
    if err := self.runPostInitScripts(ctx, req.PostInitDir); err != nil { return err }
  }
  if len(req.PostgresConf) > 0 {
    err := self.Service.CopyIntoService(ctx, req.PostgresConf, self.containerPath(PostgresConfName))
    if err != nil { return err }
    if err := self.Service.Restart(ctx); err != nil { return err }
  }
  return nil
}

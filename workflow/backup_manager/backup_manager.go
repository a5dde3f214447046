package backup_manager

import (
  "context"
  "fmt"
  "os"
  fpmod "path/filepath"
  "strings"
  "time"

  "pg_volume_backup/checksum"
  "pg_volume_backup/metrics"
  "pg_volume_backup/object_store/garbage_collector"
  "pg_volume_backup/preflight"
  "pg_volume_backup/types"
  "pg_volume_backup/util"

  "github.com/google/uuid"
)

const ContainerTmpRoot = "/tmp"

type CollectorF = func(types.RetentionPolicy) (types.RetentionCollector, error)

// Store and service must already be reachable, `Backup` only checks the local prerequisites.
type BackupManager struct {
  Conf      *types.Config
  Service   types.ServiceLifecycle
  Volumes   types.VolumeManager
  Store     types.ObjectStore
  Locator   types.BackupLocator
  Probe     types.FilesystemProbe
  Checksums *checksum.Manager
  Metrics   *metrics.Recorder
  // Builds the retention collector for the policy of each request.
  Collector     CollectorF
  CheckCommands func(...string) error
  Now           func() time.Time
}

func NewBackupManager(
    conf *types.Config, service types.ServiceLifecycle, volumes types.VolumeManager,
    store types.ObjectStore, locator types.BackupLocator, probe types.FilesystemProbe,
    recorder *metrics.Recorder) (*BackupManager, error) {
  checksums, err := checksum.NewManager(conf.Backup.ChecksumAlgorithm)
  if err != nil { return nil, err }
  mgr := &BackupManager{
    Conf: conf,
    Service: service,
    Volumes: volumes,
    Store: store,
    Locator: locator,
    Probe: probe,
    Checksums: checksums,
    Metrics: recorder,
    CheckCommands: preflight.CheckCommands,
    Now: time.Now,
  }
  mgr.Collector = func(policy types.RetentionPolicy) (types.RetentionCollector, error) {
    return garbage_collector.NewGarbageCollector(policy, mgr.Locator, mgr.Store)
  }
  return mgr, nil
}

// Wraps untyped errors so that they map to the backup failure exit code.
func backupFailed(op string, err error) error {
  if err == nil || types.KindOf(err) != types.KindUnknown { return err }
  return types.NewError(types.KindOperationFailed, op, fmt.Errorf("%w: %w", types.ErrBackupFailed, err))
}

// Generation folder for `label`, no trailing slash.
func GenerationFolder(prefix string, label string) string {
  prefix = strings.TrimSuffix(prefix, "/")
  if len(prefix) == 0 { return label }
  return prefix + "/" + label
}

func (self *BackupManager) withDefaults(req types.BackupRequest) types.BackupRequest {
  if len(req.Label) == 0 { req.Label = types.NewLabel(self.Now()) }
  if len(req.Service) == 0 { req.Service = self.Conf.Service.Name }
  if len(req.Volume) == 0 { req.Volume = self.Conf.Service.Volume }
  if len(req.Prefix) == 0 { req.Prefix = self.Conf.Backup.Prefix }
  return req
}

// Host directory holding the live database files, "" if it cannot be known.
func (self *BackupManager) hostDataDir(ctx context.Context, req types.BackupRequest) string {
  if len(self.Conf.Backup.HostDataDir) > 0 { return self.Conf.Backup.HostDataDir }
  if len(req.Volume) == 0 || self.Volumes == nil { return "" }
  mountpoint, err := self.Volumes.VolumeMountpoint(ctx, req.Volume)
  if err != nil {
    util.Warnf("Cannot size volume '%s': %v", req.Volume, err)
    return ""
  }
  return mountpoint
}

func (self *BackupManager) preflight(ctx context.Context, req types.BackupRequest) error {
  err := preflight.CheckIdentifiers(map[string]string{
    "service": req.Service,
    "label": req.Label,
    "staging_dir": self.Conf.Backup.StagingDir,
  })
  if err != nil { return err }
  if err := preflight.CheckCredentials(&self.Conf.Storage); err != nil { return err }
  if err := self.CheckCommands("docker"); err != nil { return err }

  data_dir := self.hostDataDir(ctx, req)
  if len(data_dir) == 0 {
    required := preflight.RequiredGB(-1, fmt.Errorf("no host data dir"),
                                     self.Conf.Preflight.MarginGB, self.Conf.Preflight.FallbackMinGB)
    return preflight.CheckDiskSpace(self.Probe, self.Conf.Backup.StagingDir, required)
  }
  return preflight.CheckDiskSpaceFor(self.Probe, data_dir, self.Conf.Backup.StagingDir, self.Conf.Preflight)
}

func (self *BackupManager) createStagingDir(req types.BackupRequest, cleanup *util.CleanupStack) (string, error) {
  name := fmt.Sprintf("pg_volume_backup_%s_%s", req.Label, uuid.NewString()[:8])
  staging := fpmod.Join(self.Conf.Backup.StagingDir, name)
  if err := os.MkdirAll(staging, 0700); err != nil { return "", err }
  cleanup.Push("remove staging dir", func() error { return os.RemoveAll(staging) })
  return staging, nil
}

func BaseBackupCmd(target_dir string, db_user string) *util.Command {
  return util.NewCommand("pg_basebackup").
              Arg("-D", target_dir).
              Arg("-Ft", "-z").
              Arg("-X", "stream").
              Arg("-c", "fast").
              Flag("-U", db_user)
}

// Runs pg_basebackup inside the service and copies the tarballs into `staging`.
func (self *BackupManager) runBaseBackup(
    ctx context.Context, req types.BackupRequest, staging string, cleanup *util.CleanupStack) error {
  container_tmp := fmt.Sprintf("%s/pg_volume_backup_%s", ContainerTmpRoot, req.Label)
  cleanup.Push("remove container tmp dir", func() error {
    code, out, err := self.Service.ExecInService(context.Background(), []string{ "rm", "-rf", container_tmp, })
    if err == nil && code != 0 { err = fmt.Errorf("rm exit code %d: %s", code, out) }
    return err
  })

  cmd := BaseBackupCmd(container_tmp, self.Conf.Service.DbUser)
  util.Infof("Running %s in '%s'", cmd, req.Service)
  code, out, err := self.Service.ExecInService(ctx, cmd.Argv())
  if err != nil { return err }
  if code != 0 { return fmt.Errorf("pg_basebackup exit code %d:\n%s", code, out) }

  if err := self.Service.CopyFromService(ctx, container_tmp, staging); err != nil { return err }
  if len(preflight.FindFirst(staging, types.BaseArchiveNames)) == 0 {
    return fmt.Errorf("no base archive in '%s' after copy", staging)
  }
  return nil
}

func (self *BackupManager) prune(ctx context.Context, req types.BackupRequest) *types.DeletedItems {
  if req.Policy.IsNoop() { return nil }
  collector, err := self.Collector(req.Policy)
  if err == nil {
    var pruned *types.DeletedItems
    pruned, err = collector.CleanOldGenerations(ctx, false, req.Prefix)
    if err == nil {
      self.Metrics.ObserveRetention(pruned, false)
      return pruned
    }
  }
  util.Warnf("Backup succeeded but retention failed: %v", err)
  return nil
}

func (self *BackupManager) Backup(ctx context.Context, req types.BackupRequest) (result *types.BackupResult, err error) {
  start := time.Now()
  defer func() { self.Metrics.ObserveRun(metrics.OpBackup, start, err) }()
  req = self.withDefaults(req)
  if err = self.preflight(ctx, req); err != nil { return nil, err }

  cleanup := &util.CleanupStack{}
  defer cleanup.Run()
  staging, err := self.createStagingDir(req, cleanup)
  if err != nil { return nil, backupFailed("staging_dir", err) }
  if err = self.runBaseBackup(ctx, req, staging, cleanup); err != nil {
    return nil, backupFailed("base_backup", err)
  }

  manifest, err := self.Checksums.Generate(staging, req.Label)
  if err != nil { return nil, backupFailed("checksum", err) }
  if err = checksum.WriteManifest(staging, manifest); err != nil { return nil, backupFailed("checksum", err) }
  if size, size_err := self.Probe.SizeOf(staging); size_err == nil {
    self.Metrics.ObserveStaged(metrics.OpBackup, size)
  }

  folder := GenerationFolder(req.Prefix, req.Label)
  if err = self.Store.PutRecursive(ctx, staging, folder); err != nil { return nil, backupFailed("upload", err) }

  backup := &types.BackupDescriptor{
    Label: req.Label,
    Location: folder,
    LastModified: self.Now().UTC(),
  }
  for _,entry := range manifest.Entries { backup.Files = append(backup.Files, entry.Path) }
  backup.Files = append(backup.Files, types.ManifestName, types.ManifestInfoName)
  util.Infof("Backup '%s' uploaded to '%s' (%d files)", req.Label, folder, len(backup.Files))

  result = &types.BackupResult{
    Backup: backup,
    Manifest: manifest,
    Pruned: self.prune(ctx, req),
  }
  return result, nil
}

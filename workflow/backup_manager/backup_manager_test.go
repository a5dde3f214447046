package backup_manager

import (
  "context"
  "errors"
  "fmt"
  "os"
  fpmod "path/filepath"
  "testing"
  "time"

  "pg_volume_backup/metrics"
  "pg_volume_backup/object_store/backup_locator"
  "pg_volume_backup/preflight"
  "pg_volume_backup/types"
  "pg_volume_backup/types/mocks"
  "pg_volume_backup/util"
)

type Mocks struct {
  Journal *mocks.Journal
  Service *mocks.Service
  Volumes *mocks.Volumes
  Store   *mocks.ObjectStore
  Probe   *mocks.FsProbe
}

func buildTestBackupManager(t *testing.T) (*BackupManager, *Mocks) {
  util.SilenceLogs(t)
  conf := util.DummyConfig()
  conf.Backup.StagingDir = t.TempDir()
  journal := &mocks.Journal{}
  mock := &Mocks{
    Journal: journal,
    Service: mocks.NewService(),
    Volumes: mocks.NewVolumes(t.TempDir(), conf.Service.Volume),
    Store: mocks.NewObjectStore(),
    Probe: mocks.NewFsProbe(100 * preflight.GiB),
  }
  mock.Service.Journal = journal
  mock.Volumes.Journal = journal
  mock.Store.Journal = journal
  mock.Store.Now = util.DummyNow
  mock.Service.CopyFromF = func(container_path string, local_dir string) error {
    util.WriteFilesOrDie(t, local_dir, map[string]string{
      "base.tar.gz": "base content",
      "pg_wal.tar.gz": "wal content",
    })
    return nil
  }

  mgr, err := NewBackupManager(conf, mock.Service, mock.Volumes, mock.Store,
                               backup_locator.NewBackupLocator(mock.Store), mock.Probe, metrics.NewRecorder())
  if err != nil { t.Fatalf("NewBackupManager: %v", err) }
  mgr.Now = func() time.Time { return util.DummyNow }
  mgr.Checksums.Now = mgr.Now
  mgr.CheckCommands = func(...string) error { return nil }
  return mgr, mock
}

func stagingLeftovers(t *testing.T, mgr *BackupManager) []os.DirEntry {
  entries, err := os.ReadDir(mgr.Conf.Backup.StagingDir)
  if err != nil { t.Fatalf("ReadDir: %v", err) }
  return entries
}

func TestBackup_Success(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  mgr, mock := buildTestBackupManager(t)
  label := types.NewLabel(util.DummyNow)

  result, err := mgr.Backup(ctx, types.BackupRequest{})
  if err != nil { t.Fatalf("Backup: %v", err) }
  util.EqualsOrFailTest(t, "Bad label", result.Backup.Label, label)
  util.EqualsOrFailTest(t, "Bad location", result.Backup.Location, "backups/" + label)
  util.EqualsOrFailTest(t, "Bad manifest entries", len(result.Manifest.Entries), 2)
  util.EqualsOrFailTest(t, "Bad files", result.Backup.Files, []string{
    "base.tar.gz", "pg_wal.tar.gz", types.ManifestName, types.ManifestInfoName, })
  util.EqualsOrFailTest(t, "Bad objects", mock.Store.Keys(), []string{
    fmt.Sprintf("backups/%s/%s", label, types.ManifestName),
    fmt.Sprintf("backups/%s/%s", label, types.ManifestInfoName),
    fmt.Sprintf("backups/%s/%s", label, "base.tar.gz"),
    fmt.Sprintf("backups/%s/%s", label, "pg_wal.tar.gz"),
  })
  util.EqualsOrFailTest(t, "Staging not cleaned", len(stagingLeftovers(t, mgr)), 0)

  basebackups := mock.Service.ExecsOf("pg_basebackup")
  util.EqualsOrFailTest(t, "Bad basebackup calls", len(basebackups), 1)
  util.EqualsOrFailTest(t, "Bad basebackup argv", basebackups[0],
                        BaseBackupCmd(ContainerTmpRoot + "/pg_volume_backup_" + label, "postgres").Argv())
  util.EqualsOrFailTest(t, "Container tmp not removed", len(mock.Service.ExecsOf("rm")), 1)
  // Nothing to prune with the default policy.
  if result.Pruned != nil { t.Errorf("unexpected prune: %v", result.Pruned) }
}

func TestBackup_StepOrder(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  mgr, mock := buildTestBackupManager(t)
  _, err := mgr.Backup(ctx, types.BackupRequest{ Label:"lbl", })
  if err != nil { t.Fatalf("Backup: %v", err) }

  exec_idx := mock.Journal.IndexOfPrefix("exec pg_basebackup")
  copy_idx := mock.Journal.IndexOfPrefix("copy_out ")
  put_idx := mock.Journal.IndexOf("put backups/lbl")
  rm_idx := mock.Journal.IndexOfPrefix("exec rm -rf")
  if !(exec_idx >= 0 && exec_idx < copy_idx && copy_idx < put_idx && put_idx < rm_idx) {
    t.Errorf("bad order: %v", mock.Journal.Entries)
  }
}

func TestBackup_AppliesRetention(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  mgr, mock := buildTestBackupManager(t)
  for _,b := range util.DummyBackupsAged(1, 2, 3) {
    mock.Store.AddInfos(util.DummyGenerationObjects("backups/", b.Label, b.LastModified))
  }
  // The new generation is stamped `DummyNow` by the store.
  result, err := mgr.Backup(ctx, types.BackupRequest{ Policy:types.RetentionPolicy{ KeepCount:2, }, })
  if err != nil { t.Fatalf("Backup: %v", err) }
  if result.Pruned == nil { t.Fatalf("retention not applied") }

  var deleted []string
  for _,b := range result.Pruned.Deleted { deleted = append(deleted, b.Location) }
  expect := []string{}
  for _,b := range util.DummyBackupsAged(2, 3) { expect = append(expect, b.Location) }
  util.EqualsOrFailTest(t, "Bad pruned", deleted, expect)

  gens, err := mgr.Locator.ListGenerations(ctx, "backups/")
  if err != nil { t.Fatalf("ListGenerations: %v", err) }
  util.EqualsOrFailTest(t, "Bad generation count", len(gens), 2)
  util.EqualsOrFailTest(t, "Newest should be the new backup", gens[0].Label, types.NewLabel(util.DummyNow))
}

func TestBackup_RetentionFailureIsNotFatal(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  mgr, _ := buildTestBackupManager(t)
  mgr.Collector = func(types.RetentionPolicy) (types.RetentionCollector, error) {
    return nil, errors.New("no_collector")
  }
  result, err := mgr.Backup(ctx, types.BackupRequest{ Policy:types.RetentionPolicy{ KeepDays:1, }, })
  if err != nil { t.Fatalf("Backup: %v", err) }
  if result.Pruned != nil { t.Errorf("unexpected prune result") }
}

func TestBackup_InsufficientDisk(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  mgr, mock := buildTestBackupManager(t)
  mock.Probe.Available = 5 * preflight.GiB
  mount, _ := mock.Volumes.VolumeMountpoint(ctx, mgr.Conf.Service.Volume)
  mock.Probe.Sizes[mount] = 4 * preflight.GiB

  _, err := mgr.Backup(ctx, types.BackupRequest{})
  if !errors.Is(err, types.ErrInsufficientDiskSpace) { t.Fatalf("expected ErrInsufficientDiskSpace, got: %v", err) }
  util.EqualsOrFailTest(t, "Bad exit code", types.ExitCodeFor(err, false), types.ExitInsufficientDisk)
  util.EqualsOrFailTest(t, "Should not run anything", len(mock.Service.Execs), 0)
}

func TestBackup_MissingCredentials(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  mgr, mock := buildTestBackupManager(t)
  mgr.Conf.Storage.S3.SecretAccessKey = ""
  _, err := mgr.Backup(ctx, types.BackupRequest{})
  util.EqualsOrFailTest(t, "Bad exit code", types.ExitCodeFor(err, false), types.ExitMissingEnv)
  util.EqualsOrFailTest(t, "Should not run anything", len(mock.Service.Execs), 0)
}

func TestBackup_BaseBackupFails(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  mgr, mock := buildTestBackupManager(t)
  mock.Service.ExecF = func(cmd []string) (int, string, error) {
    if cmd[0] == "pg_basebackup" { return 1, "could not connect", nil }
    return 0, "", nil
  }
  _, err := mgr.Backup(ctx, types.BackupRequest{})
  if !errors.Is(err, types.ErrBackupFailed) { t.Fatalf("expected ErrBackupFailed, got: %v", err) }
  util.EqualsOrFailTest(t, "Bad exit code", types.ExitCodeFor(err, false), types.ExitBackupFailed)
  util.EqualsOrFailTest(t, "Nothing uploaded", len(mock.Store.PutCalls), 0)
  util.EqualsOrFailTest(t, "Staging not cleaned", len(stagingLeftovers(t, mgr)), 0)
  util.EqualsOrFailTest(t, "Container tmp not removed", len(mock.Service.ExecsOf("rm")), 1)
}

func TestBackup_NoBaseArchiveCopied(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  mgr, mock := buildTestBackupManager(t)
  mock.Service.CopyFromF = func(container_path string, local_dir string) error {
    return os.WriteFile(fpmod.Join(local_dir, "backup_manifest"), []byte("{}"), 0644)
  }
  _, err := mgr.Backup(ctx, types.BackupRequest{})
  if !errors.Is(err, types.ErrBackupFailed) { t.Fatalf("expected ErrBackupFailed, got: %v", err) }
  util.EqualsOrFailTest(t, "Nothing uploaded", len(mock.Store.PutCalls), 0)
}

func TestBackup_UploadFails(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  mgr, mock := buildTestBackupManager(t)
  mock.Store.ForMethodErrMsg(mock.Store.PutRecursive, "upload_denied")
  _, err := mgr.Backup(ctx, types.BackupRequest{})
  if !errors.Is(err, types.ErrBackupFailed) { t.Fatalf("expected ErrBackupFailed, got: %v", err) }
  util.EqualsOrFailTest(t, "Staging not cleaned", len(stagingLeftovers(t, mgr)), 0)
}

func TestGenerationFolder(t *testing.T) {
  util.EqualsOrFailTest(t, "Slash prefix", GenerationFolder("backups/", "l"), "backups/l")
  util.EqualsOrFailTest(t, "Bare prefix", GenerationFolder("backups", "l"), "backups/l")
  util.EqualsOrFailTest(t, "Empty prefix", GenerationFolder("", "l"), "l")
}

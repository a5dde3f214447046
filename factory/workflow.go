package factory

import (
  "context"
  "errors"
  "fmt"

  "pg_volume_backup/metrics"
  "pg_volume_backup/object_store/aws_s3_store"
  "pg_volume_backup/object_store/backup_locator"
  "pg_volume_backup/object_store/garbage_collector"
  "pg_volume_backup/object_store/local_fs"
  "pg_volume_backup/preflight"
  "pg_volume_backup/shim"
  "pg_volume_backup/types"
  "pg_volume_backup/util"
  "pg_volume_backup/workflow/backup_manager"
  "pg_volume_backup/workflow/backup_restore_canary"
  "pg_volume_backup/workflow/restore_manager"
)

var ErrBadConfig = errors.New("bad_config_for_factory")

// Builds every collaborator from a single configuration.
// The object store is only created when an operation needs it, local restores can run without credentials.
type Factory struct {
  Conf    *types.Config
  Runner  util.CmdRunner
  Metrics *metrics.Recorder
  store   types.AdminObjectStore
}

func NewFactory(conf *types.Config) (*Factory, error) {
  if conf == nil { return nil, fmt.Errorf("%w: nil config", ErrBadConfig) }
  factory := &Factory{
    Conf: conf,
    Runner: &util.ExecRunner{},
    Metrics: metrics.NewRecorder(),
  }
  return factory, nil
}

func (self *Factory) BuildObjectStore(ctx context.Context) (types.AdminObjectStore, error) {
  if self.store != nil { return self.store, nil }
  var store types.AdminObjectStore
  var err error
  switch self.Conf.Storage.Type {
    case types.StorageLocal:
      store, err = local_fs.NewObjectStore(self.Conf.Storage.LocalRoot)
    case types.StorageS3:
      if err := preflight.CheckCredentials(&self.Conf.Storage); err != nil { return nil, err }
      aws_conf, err := util.NewAwsConfig(ctx, &self.Conf.Storage.S3)
      if err != nil { return nil, err }
      store, err = aws_s3_store.NewObjectStore(&self.Conf.Storage.S3, aws_conf)
      if err != nil { return nil, err }
    default:
      return nil, types.NewError(types.KindUsageConflict, "build_store",
                                 fmt.Errorf("%w: storage type '%s'", ErrBadConfig, self.Conf.Storage.Type))
  }
  if err != nil { return nil, err }
  self.store = store
  return store, nil
}

func (self *Factory) BuildLocator(ctx context.Context) (types.BackupLocator, error) {
  store, err := self.BuildObjectStore(ctx)
  if err != nil { return nil, err }
  return backup_locator.NewBackupLocator(store), nil
}

func (self *Factory) BuildRetentionCollector(ctx context.Context) (types.RetentionCollector, error) {
  store, err := self.BuildObjectStore(ctx)
  if err != nil { return nil, err }
  return garbage_collector.NewGarbageCollector(self.Conf.Retention,
                                              backup_locator.NewBackupLocator(store), store)
}

func (self *Factory) BuildService() (types.ServiceLifecycle, error) {
  return shim.NewComposeService(&self.Conf.Service, self.Runner)
}

func (self *Factory) BuildVolumeManager() types.VolumeManager {
  return shim.NewVolumeManager(&self.Conf.Service, self.Runner)
}

func (self *Factory) BuildBackupManager(ctx context.Context) (*backup_manager.BackupManager, error) {
  service, err := self.BuildService()
  if err != nil { return nil, err }
  store, err := self.BuildObjectStore(ctx)
  if err != nil { return nil, err }
  return backup_manager.NewBackupManager(self.Conf, service, self.BuildVolumeManager(), store,
                                         backup_locator.NewBackupLocator(store),
                                         shim.NewFilesystemProbe(), self.Metrics)
}

// A restore from local files only needs the object store to fetch archived WAL.
func (self *Factory) BuildRestoreManager(
    ctx context.Context, source types.BackupSource) (*restore_manager.RestoreManager, error) {
  service, err := self.BuildService()
  if err != nil { return nil, err }
  var store types.ObjectStore
  var locator types.BackupLocator
  if !source.IsLocal() || len(self.Conf.Restore.WalPrefix) > 0 {
    admin, err := self.BuildObjectStore(ctx)
    if err != nil { return nil, err }
    store = admin
    locator = backup_locator.NewBackupLocator(admin)
  }
  return restore_manager.NewRestoreManager(self.Conf, service, self.BuildVolumeManager(), store, locator,
                                           shim.NewFilesystemProbe(), self.Metrics), nil
}

func (self *Factory) BuildCanary(ctx context.Context) (*backup_restore_canary.BackupRestoreCanary, error) {
  store, err := self.BuildObjectStore(ctx)
  if err != nil { return nil, err }
  return backup_restore_canary.NewBackupRestoreCanary(self.Conf, store, backup_locator.NewBackupLocator(store),
                                                      shim.NewFilesystemProbe(), self.Metrics)
}

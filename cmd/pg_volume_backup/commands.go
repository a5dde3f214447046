package main

import (
  "context"
  "fmt"
  "os"
  "os/signal"
  "syscall"
  "time"

  "pg_volume_backup/checksum"
  "pg_volume_backup/factory"
  "pg_volume_backup/metrics"
  "pg_volume_backup/preflight"
  "pg_volume_backup/types"
  "pg_volume_backup/util"
  "pg_volume_backup/workflow/restore_manager"

  "github.com/spf13/cobra"
)

var (
  config_file string
  env_file    string
  verbose     bool
  dry_run     bool
  check_remote bool
  directives  types.RestoreDirectives
  // Set once the configuration loads, main writes its metrics on exit.
  app *factory.Factory

  rootCmd = &cobra.Command{
    Use:   "pg_volume_backup",
    Short: "Base backups and restores of a dockerized PostgreSQL against object storage",
    SilenceUsage: true,
    SilenceErrors: true,
  }
  backupCmd = &cobra.Command{
    Use:   "backup",
    Short: "Takes a base backup of the service, uploads it and applies retention",
    Args:  cobra.NoArgs,
    RunE:  runBackup,
  }
  restoreCmd = &cobra.Command{
    Use:   "restore",
    Short: "Restores a backup in standby, override-volume or new-volume mode",
    Args:  cobra.NoArgs,
    RunE:  runRestore,
  }
  retentionCmd = &cobra.Command{
    Use:   "retention",
    Short: "Deletes the generations the retention policy does not keep",
    Args:  cobra.NoArgs,
    RunE:  runRetention,
  }
  verifyCmd = &cobra.Command{
    Use:   "verify [backup_dir]",
    Short: "Checks the files of a downloaded backup against its checksum manifest",
    Args:  cobra.ExactArgs(1),
    RunE:  runVerify,
  }
  locateCmd = &cobra.Command{
    Use:   "locate",
    Short: "Prints the backup generation a restore would use",
    Args:  cobra.NoArgs,
    RunE:  runLocate,
  }
  canaryCmd = &cobra.Command{
    Use:   "canary",
    Short: "Downloads and test extracts a generation in a scratch dir, the service is not touched",
    Args:  cobra.NoArgs,
    RunE:  runCanary,
  }
  checkCmd = &cobra.Command{
    Use:   "check",
    Short: "Runs the environment preflight checks without touching anything",
    Args:  cobra.NoArgs,
    RunE:  runCheck,
  }
)

// flag name -> configuration key, only flags set on the command line override the other layers.
var flagKeys = map[string]string{
  "compose-file":     "service.compose_file",
  "project":          "service.project",
  "service":          "service.name",
  "volume":           "service.volume",
  "metrics-textfile": "metrics_textfile",
  "prefix":           "backup.prefix",
  "staging-dir":      "backup.staging_dir",
  "keep-count":       "retention.keep_count",
  "keep-days":        "retention.keep_days",
  "backup-path":      "restore.backup_path",
  "search-prefix":    "restore.search_prefix",
  "local-path":       "restore.local_path",
  "wal-prefix":       "restore.wal_prefix",
  "standby-data-dir": "restore.standby_data_dir",
  "verify-checksums": "restore.verify_checksums",
  "hba-conf":         "restore.hba_conf",
  "postgres-conf":    "restore.postgres_conf",
  "first-boot-conf":  "restore.first_boot_conf",
  "post-init-dir":    "restore.post_init_dir",
}

var backup_label string

func init() {
  persistent := rootCmd.PersistentFlags()
  persistent.StringVar(&config_file, "config", "", "YAML configuration file")
  persistent.StringVar(&env_file, "env-file", "", "dotenv file with PGVB_* and AWS_* variables")
  persistent.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
  persistent.String("compose-file", "", "docker compose file defining the service")
  persistent.String("project", "", "docker compose project name")
  persistent.String("service", "", "compose service running PostgreSQL")
  persistent.String("volume", "", "named volume holding the data directory")
  persistent.String("metrics-textfile", "", "node_exporter textfile to write run metrics to")
  persistent.String("staging-dir", "", "local scratch directory")

  for _,cmd := range []*cobra.Command{ backupCmd, retentionCmd, } {
    cmd.Flags().String("prefix", "", "storage prefix holding the generations")
    cmd.Flags().Int("keep-count", 0, "keep the N newest generations")
    cmd.Flags().Int("keep-days", 0, "keep generations younger than N days")
  }
  backupCmd.Flags().StringVar(&backup_label, "label", "", "generation label, defaults to the current UTC time")
  retentionCmd.Flags().BoolVar(&dry_run, "dry-run", false, "only print what would be deleted")

  for _,cmd := range []*cobra.Command{ restoreCmd, locateCmd, canaryCmd, } {
    cmd.Flags().String("backup-path", "", "explicit generation folder in the store")
    cmd.Flags().String("search-prefix", "", "prefix searched for the newest generation")
  }
  flags := restoreCmd.Flags()
  flags.BoolVar(&directives.Standby, "standby", false, "restore into a standby data directory")
  flags.BoolVar(&directives.OverrideVolume, "override-volume", false, "wipe and restore the current volume")
  flags.StringVar(&directives.NewVolume, "new-volume", "", "restore into a new volume, keeping the current one")
  flags.String("local-path", "", "restore from local backup files instead of the store")
  flags.String("wal-prefix", "", "storage prefix of the WAL archive")
  flags.String("standby-data-dir", "", "host directory for a standby restore")
  flags.Bool("verify-checksums", false, "verify the manifest before touching the data directory")
  flags.String("hba-conf", "", "pg_hba.conf installed after the restore")
  flags.String("postgres-conf", "", "postgresql.conf installed after the restore")
  flags.String("first-boot-conf", "", "postgresql.auto.conf used for the first boot")
  flags.String("post-init-dir", "", "directory of *.sql and *.sh run after the restore")
  checkCmd.Flags().BoolVar(&check_remote, "check-remote", false, "also contact the object store")

  rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
    return types.NewError(types.KindMissingArgument, cmd.Name(), err)
  })
  rootCmd.AddCommand(backupCmd, restoreCmd, retentionCmd, verifyCmd, locateCmd, canaryCmd, checkCmd)
}

func isRestoreSide(name string) bool {
  switch name {
    case restoreCmd.Name(), verifyCmd.Name(), locateCmd.Name(), canaryCmd.Name(): return true
  }
  return false
}

func overridesFrom(cmd *cobra.Command) (map[string]interface{}, error) {
  overrides := make(map[string]interface{})
  for name,key := range flagKeys {
    flag := cmd.Flags().Lookup(name)
    if flag == nil || !flag.Changed { continue }
    var val interface{}
    var err error
    switch flag.Value.Type() {
      case "int":  val, err = cmd.Flags().GetInt(name)
      case "bool": val, err = cmd.Flags().GetBool(name)
      default:     val = flag.Value.String()
    }
    if err != nil { return nil, err }
    overrides[key] = val
  }
  if verbose { overrides["verbose"] = true }
  return overrides, nil
}

func loadFactory(cmd *cobra.Command) (*factory.Factory, error) {
  util.SetVerbose(verbose)
  overrides, err := overridesFrom(cmd)
  if err != nil { return nil, types.NewError(types.KindMissingArgument, "flags", err) }
  conf, err := util.LoadConfig(util.ConfigSources{
    EnvFile: env_file,
    ConfigFile: config_file,
    Overrides: overrides,
  })
  if err != nil && types.KindOf(err) == types.KindUnknown {
    return nil, types.NewError(types.KindMissingArgument, "load_config", err)
  }
  if err != nil { return nil, err }
  util.SetVerbose(conf.Verbose)
  app, err = factory.NewFactory(conf)
  return app, err
}

// Cancelled on SIGINT/SIGTERM so subprocesses are killed and cleanups still run.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
  return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func runBackup(cmd *cobra.Command, args []string) error {
  ctx, cancel := signalContext(cmd)
  defer cancel()
  fact, err := loadFactory(cmd)
  if err != nil { return err }
  mgr, err := fact.BuildBackupManager(ctx)
  if err != nil { return err }

  result, err := mgr.Backup(ctx, types.BackupRequest{
    Service: fact.Conf.Service.Name,
    Volume: fact.Conf.Service.Volume,
    Prefix: fact.Conf.Backup.Prefix,
    Label: backup_label,
    Policy: fact.Conf.Retention,
  })
  if err != nil { return err }
  fmt.Println(result.Backup.Location)
  return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
  ctx, cancel := signalContext(cmd)
  defer cancel()
  fact, err := loadFactory(cmd)
  if err != nil { return err }
  req, err := restore_manager.NewRequest(fact.Conf, directives)
  if err != nil { return err }
  mgr, err := fact.BuildRestoreManager(ctx, req.Source)
  if err != nil { return err }
  state, err := mgr.Restore(ctx, req)
  util.Infof("Restore finished in state %s", state)
  return err
}

func runRetention(cmd *cobra.Command, args []string) (err error) {
  ctx, cancel := signalContext(cmd)
  defer cancel()
  fact, err := loadFactory(cmd)
  if err != nil { return err }
  start := time.Now()
  defer func() { fact.Metrics.ObserveRun(metrics.OpRetention, start, err) }()

  collector, err := fact.BuildRetentionCollector(ctx)
  if err != nil { return err }
  deleted, err := collector.CleanOldGenerations(ctx, dry_run, fact.Conf.Backup.Prefix)
  if err != nil { return err }
  fact.Metrics.ObserveRetention(deleted, dry_run)
  for _,backup := range deleted.Deleted { fmt.Println(backup.Location) }
  if len(deleted.Failed) > 0 {
    return types.Errorf(types.KindOperationFailed, "retention",
                        "%w: %d generations could not be deleted", types.ErrBackupFailed, len(deleted.Failed))
  }
  return nil
}

func runVerify(cmd *cobra.Command, args []string) (err error) {
  fact, err := loadFactory(cmd)
  if err != nil { return err }
  start := time.Now()
  defer func() { fact.Metrics.ObserveRun(metrics.OpVerify, start, err) }()

  result, err := checksum.VerifyDir(args[0])
  if err != nil { return err }
  if !result.Ok {
    return types.Errorf(types.KindOperationFailed, "verify",
                        "%w: mismatches:\n%s", types.ErrRestoreFailed, util.AsJson(result.Mismatches))
  }
  fmt.Println("OK")
  return nil
}

func runLocate(cmd *cobra.Command, args []string) error {
  ctx, cancel := signalContext(cmd)
  defer cancel()
  fact, err := loadFactory(cmd)
  if err != nil { return err }
  locator, err := fact.BuildLocator(ctx)
  if err != nil { return err }
  backup, err := locator.Locate(ctx, fact.Conf.Restore.BackupPath, fact.Conf.Restore.SearchPrefix)
  if err != nil { return err }
  fmt.Println(util.AsJson(backup))
  return nil
}

func runCanary(cmd *cobra.Command, args []string) error {
  ctx, cancel := signalContext(cmd)
  defer cancel()
  fact, err := loadFactory(cmd)
  if err != nil { return err }
  canary, err := fact.BuildCanary(ctx)
  if err != nil { return err }
  if err := canary.Setup(ctx); err != nil { return err }
  defer canary.TearDown(ctx)
  result, err := canary.RestoreAndValidate(ctx, fact.Conf.Restore.BackupPath, fact.Conf.Restore.SearchPrefix)
  if err != nil { return err }
  fmt.Println(util.AsJson(result))
  return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
  ctx, cancel := signalContext(cmd)
  defer cancel()
  fact, err := loadFactory(cmd)
  if err != nil { return err }
  if err := preflight.CheckCommands("docker"); err != nil { return err }
  if err := preflight.CheckCredentials(&fact.Conf.Storage); err != nil { return err }
  if !check_remote { return nil }

  store, err := fact.BuildObjectStore(ctx)
  if err != nil { return err }
  if err := store.Probe(ctx); err != nil { return err }
  s3_conf := fact.Conf.Storage.S3
  if fact.Conf.Storage.Type == types.StorageS3 && len(s3_conf.Endpoint) == 0 {
    aws_conf, err := util.NewAwsConfig(ctx, &s3_conf)
    if err != nil { return err }
    account, err := util.GetAccountId(ctx, aws_conf)
    if err != nil {
      util.Warnf("Could not resolve the account of the credentials: %v", err)
    } else {
      util.Infof("Credentials belong to account %s", account)
    }
  }
  util.Infof("Object store reachable")
  return nil
}

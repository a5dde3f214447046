package types

import "time"

const (
  StorageS3    = "s3"
  StorageLocal = "local"
  AlgoSha256   = "sha256"
  AlgoBlake2b  = "blake2b-256"
)

// Immutable once loaded, see `util.LoadConfig`.
type Config struct {
  Storage   StorageConfig   `koanf:"storage"`
  Service   ServiceConfig   `koanf:"service"`
  Backup    BackupConfig    `koanf:"backup"`
  Restore   RestoreConfig   `koanf:"restore"`
  Retention RetentionPolicy `koanf:"retention"`
  Preflight PreflightConfig `koanf:"preflight"`
  // node_exporter textfile collector destination, empty disables metrics output.
  MetricsTextfile string `koanf:"metrics_textfile"`
  Verbose         bool   `koanf:"verbose"`
}

type StorageConfig struct {
  Type      string   `koanf:"type" validate:"oneof=s3 local"`
  LocalRoot string   `koanf:"local_root" validate:"required_if=Type local"`
  S3        S3Config `koanf:"s3"`
}

type S3Config struct {
  Bucket          string `koanf:"bucket"`
  Region          string `koanf:"region"`
  // Non empty for S3 compatible stores (minio, ceph...).
  Endpoint        string `koanf:"endpoint"`
  AccessKeyId     string `koanf:"access_key_id"`
  SecretAccessKey string `koanf:"secret_access_key"`
  SessionToken    string `koanf:"session_token"`
  PathStyle       bool   `koanf:"path_style"`
}

type ServiceConfig struct {
  ComposeFile string `koanf:"compose_file" validate:"required"`
  Project     string `koanf:"project"`
  Name        string `koanf:"name" validate:"required"`
  Volume      string `koanf:"volume"`
  // Data directory path inside the container.
  DataDir     string `koanf:"data_dir" validate:"required"`
  DbUser      string `koanf:"db_user" validate:"required"`
  Uid         int    `koanf:"uid" validate:"gte=0"`
  Gid         int    `koanf:"gid" validate:"gte=0"`
}

type BackupConfig struct {
  Prefix            string `koanf:"prefix"`
  StagingDir        string `koanf:"staging_dir" validate:"required"`
  ChecksumAlgorithm string `koanf:"checksum_algorithm" validate:"oneof=sha256 blake2b-256"`
  // Data directory on the host, used to size the backup. Resolved from the volume when empty.
  HostDataDir       string `koanf:"host_data_dir"`
}

type RestoreConfig struct {
  BackupPath        string `koanf:"backup_path"`
  SearchPrefix      string `koanf:"search_prefix"`
  LocalPath         string `koanf:"local_path"`
  WalPrefix         string `koanf:"wal_prefix"`
  StandbyDataDir    string `koanf:"standby_data_dir"`
  RestoreCommand    string `koanf:"restore_command" validate:"required"`
  VerifyChecksums   bool   `koanf:"verify_checksums"`
  FirstBootConf     string `koanf:"first_boot_conf"`
  HbaConf           string `koanf:"hba_conf"`
  PostgresConf      string `koanf:"postgres_conf"`
  PostInitDir       string `koanf:"post_init_dir"`
  ReadinessWaitSecs int    `koanf:"readiness_wait_secs" validate:"gte=0"`
}

type PreflightConfig struct {
  MarginGB        int64 `koanf:"margin_gb" validate:"gte=0"`
  FallbackMinGB   int64 `koanf:"fallback_min_gb" validate:"gte=0"`
}

func (self *RestoreConfig) ReadinessWait() time.Duration {
  return time.Duration(self.ReadinessWaitSecs) * time.Second
}

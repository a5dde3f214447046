package util

import (
  "fmt"
  "os"
  "strings"

  "pg_volume_backup/types"

  "github.com/go-playground/validator/v10"
  "github.com/knadh/koanf/parsers/dotenv"
  "github.com/knadh/koanf/parsers/yaml"
  "github.com/knadh/koanf/providers/env"
  "github.com/knadh/koanf/providers/file"
  "github.com/knadh/koanf/providers/structs"
  "github.com/knadh/koanf/v2"
)

const (
  EnvPrefix = "PGVB_"
  // PGVB_STORAGE__S3__BUCKET -> storage.s3.bucket
  EnvNestingSep = "__"
)

// The usual AWS variables are honoured so existing environments keep working.
var awsEnvMappings = map[string]string{
  "AWS_ACCESS_KEY_ID":     "storage.s3.access_key_id",
  "AWS_SECRET_ACCESS_KEY": "storage.s3.secret_access_key",
  "AWS_SESSION_TOKEN":     "storage.s3.session_token",
  "AWS_REGION":            "storage.s3.region",
  "AWS_DEFAULT_REGION":    "storage.s3.region",
  "AWS_ENDPOINT_URL":      "storage.s3.endpoint",
}

// Configuration layers, later ones win:
// defaults < env file < process environment < config file < overrides.
type ConfigSources struct {
  EnvFile    string
  ConfigFile string
  // Keyed by koanf path (ex: "restore.backup_path"), typically the flags set on the command line.
  Overrides  map[string]interface{}
}

func DefaultConfig() types.Config {
  return types.Config{
    Storage: types.StorageConfig{ Type: types.StorageS3, },
    Service: types.ServiceConfig{
      ComposeFile: "docker-compose.yml",
      Name: "postgres",
      DataDir: "/var/lib/postgresql/data",
      DbUser: "postgres",
      Uid: 999,
      Gid: 999,
    },
    Backup: types.BackupConfig{
      Prefix: "backups/",
      StagingDir: os.TempDir(),
      ChecksumAlgorithm: types.AlgoSha256,
    },
    Restore: types.RestoreConfig{
      SearchPrefix: "backups/",
      RestoreCommand: "cp /var/lib/postgresql/data/pg_wal/%f %p",
      ReadinessWaitSecs: 30,
    },
    Preflight: types.PreflightConfig{
      MarginGB: 2,
      FallbackMinGB: 10,
    },
  }
}

// Returns "" for variables that do not belong to the configuration.
func EnvToKey(name string) string {
  if mapped, found := awsEnvMappings[name]; found { return mapped }
  if !strings.HasPrefix(name, EnvPrefix) { return "" }
  key := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
  return strings.ReplaceAll(key, EnvNestingSep, ".")
}

func loadEnvFile(k *koanf.Koanf, path string) error {
  raw := koanf.New(".")
  if err := raw.Load(file.Provider(path), dotenv.Parser()); err != nil {
    return err
  }
  for name, val := range raw.All() {
    key := EnvToKey(name)
    if len(key) == 0 { continue }
    if err := k.Set(key, val); err != nil { return err }
  }
  return nil
}

func LoadConfig(src ConfigSources) (*types.Config, error) {
  k := koanf.New(".")

  if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
    return nil, fmt.Errorf("failed to load defaults: %w", err)
  }
  if len(src.EnvFile) > 0 {
    if err := loadEnvFile(k, src.EnvFile); err != nil {
      return nil, fmt.Errorf("failed to load env file %s: %w", src.EnvFile, err)
    }
  }
  if err := k.Load(env.Provider("", ".", EnvToKey), nil); err != nil {
    return nil, fmt.Errorf("failed to load environment variables: %w", err)
  }
  if len(src.ConfigFile) > 0 {
    if err := k.Load(file.Provider(src.ConfigFile), yaml.Parser()); err != nil {
      return nil, fmt.Errorf("failed to load config file %s: %w", src.ConfigFile, err)
    }
  }
  for key, val := range src.Overrides {
    if err := k.Set(key, val); err != nil {
      return nil, fmt.Errorf("bad override %s: %w", key, err)
    }
  }

  conf := &types.Config{}
  if err := k.Unmarshal("", conf); err != nil {
    return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
  }
  if err := ValidateConfig(conf); err != nil { return nil, err }
  Debugf("Loaded configuration:\n%s", AsJson(RedactedConfig(conf)))
  return conf, nil
}

func ValidateConfig(conf *types.Config) error {
  validate := validator.New()
  if err := validate.Struct(conf); err != nil {
    return types.NewError(types.KindMissingArgument, "config",
                          fmt.Errorf("%w: %v", types.ErrMissingArgument, err))
  }
  return checkWalPrefix(conf)
}

// Every first level folder under a backup prefix is a generation,
// an archived WAL folder in there would be located and pruned like one.
func checkWalPrefix(conf *types.Config) error {
  wal := conf.Restore.WalPrefix
  if len(wal) == 0 { return nil }
  for _,prefix := range []string{ conf.Backup.Prefix, conf.Restore.SearchPrefix, } {
    if strings.HasPrefix(wal, prefix) || strings.HasPrefix(prefix, wal) {
      return types.NewError(types.KindUsageConflict, "config",
                            fmt.Errorf("%w: wal_prefix '%s' and backup prefix '%s'", types.ErrPrefixOverlap, wal, prefix))
    }
  }
  return nil
}

// Copy safe to print.
func RedactedConfig(conf *types.Config) types.Config {
  clone := *conf
  if len(clone.Storage.S3.SecretAccessKey) > 0 { clone.Storage.S3.SecretAccessKey = "<redacted>" }
  if len(clone.Storage.S3.SessionToken) > 0 { clone.Storage.S3.SessionToken = "<redacted>" }
  return clone
}

package util

import (
  "errors"
  fpmod "path/filepath"
  "testing"

  "pg_volume_backup/types"
)

func TestEnvToKey(t *testing.T) {
  EqualsOrFailTest(t, "Bad nested", EnvToKey("PGVB_STORAGE__S3__BUCKET"), "storage.s3.bucket")
  EqualsOrFailTest(t, "Bad underscore", EnvToKey("PGVB_RESTORE__WAL_PREFIX"), "restore.wal_prefix")
  EqualsOrFailTest(t, "Bad aws", EnvToKey("AWS_SECRET_ACCESS_KEY"), "storage.s3.secret_access_key")
  EqualsOrFailTest(t, "Should skip", EnvToKey("HOME"), "")
}

func TestLoadConfig_Defaults(t *testing.T) {
  conf, err := LoadConfig(ConfigSources{})
  if err != nil { t.Fatalf("LoadConfig: %v", err) }
  EqualsOrFailTest(t, "Bad data dir", conf.Service.DataDir, "/var/lib/postgresql/data")
  EqualsOrFailTest(t, "Bad algo", conf.Backup.ChecksumAlgorithm, types.AlgoSha256)
  EqualsOrFailTest(t, "Bad margin", conf.Preflight.MarginGB, int64(2))
}

func TestLoadConfig_LayerPrecedence(t *testing.T) {
  dir := t.TempDir()
  WriteFilesOrDie(t, dir, map[string]string{
    "pgvb.env": "PGVB_SERVICE__PROJECT=from_env_file\nPGVB_SERVICE__VOLUME=from_env_file\nPGVB_SERVICE__NAME=from_env_file\n",
    "conf.yml": "service:\n  name: from_file\nretention:\n  keep_count: 4\n",
  })
  t.Setenv("PGVB_SERVICE__VOLUME", "from_env")
  t.Setenv("PGVB_SERVICE__NAME", "from_env")
  t.Setenv("PGVB_RETENTION__KEEP_COUNT", "2")

  src := ConfigSources{
    EnvFile: fpmod.Join(dir, "pgvb.env"),
    ConfigFile: fpmod.Join(dir, "conf.yml"),
    Overrides: map[string]interface{}{ "service.name": "from_cli", },
  }
  conf, err := LoadConfig(src)
  if err != nil { t.Fatalf("LoadConfig: %v", err) }
  EqualsOrFailTest(t, "Env file only", conf.Service.Project, "from_env_file")
  EqualsOrFailTest(t, "Env over env file", conf.Service.Volume, "from_env")
  EqualsOrFailTest(t, "File over env", conf.Retention.KeepCount, 4)
  EqualsOrFailTest(t, "Cli over file", conf.Service.Name, "from_cli")
}

func TestLoadConfig_ValidationFails(t *testing.T) {
  src := ConfigSources{
    Overrides: map[string]interface{}{ "backup.checksum_algorithm": "md5", },
  }
  _, err := LoadConfig(src)
  if !errors.Is(err, types.ErrMissingArgument) { t.Errorf("expected validation error, got: %v", err) }
  EqualsOrFailTest(t, "Bad kind", types.KindOf(err), types.KindMissingArgument)
}

func TestValidateConfig_WalPrefix(t *testing.T) {
  type test_case struct {
    backup_prefix string
    wal_prefix    string
    overlap       bool
  }
  cases := []test_case{
    { "backups/", "", false, },
    { "backups/", "wal/", false, },
    { "backups/", "backups/wal/", true, },
    { "backups/", "backups/", true, },
    { "backups/db1/", "backups/", true, },
    { "", "wal/", true, },
  }
  for _,tc := range cases {
    conf := DefaultConfig()
    conf.Backup.Prefix = tc.backup_prefix
    conf.Restore.SearchPrefix = tc.backup_prefix
    conf.Restore.WalPrefix = tc.wal_prefix
    err := ValidateConfig(&conf)
    EqualsOrFailTest(t, "Bad overlap " + tc.backup_prefix + "|" + tc.wal_prefix,
                     errors.Is(err, types.ErrPrefixOverlap), tc.overlap)
    if tc.overlap {
      EqualsOrFailTest(t, "Bad exit code", types.ExitCodeFor(err, true), types.ExitUsageConflict)
    } else if err != nil {
      t.Errorf("unexpected error: %v", err)
    }
  }
}

func TestRedactedConfig(t *testing.T) {
  conf := DefaultConfig()
  conf.Storage.S3.SecretAccessKey = "hush"
  red := RedactedConfig(&conf)
  EqualsOrFailTest(t, "Not redacted", red.Storage.S3.SecretAccessKey, "<redacted>")
  EqualsOrFailTest(t, "Original mutated", conf.Storage.S3.SecretAccessKey, "hush")
}

package util

import (
  "fmt"
  "time"

  "pg_volume_backup/types"
)

// Fixed reference point so tests do not depend on the wall clock.
var DummyNow = time.Date(2025, time.January, 31, 12, 0, 0, 0, time.UTC)

func DummyBackup(label string, last_modified time.Time) *types.BackupDescriptor {
  return &types.BackupDescriptor{
    Label: label,
    Location: fmt.Sprintf("backups/%s", label),
    LastModified: last_modified,
    Files: []string{ "base.tar.gz", "pg_wal.tar.gz", types.ManifestName, types.ManifestInfoName, },
  }
}

// Backups aged `days_old` days relative to `DummyNow`, in the given order.
func DummyBackupsAged(days_old ...int) []*types.BackupDescriptor {
  backups := make([]*types.BackupDescriptor, 0, len(days_old))
  for _,days := range days_old {
    ts := DummyNow.Add(-time.Duration(days) * 24 * time.Hour)
    backups = append(backups, DummyBackup(types.NewLabel(ts), ts))
  }
  return backups
}

// Objects for a generation folder `<prefix><label>/` with all the usual files.
func DummyGenerationObjects(prefix string, label string, last_modified time.Time) []types.ObjectInfo {
  names := []string{ "base.tar.gz", "pg_wal.tar.gz", types.ManifestName, types.ManifestInfoName, }
  objs := make([]types.ObjectInfo, 0, len(names))
  for idx,name := range names {
    objs = append(objs, types.ObjectInfo{
      Key: fmt.Sprintf("%s%s/%s", prefix, label, name),
      LastModified: last_modified.Add(time.Duration(idx) * time.Second),
      Size: int64(100 * (idx+1)),
    })
  }
  return objs
}

func DummyConfig() *types.Config {
  conf := DefaultConfig()
  conf.Storage.S3 = types.S3Config{
    Bucket: "pg-backups",
    Region: "eu-west-1",
    AccessKeyId: "AKIDUMMY",
    SecretAccessKey: "dummy_secret",
  }
  conf.Service.Volume = "pgdata"
  conf.Restore.ReadinessWaitSecs = 0
  return &conf
}

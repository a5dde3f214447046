package garbage_collector

import (
  "context"
  "fmt"
  "strings"
  "time"

  "pg_volume_backup/object_store/backup_locator"
  "pg_volume_backup/types"
  "pg_volume_backup/util"
)

type garbageCollector struct {
  policy  types.RetentionPolicy
  locator types.BackupLocator
  store   types.ObjectStore
  now     func() time.Time
}

func NewGarbageCollector(
    policy types.RetentionPolicy, locator types.BackupLocator, store types.ObjectStore) (types.RetentionCollector, error) {
  if policy.KeepCount < 0 || policy.KeepDays < 0 {
    return nil, types.NewError(types.KindUsageConflict, "retention",
                               fmt.Errorf("negative retention policy: %+v", policy))
  }
  collector := &garbageCollector{
    policy: policy,
    locator: locator,
    store: store,
    now: time.Now,
  }
  return collector, nil
}

// Returns the generations `policy` does not keep, newest first.
// `backups` is not modified.
// With `KeepCount` set, the `KeepCount` newest are kept whatever their age.
// Otherwise generations strictly younger than `KeepDays` days are kept.
func Apply(
    policy types.RetentionPolicy, backups []*types.BackupDescriptor, now time.Time) []*types.BackupDescriptor {
  if policy.IsNoop() { return nil }
  sorted := make([]*types.BackupDescriptor, len(backups))
  copy(sorted, backups)
  backup_locator.SortGenerationsNewestFirst(sorted)

  if policy.KeepCount > 0 {
    if len(sorted) <= policy.KeepCount { return nil }
    return sorted[policy.KeepCount:]
  }

  max_age := time.Duration(policy.KeepDays) * 24 * time.Hour
  var to_del []*types.BackupDescriptor
  for _,b := range sorted {
    if now.Sub(b.LastModified) < max_age { continue }
    to_del = append(to_del, b)
  }
  return to_del
}

func (self *garbageCollector) deleteGeneration(
    ctx context.Context, dry_run bool, backup *types.BackupDescriptor) error {
  if dry_run { return nil }
  // The trailing slash keeps `backups/2025` from matching `backups/20250101T000000`.
  folder := strings.TrimSuffix(backup.Location, "/") + "/"
  return self.store.DeleteRecursive(ctx, folder)
}

func (self *garbageCollector) CleanOldGenerations(
    ctx context.Context, dry_run bool, prefix string) (*types.DeletedItems, error) {
  result := &types.DeletedItems{ Failed: make(map[string]error), }
  if self.policy.IsNoop() {
    util.Infof("Retention policy keeps everything, nothing to prune under '%s'", prefix)
    return result, nil
  }

  backups, err := self.locator.ListGenerations(ctx, prefix)
  if err != nil { return nil, err }
  to_del := Apply(self.policy, backups, self.now())
  util.Infof("Retention %s: %d generations under '%s', %d to delete",
             self.policy, len(backups), prefix, len(to_del))

  for _,backup := range to_del {
    if ctx.Err() != nil { return result, ctx.Err() }
    if err := self.deleteGeneration(ctx, dry_run, backup); err != nil {
      util.Warnf("Could not delete generation '%s': %v", backup.Location, err)
      result.Failed[backup.Location] = err
      continue
    }
    result.Deleted = append(result.Deleted, backup)
  }

  util.Infof("Deleted (dry_run:%v) generations:\n%s", dry_run, util.AsJson(result.Deleted))
  return result, nil
}

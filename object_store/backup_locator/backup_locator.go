package backup_locator

import (
  "context"
  "fmt"
  "path"
  "sort"
  "strings"

  "pg_volume_backup/types"
  "pg_volume_backup/util"
)

type backupLocator struct {
  store types.ObjectStore
}

func NewBackupLocator(store types.ObjectStore) types.BackupLocator {
  return &backupLocator{ store:store, }
}

// Newest first. Equal timestamps are ordered by key, greatest first,
// so the choice does not depend on the listing order.
func SortObjectsNewestFirst(objs []types.ObjectInfo) {
  sort.SliceStable(objs, func(i, j int) bool {
    if !objs[i].LastModified.Equal(objs[j].LastModified) {
      return objs[i].LastModified.After(objs[j].LastModified)
    }
    return objs[i].Key > objs[j].Key
  })
}

func SortGenerationsNewestFirst(backups []*types.BackupDescriptor) {
  sort.SliceStable(backups, func(i, j int) bool {
    if !backups[i].LastModified.Equal(backups[j].LastModified) {
      return backups[i].LastModified.After(backups[j].LastModified)
    }
    return backups[i].Location > backups[j].Location
  })
}

func descriptorForFolder(folder string, objs []types.ObjectInfo) *types.BackupDescriptor {
  backup := &types.BackupDescriptor{
    Label: path.Base(folder),
    Location: folder,
  }
  for _,obj := range objs {
    if path.Dir(obj.Key) != folder || strings.HasSuffix(obj.Key, "/") { continue }
    backup.Files = append(backup.Files, path.Base(obj.Key))
    if obj.LastModified.After(backup.LastModified) { backup.LastModified = obj.LastModified }
  }
  sort.Strings(backup.Files)
  return backup
}

// Distinct first path elements of every key in the namespace.
func (self *backupLocator) topLevelPrefixes(ctx context.Context) []string {
  objs, err := self.store.List(ctx, "")
  if err != nil {
    util.Warnf("Could not list the namespace root: %v", err)
    return nil
  }
  seen := make(map[string]bool)
  var prefixes []string
  for _,obj := range objs {
    top, _, found := strings.Cut(obj.Key, "/")
    if found { top += "/" }
    if seen[top] { continue }
    seen[top] = true
    prefixes = append(prefixes, top)
  }
  sort.Strings(prefixes)
  return prefixes
}

func (self *backupLocator) notFound(ctx context.Context, search_prefix string) error {
  util.Warnf("No backup under '%s', top level prefixes in the namespace: %v",
             search_prefix, self.topLevelPrefixes(ctx))
  return types.NewError(types.KindNotFound, "locate_backup",
                        fmt.Errorf("%w: under prefix '%s'", types.ErrNoBackupFound, search_prefix))
}

func (self *backupLocator) Locate(
    ctx context.Context, explicit_path string, search_prefix string) (*types.BackupDescriptor, error) {
  if len(explicit_path) > 0 {
    folder := strings.TrimSuffix(explicit_path, "/")
    util.Infof("Using explicit backup path '%s'", folder)
    return &types.BackupDescriptor{ Label:path.Base(folder), Location:folder, }, nil
  }

  objs, err := self.store.List(ctx, search_prefix)
  if err != nil { return nil, fmt.Errorf("locate backup under '%s': %w", search_prefix, err) }
  SortObjectsNewestFirst(objs)

  for _,obj := range objs {
    folder := path.Dir(strings.TrimSuffix(obj.Key, "/"))
    // Objects at the namespace root have no backup folder.
    if folder == "." || len(folder) == 0 { continue }
    backup := descriptorForFolder(folder, objs)
    util.Infof("Most recent backup is '%s' (key '%s' at %s)",
               backup.Location, obj.Key, obj.LastModified.UTC().Format("2006-01-02 15:04:05"))
    return backup, nil
  }
  return nil, self.notFound(ctx, search_prefix)
}

// A generation is every object sharing the first path element below `prefix`.
// Objects directly at `prefix` level belong to no generation.
func (self *backupLocator) ListGenerations(
    ctx context.Context, prefix string) ([]*types.BackupDescriptor, error) {
  objs, err := self.store.List(ctx, prefix)
  if err != nil { return nil, fmt.Errorf("list generations under '%s': %w", prefix, err) }

  by_location := make(map[string]*types.BackupDescriptor)
  for _,obj := range objs {
    if !strings.HasPrefix(obj.Key, prefix) { continue }
    rest := obj.Key[len(prefix):]
    trimmed := strings.TrimLeft(rest, "/")
    label, file, found := strings.Cut(trimmed, "/")
    if !found || len(label) == 0 { continue }
    location := obj.Key[:len(prefix) + len(rest) - len(trimmed) + len(label)]

    backup, found := by_location[location]
    if !found {
      backup = &types.BackupDescriptor{ Label:label, Location:location, }
      by_location[location] = backup
    }
    if len(file) > 0 { backup.Files = append(backup.Files, file) }
    if obj.LastModified.After(backup.LastModified) { backup.LastModified = obj.LastModified }
  }

  backups := make([]*types.BackupDescriptor, 0, len(by_location))
  for _,backup := range by_location {
    sort.Strings(backup.Files)
    backups = append(backups, backup)
  }
  SortGenerationsNewestFirst(backups)
  return backups, nil
}

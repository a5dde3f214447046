package local_fs
// Object store backed by a plain directory, typically a mounted backup disk.
// Keys are slash separated paths relative to `Root`, LastModified is the file mtime.

import (
  "context"
  "errors"
  "fmt"
  "io"
  "io/fs"
  "os"
  fpmod "path/filepath"
  "sort"
  "strings"

  "pg_volume_backup/types"
  "pg_volume_backup/util"
)

type DirStore struct {
  Root string
}

func NewObjectStore(root string) (types.AdminObjectStore, error) {
  if len(root) == 0 {
    return nil, types.NewError(types.KindMissingArgument, "local_store",
                               fmt.Errorf("%w: local_root", types.ErrMissingArgument))
  }
  return &DirStore{ Root:fpmod.Clean(root), }, nil
}

func (self *DirStore) Probe(ctx context.Context) error {
  info, err := os.Stat(self.Root)
  if err != nil || !info.IsDir() {
    return types.NewError(types.KindNotFound, "local_store_probe",
                          fmt.Errorf("%w: '%s' is not a directory", types.ErrNotFound, self.Root))
  }
  return nil
}

func (self *DirStore) keyPath(key string) string {
  return fpmod.Join(self.Root, fpmod.FromSlash(key))
}

// Walks the whole root, prefixes are plain string prefixes so no directory can be skipped.
func (self *DirStore) List(ctx context.Context, prefix string) ([]types.ObjectInfo, error) {
  var infos []types.ObjectInfo
  walk_f := func(path string, entry fs.DirEntry, err error) error {
    if err != nil { return err }
    if ctx.Err() != nil { return ctx.Err() }
    if !entry.Type().IsRegular() { return nil }
    rel, err := fpmod.Rel(self.Root, path)
    if err != nil { return err }
    key := fpmod.ToSlash(rel)
    if !strings.HasPrefix(key, prefix) { return nil }
    finfo, err := entry.Info()
    if err != nil { return err }
    infos = append(infos, types.ObjectInfo{ Key:key, LastModified:finfo.ModTime().UTC(), Size:finfo.Size(), })
    return nil
  }
  if err := fpmod.WalkDir(self.Root, walk_f); err != nil {
    return nil, fmt.Errorf("local list '%s': %w", prefix, err)
  }
  return infos, nil
}

func copyFile(src string, dst string) error {
  in, err := os.Open(src)
  if err != nil { return err }
  defer in.Close()
  if err := os.MkdirAll(fpmod.Dir(dst), 0755); err != nil { return err }
  out, err := os.Create(dst)
  if err != nil { return err }
  _, err = io.Copy(out, in)
  return util.Coalesce(err, out.Close())
}

func (self *DirStore) GetRecursive(ctx context.Context, prefix string, local_dir string) error {
  infos, err := self.List(ctx, prefix)
  if err != nil { return err }
  if len(infos) == 0 { return fmt.Errorf("%w: nothing under '%s'", types.ErrNotFound, self.keyPath(prefix)) }
  for _,info := range infos {
    rel := strings.TrimPrefix(strings.TrimPrefix(info.Key, prefix), "/")
    if len(rel) == 0 { rel = fpmod.Base(info.Key) }
    if err := copyFile(self.keyPath(info.Key), fpmod.Join(local_dir, fpmod.FromSlash(rel))); err != nil {
      return err
    }
  }
  util.Infof("Copied %d files from '%s'", len(infos), self.keyPath(prefix))
  return nil
}

func (self *DirStore) Get(ctx context.Context, key string, local_path string) error {
  src := self.keyPath(key)
  info, err := os.Stat(src)
  if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.Mode().IsRegular()) {
    return fmt.Errorf("%w: '%s'", types.ErrNotFound, src)
  }
  if err != nil { return err }
  return copyFile(src, local_path)
}

func (self *DirStore) PutRecursive(ctx context.Context, local_dir string, prefix string) error {
  count := 0
  walk_f := func(path string, entry fs.DirEntry, err error) error {
    if err != nil { return err }
    if !entry.Type().IsRegular() { return nil }
    rel, err := fpmod.Rel(local_dir, path)
    if err != nil { return err }
    key := strings.TrimSuffix(prefix, "/") + "/" + fpmod.ToSlash(rel)
    count += 1
    return copyFile(path, self.keyPath(key))
  }
  if err := fpmod.WalkDir(local_dir, walk_f); err != nil { return err }
  util.Infof("Copied %d files to '%s'", count, self.keyPath(prefix))
  return nil
}

// Removes the matching files then any directory left empty below the root.
func (self *DirStore) DeleteRecursive(ctx context.Context, prefix string) error {
  infos, err := self.List(ctx, prefix)
  if err != nil { return err }
  dirs := make(map[string]bool)
  for _,info := range infos {
    path := self.keyPath(info.Key)
    if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) { return err }
    for dir := fpmod.Dir(path); dir != self.Root && strings.HasPrefix(dir, self.Root); dir = fpmod.Dir(dir) {
      dirs[dir] = true
    }
  }
  // Deepest first.
  sorted := make([]string, 0, len(dirs))
  for d,_ := range dirs { sorted = append(sorted, d) }
  sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
  for _,dir := range sorted {
    entries, err := os.ReadDir(dir)
    if err != nil || len(entries) > 0 { continue }
    if err := os.Remove(dir); err != nil { util.Warnf("Could not remove '%s': %v", dir, err) }
  }
  util.Infof("Deleted %d files under '%s'", len(infos), self.keyPath(prefix))
  return nil
}

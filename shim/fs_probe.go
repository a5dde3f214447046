package shim

import (
  "errors"
  "io/fs"
  "os"
  fpmod "path/filepath"

  "golang.org/x/sys/unix"
)

type FsProbe struct {}

func NewFilesystemProbe() *FsProbe { return &FsProbe{} }

// Symlinks are not followed, their size is not counted.
func (self *FsProbe) SizeOf(path string) (int64, error) {
  var total int64
  walk_f := func(p string, entry fs.DirEntry, err error) error {
    if err != nil { return err }
    if !entry.Type().IsRegular() { return nil }
    info, err := entry.Info()
    if err != nil { return err }
    total += info.Size()
    return nil
  }
  if err := fpmod.WalkDir(path, walk_f); err != nil { return 0, err }
  return total, nil
}

// `path` may not exist yet, the closest existing parent is used instead.
func (self *FsProbe) AvailableSpace(path string) (int64, error) {
  probe := fpmod.Clean(path)
  for {
    _, err := os.Stat(probe)
    if err == nil { break }
    if !errors.Is(err, fs.ErrNotExist) { return 0, err }
    parent := fpmod.Dir(probe)
    if parent == probe { return 0, err }
    probe = parent
  }
  var stat unix.Statfs_t
  if err := unix.Statfs(probe, &stat); err != nil { return 0, err }
  return int64(stat.Bavail) * int64(stat.Bsize), nil
}

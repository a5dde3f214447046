package archive

import (
  "archive/tar"
  "compress/bzip2"
  "errors"
  "fmt"
  "io"
  "io/fs"
  "os"
  fpmod "path/filepath"
  "strings"

  "pg_volume_backup/util"

  "github.com/klauspost/compress/gzip"
)

var ErrUnsafePath = errors.New("archive_entry_escapes_destination")
var ErrUnknownFormat = errors.New("unknown_archive_format")

type Compression int
const (
  CompressionNone  Compression = iota
  CompressionGzip  Compression = iota
  CompressionBzip2 Compression = iota
)

func CompressionOf(name string) Compression {
  switch {
    case strings.HasSuffix(name, ".gz"), strings.HasSuffix(name, ".tgz"): return CompressionGzip
    case strings.HasSuffix(name, ".bz2"): return CompressionBzip2
  }
  return CompressionNone
}

type readCloser struct {
  io.Reader
  closers []io.Closer
}
func (self *readCloser) Close() error {
  var errs []error
  for _,c := range self.closers { errs = append(errs, c.Close()) }
  return util.Coalesce(errs...)
}

// Opens `path` decompressing according to its extension.
func OpenDecompressed(path string) (io.ReadCloser, error) {
  file, err := os.Open(path)
  if err != nil { return nil, err }
  switch CompressionOf(path) {
    case CompressionGzip:
      gz_reader, err := gzip.NewReader(file)
      if err != nil {
        file.Close()
        return nil, fmt.Errorf("gzip '%s': %w", path, err)
      }
      return &readCloser{ Reader:gz_reader, closers:[]io.Closer{ gz_reader, file, }, }, nil
    case CompressionBzip2:
      return &readCloser{ Reader:bzip2.NewReader(file), closers:[]io.Closer{ file, }, }, nil
  }
  return file, nil
}

// Rejects absolute names and names climbing out of `dest_dir`.
func safeJoin(dest_dir string, name string) (string, error) {
  clean := fpmod.Clean(fpmod.FromSlash(name))
  if fpmod.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".." + string(fpmod.Separator)) {
    return "", fmt.Errorf("%w: '%s'", ErrUnsafePath, name)
  }
  return fpmod.Join(dest_dir, clean), nil
}

// Entries are never written through a symlink, an earlier entry may have pointed it anywhere.
// Symlinks themselves may point outside `dest_dir` (tablespaces do).
func checkNoSymlink(dest_dir string, target string) error {
  rel, err := fpmod.Rel(dest_dir, target)
  if err != nil { return err }
  current := dest_dir
  for _,part := range strings.Split(rel, string(fpmod.Separator)) {
    if part == "." { continue }
    current = fpmod.Join(current, part)
    info, err := os.Lstat(current)
    if errors.Is(err, fs.ErrNotExist) { return nil }
    if err != nil { return err }
    if info.Mode() & fs.ModeSymlink != 0 {
      return fmt.Errorf("%w: '%s' goes through symlink '%s'", ErrUnsafePath, target, current)
    }
  }
  return nil
}

// Extracts a (possibly compressed) tar archive into `dest_dir`, creating it if needed.
// Returns the number of regular files written.
func ExtractTar(archive_path string, dest_dir string) (int, error) {
  reader, err := OpenDecompressed(archive_path)
  if err != nil { return 0, err }
  defer reader.Close()
  if err := os.MkdirAll(dest_dir, 0700); err != nil { return 0, err }

  count := 0
  tar_reader := tar.NewReader(reader)
  for {
    hdr, err := tar_reader.Next()
    if err == io.EOF { break }
    if err != nil { return count, fmt.Errorf("tar '%s': %w", archive_path, err) }

    target, err := safeJoin(dest_dir, hdr.Name)
    if err != nil { return count, err }
    if err := checkNoSymlink(dest_dir, target); err != nil { return count, err }
    mode := fs.FileMode(hdr.Mode).Perm()

    switch hdr.Typeflag {
      case tar.TypeDir:
        if err := os.MkdirAll(target, mode | 0700); err != nil { return count, err }
      case tar.TypeReg:
        if err := writeFile(target, tar_reader, mode); err != nil { return count, err }
        count += 1
      case tar.TypeSymlink:
        if err := os.MkdirAll(fpmod.Dir(target), 0700); err != nil { return count, err }
        if err := os.Symlink(hdr.Linkname, target); err != nil { return count, err }
      default:
        util.Warnf("Skipping unsupported tar entry '%s' (type %c)", hdr.Name, hdr.Typeflag)
    }
  }
  util.Debugf("Extracted %d files from '%s' into '%s'", count, archive_path, dest_dir)
  return count, nil
}

// Sum of the regular file sizes recorded in the tar headers of the (possibly compressed) archive.
func ExtractedSize(archive_path string) (int64, error) {
  reader, err := OpenDecompressed(archive_path)
  if err != nil { return 0, err }
  defer reader.Close()
  var total int64
  tar_reader := tar.NewReader(reader)
  for {
    hdr, err := tar_reader.Next()
    if err == io.EOF { break }
    if err != nil { return total, fmt.Errorf("tar '%s': %w", archive_path, err) }
    if hdr.Typeflag == tar.TypeReg { total += hdr.Size }
  }
  return total, nil
}

func writeFile(target string, content io.Reader, mode fs.FileMode) error {
  if err := os.MkdirAll(fpmod.Dir(target), 0700); err != nil { return err }
  file, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
  if err != nil { return err }
  _, err = io.Copy(file, content)
  return util.Coalesce(err, file.Close())
}

// Writes every entry under `src_dir` into a gzipped tar at `archive_path`.
// Entry names are relative to `src_dir`.
func CreateTarGz(src_dir string, archive_path string) error {
  file, err := os.Create(archive_path)
  if err != nil { return err }
  gz_writer := gzip.NewWriter(file)
  tar_writer := tar.NewWriter(gz_writer)

  walk_f := func(path string, entry fs.DirEntry, err error) error {
    if err != nil { return err }
    if path == src_dir || path == archive_path { return nil }
    rel, err := fpmod.Rel(src_dir, path)
    if err != nil { return err }
    info, err := entry.Info()
    if err != nil { return err }

    var link string
    if info.Mode() & fs.ModeSymlink != 0 {
      if link, err = os.Readlink(path); err != nil { return err }
    }
    hdr, err := tar.FileInfoHeader(info, link)
    if err != nil { return err }
    hdr.Name = fpmod.ToSlash(rel)
    if info.IsDir() { hdr.Name += "/" }
    if err := tar_writer.WriteHeader(hdr); err != nil { return err }
    if !info.Mode().IsRegular() { return nil }

    src, err := os.Open(path)
    if err != nil { return err }
    defer src.Close()
    _, err = io.Copy(tar_writer, src)
    return err
  }
  walk_err := fpmod.WalkDir(src_dir, walk_f)
  return util.Coalesce(walk_err, tar_writer.Close(), gz_writer.Close(), file.Close())
}

// Copies `src` to `dst` decompressing it according to the extension of `src`.
func DecompressFile(src string, dst string) error {
  reader, err := OpenDecompressed(src)
  if err != nil { return err }
  defer reader.Close()
  return writeFile(dst, reader, 0600)
}

// Compresses `src` into `dst` with gzip.
func CompressFile(src string, dst string) error {
  in, err := os.Open(src)
  if err != nil { return err }
  defer in.Close()
  out, err := os.Create(dst)
  if err != nil { return err }
  gz_writer := gzip.NewWriter(out)
  _, err = io.Copy(gz_writer, in)
  return util.Coalesce(err, gz_writer.Close(), out.Close())
}

package preflight

import (
  "errors"
  "fmt"
  "io/fs"
  "os"
  "os/exec"
  fpmod "path/filepath"
  "sort"
  "strings"

  "pg_volume_backup/types"
  "pg_volume_backup/util"
)

const (
  GiB = int64(1) << 30
  FallbackMinimumGB = int64(10)
)

// `ceil(size_bytes / GiB) + margin_gb`.
// If the data set could not be measured `fallback_gb` is used instead of the size (not an error).
func RequiredGB(size_bytes int64, measure_err error, margin_gb int64, fallback_gb int64) int64 {
  if measure_err != nil || size_bytes < 0 {
    if fallback_gb <= 0 { fallback_gb = FallbackMinimumGB }
    util.Warnf("Could not measure data set size, assuming %d GiB: %v", fallback_gb, measure_err)
    return fallback_gb + margin_gb
  }
  size_gb := size_bytes / GiB
  if size_bytes % GiB != 0 { size_gb += 1 }
  return size_gb + margin_gb
}

// Fails with `ErrInsufficientDiskSpace` if the filesystem hosting `target_dir`
// has less than `required_gb` available. Equality passes.
func CheckDiskSpace(probe types.FilesystemProbe, target_dir string, required_gb int64) error {
  const op = "disk_space_preflight"
  available, err := probe.AvailableSpace(target_dir)
  if err != nil {
    return types.NewError(types.KindInsufficientResource, op,
                          fmt.Errorf("%w: cannot stat '%s': %v", types.ErrInsufficientDiskSpace, target_dir, err))
  }
  if available < required_gb * GiB {
    return types.NewError(types.KindInsufficientResource, op,
                          fmt.Errorf("%w: '%s' has %.2f GiB available, %d GiB required",
                                     types.ErrInsufficientDiskSpace, target_dir,
                                     float64(available) / float64(GiB), required_gb))
  }
  util.Infof("Disk space ok on '%s': %d GiB required", target_dir, required_gb)
  return nil
}

// Measures `data_dir` and checks `target_dir` can hold it plus the margin.
func CheckDiskSpaceFor(probe types.FilesystemProbe, data_dir string, target_dir string,
                       conf types.PreflightConfig) error {
  size, err := probe.SizeOf(data_dir)
  return CheckDiskSpace(probe, target_dir, RequiredGB(size, err, conf.MarginGB, conf.FallbackMinGB))
}

// Remote storage needs a bucket, a key pair and somewhere to send requests.
func CheckCredentials(conf *types.StorageConfig) error {
  const op = "credentials_preflight"
  if conf.Type != types.StorageS3 { return nil }
  var missing []string
  s3 := conf.S3
  if len(s3.Bucket) == 0 { missing = append(missing, "bucket") }
  if len(s3.AccessKeyId) == 0 { missing = append(missing, "access_key_id") }
  if len(s3.SecretAccessKey) == 0 { missing = append(missing, "secret_access_key") }
  if len(s3.Endpoint) == 0 && len(s3.Region) == 0 { missing = append(missing, "endpoint or region") }
  if len(missing) > 0 {
    return types.NewError(types.KindMissingCredential, op,
                          fmt.Errorf("%w: %s", types.ErrMissingCredential, strings.Join(missing, ", ")))
  }
  return nil
}

func FileExists(path string) bool {
  info, err := os.Stat(path)
  return err == nil && info.Mode().IsRegular()
}

// Returns the first of `names` present in `dir`, or "".
func FindFirst(dir string, names []string) string {
  for _,name := range names {
    if FileExists(fpmod.Join(dir, name)) { return name }
  }
  return ""
}

// A local backup needs its base and WAL archives, in any accepted compression.
func CheckLocalBackupFiles(dir string) error {
  const op = "local_files_preflight"
  info, err := os.Stat(dir)
  if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
    return types.NewError(types.KindNotFound, op,
                          fmt.Errorf("%w: '%s' is not a directory", types.ErrLocalFilesMissing, dir))
  }
  if err != nil { return types.NewError(types.KindNotFound, op, err) }

  var missing []string
  if len(FindFirst(dir, types.BaseArchiveNames)) == 0 {
    missing = append(missing, strings.Join(types.BaseArchiveNames, "|"))
  }
  if len(FindFirst(dir, types.WalArchiveNames)) == 0 {
    missing = append(missing, strings.Join(types.WalArchiveNames, "|"))
  }
  if len(missing) > 0 {
    return types.NewError(types.KindNotFound, op,
                          fmt.Errorf("%w: '%s' lacks %s", types.ErrLocalFilesMissing, dir, strings.Join(missing, " and ")))
  }
  return nil
}

type LookPathF = func(string) (string, error)

// Checks every program in `names` is on the PATH.
func CheckCommands(names ...string) error {
  return checkCommandsWith(exec.LookPath, names...)
}

func checkCommandsWith(look_path LookPathF, names ...string) error {
  const op = "commands_preflight"
  var missing []string
  for _,name := range names {
    if _, err := look_path(name); err != nil { missing = append(missing, name) }
  }
  if len(missing) > 0 {
    return types.NewError(types.KindMissingDependency, op,
                          fmt.Errorf("%w: %s", types.ErrMissingCommand, strings.Join(missing, ", ")))
  }
  return nil
}

// Fails with `ErrMissingArgument` naming every empty value in `fields`.
func CheckIdentifiers(fields map[string]string) error {
  var missing []string
  for name,val := range fields {
    if len(strings.TrimSpace(val)) == 0 { missing = append(missing, name) }
  }
  if len(missing) == 0 { return nil }
  sort.Strings(missing)
  return types.NewError(types.KindMissingArgument, "identifiers_preflight",
                        fmt.Errorf("%w: %s", types.ErrMissingArgument, strings.Join(missing, ", ")))
}

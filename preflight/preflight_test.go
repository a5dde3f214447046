package preflight

import (
  "errors"
  "fmt"
  "testing"

  "pg_volume_backup/types"
  "pg_volume_backup/types/mocks"
  "pg_volume_backup/util"
)

func TestRequiredGB(t *testing.T) {
  util.EqualsOrFailTest(t, "Exact GiB", RequiredGB(9 * GiB, nil, 2, 10), int64(11))
  util.EqualsOrFailTest(t, "Rounds up", RequiredGB(9 * GiB + 1, nil, 2, 10), int64(12))
  util.EqualsOrFailTest(t, "Empty", RequiredGB(0, nil, 2, 10), int64(2))
}

func TestRequiredGB_MeasureFailure(t *testing.T) {
  util.SilenceLogs(t)
  err := fmt.Errorf("du failed")
  util.EqualsOrFailTest(t, "Fallback", RequiredGB(0, err, 2, 10), int64(12))
  util.EqualsOrFailTest(t, "Default fallback", RequiredGB(0, err, 0, 0), FallbackMinimumGB)
}

func TestCheckDiskSpace_Boundary(t *testing.T) {
  util.SilenceLogs(t)
  required := RequiredGB(9 * GiB, nil, 2, 10)

  probe := mocks.NewFsProbe(10 * GiB)
  err := CheckDiskSpace(probe, "/staging", required)
  if !errors.Is(err, types.ErrInsufficientDiskSpace) { t.Errorf("10 GiB should fail, got: %v", err) }
  util.EqualsOrFailTest(t, "Bad kind", types.KindOf(err), types.KindInsufficientResource)
  util.EqualsOrFailTest(t, "Bad exit code", types.ExitCodeFor(err, true), types.ExitInsufficientDisk)

  probe.Available = 11 * GiB
  if err := CheckDiskSpace(probe, "/staging", required); err != nil { t.Errorf("11 GiB should pass: %v", err) }
  util.EqualsOrFailTest(t, "Bad probed paths", probe.AvailableCalls, []string{ "/staging", "/staging", })
}

func TestCheckDiskSpaceFor_UsesMeasuredSize(t *testing.T) {
  util.SilenceLogs(t)
  probe := mocks.NewFsProbe(5 * GiB)
  probe.Sizes["/data"] = 3 * GiB
  conf := types.PreflightConfig{ MarginGB:2, FallbackMinGB:10, }
  if err := CheckDiskSpaceFor(probe, "/data", "/staging", conf); err != nil { t.Errorf("should fit: %v", err) }

  probe.SizeErr = fmt.Errorf("permission denied")
  err := CheckDiskSpaceFor(probe, "/data", "/staging", conf)
  if !errors.Is(err, types.ErrInsufficientDiskSpace) { t.Errorf("fallback should not fit: %v", err) }
}

func TestCheckCredentials(t *testing.T) {
  conf := util.DummyConfig().Storage
  if err := CheckCredentials(&conf); err != nil { t.Errorf("complete credentials: %v", err) }

  conf.S3.SecretAccessKey = ""
  conf.S3.Region = ""
  err := CheckCredentials(&conf)
  if !errors.Is(err, types.ErrMissingCredential) { t.Errorf("expected ErrMissingCredential, got: %v", err) }
  util.EqualsOrFailTest(t, "Bad exit code", types.ExitCodeFor(err, true), types.ExitMissingEnv)

  conf.Type = types.StorageLocal
  if err := CheckCredentials(&conf); err != nil { t.Errorf("local storage needs no credentials: %v", err) }
}

func TestCheckLocalBackupFiles(t *testing.T) {
  dir := t.TempDir()
  util.WriteFilesOrDie(t, dir, map[string]string{ "data.tar.bz2": "legacy base", })
  err := CheckLocalBackupFiles(dir)
  if !errors.Is(err, types.ErrLocalFilesMissing) { t.Errorf("wal archive missing, got: %v", err) }

  util.WriteFilesOrDie(t, dir, map[string]string{ "pg_wal.tar.gz": "wal", })
  if err := CheckLocalBackupFiles(dir); err != nil { t.Errorf("both archives present: %v", err) }

  err = CheckLocalBackupFiles(dir + "/nope")
  util.EqualsOrFailTest(t, "Bad kind", types.KindOf(err), types.KindNotFound)
}

func TestCheckCommands(t *testing.T) {
  look_path := func(name string) (string, error) {
    if name == "docker" { return "/usr/bin/docker", nil }
    return "", fmt.Errorf("not found")
  }
  if err := checkCommandsWith(look_path, "docker"); err != nil { t.Errorf("docker is there: %v", err) }
  err := checkCommandsWith(look_path, "docker", "psql", "pg_basebackup")
  if !errors.Is(err, types.ErrMissingCommand) { t.Errorf("expected ErrMissingCommand, got: %v", err) }
  util.EqualsOrFailTest(t, "Bad exit code", types.ExitCodeFor(err, false), types.ExitMissingCommand)
}

func TestCheckIdentifiers(t *testing.T) {
  err := CheckIdentifiers(map[string]string{ "service":"postgres", "volume":" ", "compose_file":"", })
  if !errors.Is(err, types.ErrMissingArgument) { t.Fatalf("expected ErrMissingArgument, got: %v", err) }
  util.EqualsOrFailTest(t, "Bad message",
                        err.Error(), "identifiers_preflight (missing_argument): missing_required_argument: compose_file, volume")
  if err := CheckIdentifiers(map[string]string{ "service":"postgres", }); err != nil { t.Errorf("all set: %v", err) }
}

package restore_manager

import (
  "fmt"
  "strings"

  "pg_volume_backup/preflight"
  "pg_volume_backup/types"
)

// Exactly one directive must be active.
func SelectMode(directives types.RestoreDirectives) (types.RestoreMode, error) {
  var active []types.RestoreMode
  if directives.Standby { active = append(active, types.ModeStandby) }
  if directives.OverrideVolume { active = append(active, types.ModeOverrideVolume) }
  if len(directives.NewVolume) > 0 { active = append(active, types.ModeNewVolume) }

  switch len(active) {
    case 0:
      return types.ModeUnselected, types.NewError(types.KindMissingArgument, "select_mode",
        fmt.Errorf("%w: one of standby, override-volume or new-volume is required", types.ErrNoModeSelected))
    case 1:
      return active[0], nil
  }
  names := make([]string, 0, len(active))
  for _,m := range active { names = append(names, m.String()) }
  return types.ModeUnselected, types.NewError(types.KindUsageConflict, "select_mode",
    fmt.Errorf("%w: %s", types.ErrModeConflict, strings.Join(names, " and ")))
}

// Builds the immutable request for one restore run.
// Fails before anything is touched if the directives or the source are inconsistent.
func NewRequest(conf *types.Config, directives types.RestoreDirectives) (types.RestoreRequest, error) {
  mode, err := SelectMode(directives)
  if err != nil { return types.RestoreRequest{}, err }
  req := types.RestoreRequest{
    Mode: mode,
    Source: types.BackupSource{
      LocalPath: conf.Restore.LocalPath,
      BackupPath: conf.Restore.BackupPath,
      SearchPrefix: conf.Restore.SearchPrefix,
    },
    Service: conf.Service.Name,
    TargetVolume: conf.Service.Volume,
    NewVolumeName: directives.NewVolume,
    StandbyDataDir: conf.Restore.StandbyDataDir,
    WalPrefix: conf.Restore.WalPrefix,
    VerifyChecksums: conf.Restore.VerifyChecksums,
    FirstBootConf: conf.Restore.FirstBootConf,
    HbaConf: conf.Restore.HbaConf,
    PostgresConf: conf.Restore.PostgresConf,
    PostInitDir: conf.Restore.PostInitDir,
    ReadinessWait: conf.Restore.ReadinessWait(),
  }
  return req, ValidateRequest(req)
}

// Checks that only depend on the request itself, no system access.
func ValidateRequest(req types.RestoreRequest) error {
  if req.Mode == types.ModeUnselected {
    return types.NewError(types.KindMissingArgument, "restore_request",
                          fmt.Errorf("%w: no restore mode", types.ErrNoModeSelected))
  }
  if req.Source.IsLocal() && len(req.Source.BackupPath) > 0 {
    return types.Errorf(types.KindUsageConflict, "restore_request",
                        "local path '%s' and backup path '%s' are mutually exclusive",
                        req.Source.LocalPath, req.Source.BackupPath)
  }

  ids := map[string]string{ "service": req.Service, }
  switch req.Mode {
    case types.ModeStandby:
      ids["standby_data_dir"] = req.StandbyDataDir
    case types.ModeOverrideVolume:
      ids["volume"] = req.TargetVolume
    case types.ModeNewVolume:
      ids["volume"] = req.TargetVolume
      ids["new_volume"] = req.NewVolumeName
  }
  if err := preflight.CheckIdentifiers(ids); err != nil { return err }

  if req.Mode == types.ModeNewVolume && req.NewVolumeName == req.TargetVolume {
    return types.NewError(types.KindUsageConflict, "restore_request",
                          fmt.Errorf("%w: '%s'", types.ErrSameVolumeName, req.NewVolumeName))
  }
  return nil
}

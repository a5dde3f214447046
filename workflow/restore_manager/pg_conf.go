package restore_manager

import (
  "errors"
  "fmt"
  "io/fs"
  "os"
  fpmod "path/filepath"
  "regexp"
  "strings"

  "pg_volume_backup/types"
  "pg_volume_backup/util"
)

const (
  PostgresConfName = "postgresql.conf"
  AutoConfName     = "postgresql.auto.conf"
  HbaConfName      = "pg_hba.conf"
  StandbySignal    = "standby.signal"
  RecoverySignal   = "recovery.signal"
  BackupLabelName  = "backup_label"
)

var active_restore_rx = regexp.MustCompile(`^\s*restore_command\s*=`)
var commented_restore_rx = regexp.MustCompile(`^\s*#\s*restore_command\s*=`)

func RecoveryMarker(mode types.RestoreMode) string {
  if mode == types.ModeStandby { return StandbySignal }
  return RecoverySignal
}

// Creates the empty signal file telling the server to start in recovery.
func WriteRecoveryMarker(data_dir string, mode types.RestoreMode) (string, error) {
  path := fpmod.Join(data_dir, RecoveryMarker(mode))
  if err := os.WriteFile(path, nil, 0600); err != nil { return "", err }
  return path, nil
}

func RestoreCommandLine(command string) string {
  return fmt.Sprintf("restore_command = '%s'", strings.ReplaceAll(command, "'", "''"))
}

// Returns the new content and whether it differs from `content`.
// An active `restore_command` is left alone, otherwise the first commented one
// is replaced, otherwise the directive is appended.
func SetRestoreCommandIn(content string, command string) (string, bool) {
  lines := strings.Split(content, "\n")
  for _,line := range lines {
    if active_restore_rx.MatchString(line) { return content, false }
  }
  directive := RestoreCommandLine(command)
  for idx,line := range lines {
    if !commented_restore_rx.MatchString(line) { continue }
    lines[idx] = directive
    return strings.Join(lines, "\n"), true
  }
  if len(content) > 0 && !strings.HasSuffix(content, "\n") { content += "\n" }
  return content + directive + "\n", true
}

// Running it again on the same file is a noop.
func SetRestoreCommand(conf_path string, command string) error {
  data, err := os.ReadFile(conf_path)
  if err != nil && !errors.Is(err, fs.ErrNotExist) { return err }
  content, changed := SetRestoreCommandIn(string(data), command)
  if !changed {
    util.Infof("'%s' already has a restore_command", conf_path)
    return nil
  }
  return os.WriteFile(conf_path, []byte(content), 0600)
}

// Removes everything inside `dir` but keeps `dir`, it may be a mountpoint.
func WipeDir(dir string) error {
  entries, err := os.ReadDir(dir)
  if err != nil { return err }
  for _,entry := range entries {
    if err := os.RemoveAll(fpmod.Join(dir, entry.Name())); err != nil { return err }
  }
  util.Infof("Wiped %d entries from '%s'", len(entries), dir)
  return nil
}

// Symlinks themselves are changed, not their target.
func ChownTree(root string, uid int, gid int) error {
  return fpmod.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
    if err != nil { return err }
    return os.Lchown(path, uid, gid)
  })
}

package types

import "time"

type RestoreMode int
const (
  ModeUnselected     RestoreMode = iota
  ModeStandby        RestoreMode = iota
  ModeOverrideVolume RestoreMode = iota
  ModeNewVolume      RestoreMode = iota
)

func (self RestoreMode) String() string {
  switch self {
    case ModeStandby:        return "standby"
    case ModeOverrideVolume: return "override_volume"
    case ModeNewVolume:      return "new_volume"
  }
  return "unselected"
}

// Modes replacing the primary's data (as opposed to creating a replica).
func (self RestoreMode) IsVolumeRestore() bool {
  return self == ModeOverrideVolume || self == ModeNewVolume
}

type RestoreState int
const (
  StateUnselected     RestoreState = iota
  StateStandby        RestoreState = iota
  StateOverrideVolume RestoreState = iota
  StateNewVolume      RestoreState = iota
  StateCompleted      RestoreState = iota
  StateFailed         RestoreState = iota
)

func (self RestoreState) String() string {
  switch self {
    case StateStandby:        return "standby"
    case StateOverrideVolume: return "override_volume"
    case StateNewVolume:      return "new_volume"
    case StateCompleted:      return "completed"
    case StateFailed:         return "failed"
  }
  return "unselected"
}

func StateForMode(mode RestoreMode) RestoreState {
  switch mode {
    case ModeStandby:        return StateStandby
    case ModeOverrideVolume: return StateOverrideVolume
    case ModeNewVolume:      return StateNewVolume
  }
  return StateUnselected
}

// Raw mode directives as given by the operator.
// At most one may be active, see `restore_manager.SelectMode`.
type RestoreDirectives struct {
  Standby        bool
  OverrideVolume bool
  NewVolume      string
}

// Where the backup comes from.
// `LocalPath` and the remote fields are mutually exclusive.
type BackupSource struct {
  LocalPath    string
  // Explicit remote folder, used verbatim (no listing).
  BackupPath   string
  // Prefix searched for the most recent backup when `BackupPath` is empty.
  SearchPrefix string
}

func (self BackupSource) IsLocal() bool { return len(self.LocalPath) > 0 }

type RestoreRequest struct {
  Mode          RestoreMode
  Source        BackupSource
  Service       string
  TargetVolume  string
  NewVolumeName string
  // Host directory the data directory is restored into for Standby restores.
  // Volume restores resolve it from the docker volume mountpoint.
  StandbyDataDir string
  // Prefix holding archived WAL segments, empty to skip WAL retrieval.
  WalPrefix       string
  VerifyChecksums bool

  FirstBootConf  string
  HbaConf        string
  PostgresConf   string
  PostInitDir    string
  ReadinessWait  time.Duration
}

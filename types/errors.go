package types

import (
  "errors"
  "fmt"
)

// Classifies every failure the tool can report.
// Each kind maps to a stable process exit code, see `ExitCodeFor`.
type ErrorKind int
const (
  KindUnknown              ErrorKind = iota
  KindMissingDependency    ErrorKind = iota
  KindMissingCredential    ErrorKind = iota
  KindMissingArgument      ErrorKind = iota
  KindUsageConflict        ErrorKind = iota
  KindNotFound             ErrorKind = iota
  KindInsufficientResource ErrorKind = iota
  KindOperationFailed      ErrorKind = iota
  KindUnsafeState          ErrorKind = iota
)

func (self ErrorKind) String() string {
  switch self {
    case KindMissingDependency:    return "missing_dependency"
    case KindMissingCredential:    return "missing_credential"
    case KindMissingArgument:      return "missing_argument"
    case KindUsageConflict:        return "usage_conflict"
    case KindNotFound:             return "not_found"
    case KindInsufficientResource: return "insufficient_resource"
    case KindOperationFailed:      return "operation_failed"
    case KindUnsafeState:          return "unsafe_state"
  }
  return "unknown"
}

// Exit codes are a stable contract for automation, do not renumber.
type ExitCode int
const (
  ExitOk                ExitCode = 0
  ExitMissingCommand    ExitCode = 10
  ExitMissingEnv        ExitCode = 11
  ExitMissingArgument   ExitCode = 12
  ExitUsageConflict     ExitCode = 13
  ExitBackupFailed      ExitCode = 20
  ExitInsufficientDisk  ExitCode = 21
  ExitRestoreFailed     ExitCode = 22
  ExitUnsafeVolumeOp    ExitCode = 23
  ExitUnknown           ExitCode = 99
)

var ErrInvalidRange = errors.New("invalid_wal_segment_range")
var ErrNoBackupFound = errors.New("no_backup_found")
var ErrModeConflict = errors.New("restore_mode_conflict")
var ErrPrefixOverlap = errors.New("wal_prefix_overlaps_backups")
var ErrNoModeSelected = errors.New("restore_mode_not_selected")
var ErrInsufficientDiskSpace = errors.New("insufficient_disk_space")
var ErrMissingCredential = errors.New("missing_storage_credential")
var ErrMissingArgument = errors.New("missing_required_argument")
var ErrMissingCommand = errors.New("missing_required_command")
var ErrLocalFilesMissing = errors.New("local_backup_files_missing")
var ErrVolumeNotFound = errors.New("volume_not_found")
var ErrSameVolumeName = errors.New("new_volume_same_as_existing")
var ErrNotFound = errors.New("key_not_found_in_store")
var ErrBackupFailed = errors.New("backup_operation_failed")
var ErrRestoreFailed = errors.New("restore_operation_failed")

// Error carries the kind of failure together with the operation that failed.
// Use `errors.Is` on the wrapped sentinel for finer matching.
type Error struct {
  Kind ErrorKind
  Op   string
  Err  error
}

func (self *Error) Error() string {
  if len(self.Op) == 0 { return fmt.Sprintf("%s: %v", self.Kind, self.Err) }
  return fmt.Sprintf("%s (%s): %v", self.Op, self.Kind, self.Err)
}

func (self *Error) Unwrap() error { return self.Err }

func NewError(kind ErrorKind, op string, err error) error {
  if err == nil { return nil }
  return &Error{ Kind:kind, Op:op, Err:err, }
}

func Errorf(kind ErrorKind, op string, format string, args ...interface{}) error {
  return &Error{ Kind:kind, Op:op, Err:fmt.Errorf(format, args...), }
}

// Returns the kind of the outermost `*Error` in the chain.
// Sentinels not wrapped in an `*Error` are classified by themselves.
func KindOf(err error) ErrorKind {
  if err == nil { return KindUnknown }
  var typed *Error
  if errors.As(err, &typed) { return typed.Kind }

  switch {
    case errors.Is(err, ErrMissingCommand):        return KindMissingDependency
    case errors.Is(err, ErrMissingCredential):     return KindMissingCredential
    case errors.Is(err, ErrMissingArgument),
         errors.Is(err, ErrNoModeSelected):        return KindMissingArgument
    case errors.Is(err, ErrModeConflict),
         errors.Is(err, ErrPrefixOverlap),
         errors.Is(err, ErrSameVolumeName):        return KindUsageConflict
    case errors.Is(err, ErrNoBackupFound),
         errors.Is(err, ErrLocalFilesMissing),
         errors.Is(err, ErrNotFound):              return KindNotFound
    case errors.Is(err, ErrInsufficientDiskSpace): return KindInsufficientResource
    case errors.Is(err, ErrVolumeNotFound):        return KindUnsafeState
    case errors.Is(err, ErrBackupFailed),
         errors.Is(err, ErrRestoreFailed):         return KindOperationFailed
  }
  return KindUnknown
}

// `restore` selects between the backup and restore codes for operation failures.
func ExitCodeFor(err error, restore bool) ExitCode {
  if err == nil { return ExitOk }
  switch KindOf(err) {
    case KindMissingDependency:    return ExitMissingCommand
    case KindMissingCredential:    return ExitMissingEnv
    case KindMissingArgument:      return ExitMissingArgument
    case KindUsageConflict:        return ExitUsageConflict
    case KindInsufficientResource: return ExitInsufficientDisk
    case KindUnsafeState:          return ExitUnsafeVolumeOp
    case KindNotFound, KindOperationFailed:
      if restore { return ExitRestoreFailed }
      return ExitBackupFailed
  }
  return ExitUnknown
}

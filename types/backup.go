package types

import (
  "fmt"
  "time"
)

const (
  ManifestName     = "backup.sha256"
  ManifestInfoName = "backup.sha256.info"
  LabelTimeLayout  = "20060102T150405"
)

// Accepted base archive names, in order of preference.
// `data.tar.bz2` is the legacy name produced by older versions of the tool.
var BaseArchiveNames = []string{ "base.tar.gz", "base.tar.bz2", "data.tar.bz2", }
var WalArchiveNames = []string{ "pg_wal.tar.gz", "pg_wal.tar.bz2", }

// One backup generation in the store.
// Created at backup time and read-only afterwards, only retention deletes it.
type BackupDescriptor struct {
  Label        string
  // Storage folder (key prefix) holding all files of this generation, no trailing slash.
  Location     string
  LastModified time.Time
  // Basenames of the objects found under `Location`.
  Files        []string
}

func (self *BackupDescriptor) HasFile(name string) bool {
  for _,f := range self.Files {
    if f == name { return true }
  }
  return false
}

// Returns the first file in `candidates` present in the generation, or "".
func (self *BackupDescriptor) FirstFileOf(candidates []string) string {
  for _,c := range candidates {
    if self.HasFile(c) { return c }
  }
  return ""
}

// Inclusive range of WAL segments sharing a timeline+log prefix.
type WalSegmentRange struct {
  // 16 hex characters: 8 for the timeline and 8 for the high-order log id.
  Prefix       string
  StartOrdinal uint32
  EndOrdinal   uint32
}

func (self WalSegmentRange) Len() int {
  if self.EndOrdinal < self.StartOrdinal { return 0 }
  return int(self.EndOrdinal - self.StartOrdinal) + 1
}

func (self WalSegmentRange) SegmentName(ordinal uint32) string {
  return fmt.Sprintf("%s%08X", self.Prefix, ordinal)
}

// Both counts are optional (zero means unset).
// If both are set `KeepCount` wins and `KeepDays` is ignored.
type RetentionPolicy struct {
  KeepCount int `koanf:"keep_count" validate:"gte=0"`
  KeepDays  int `koanf:"keep_days" validate:"gte=0"`
}

func (self RetentionPolicy) IsNoop() bool {
  return self.KeepCount <= 0 && self.KeepDays <= 0
}

func (self RetentionPolicy) String() string {
  if self.KeepCount > 0 { return fmt.Sprintf("keep_last=%d", self.KeepCount) }
  if self.KeepDays > 0 { return fmt.Sprintf("keep_days=%d", self.KeepDays) }
  return "keep_all"
}

type ManifestEntry struct {
  // Slash separated path relative to the backup root.
  Path   string
  Digest string
}

type ChecksumManifest struct {
  Algorithm   string
  Label       string
  GeneratedAt time.Time
  // Sorted by `Path`.
  Entries     []ManifestEntry
}

type Mismatch struct {
  Path     string
  Expected string
  // Empty if the file is missing.
  Got      string
}

type VerifyResult struct {
  Ok         bool
  Mismatches []Mismatch
}

// Object metadata as returned by a store listing.
type ObjectInfo struct {
  Key          string
  LastModified time.Time
  Size         int64
}

type BackupRequest struct {
  Service string
  Volume  string
  Prefix  string
  Label   string
  Policy  RetentionPolicy
}

type BackupResult struct {
  Backup   *BackupDescriptor
  Manifest *ChecksumManifest
  Pruned   *DeletedItems
}

type DeletedItems struct {
  Deleted []*BackupDescriptor
  // Generations selected for deletion whose delete call failed.
  Failed  map[string]error
}

func NewLabel(now time.Time) string {
  return now.UTC().Format(LabelTimeLayout)
}

package wal_range
// WAL segment file names are 24 hex characters:
// * 8 for the timeline
// * 8 for the high-order "log" id
// * 8 for the segment ordinal inside that log
// The first 16 form the prefix, a range never crosses prefixes.

import (
  "bufio"
  "fmt"
  "io"
  "path"
  "regexp"
  "strconv"
  "strings"

  "pg_volume_backup/types"
  "pg_volume_backup/util"
)

const (
  SegmentNameLen = 24
  PrefixLen = 16
)

// Suffixes tried when looking for an archived segment, compressed first.
var SegmentSuffixes = []string{ ".gz", ".bz2", "", }

var history_rx *regexp.Regexp
func init() {
  // START WAL LOCATION: 0/2000028 (file 000000010000000000000002)
  history_rx = regexp.MustCompile(`^(START|STOP) WAL LOCATION: [0-9A-Fa-f]+/[0-9A-Fa-f]+ \(file ([0-9A-Fa-f]{24})\)`)
}

func parseSegment(name string) (string, uint32, error) {
  if len(name) != SegmentNameLen {
    return "", 0, fmt.Errorf("%w: '%s' is not %d characters long", types.ErrInvalidRange, name, SegmentNameLen)
  }
  prefix := strings.ToUpper(name[:PrefixLen])
  if _, err := strconv.ParseUint(prefix, 16, 64); err != nil {
    return "", 0, fmt.Errorf("%w: bad prefix in '%s': %v", types.ErrInvalidRange, name, err)
  }
  ordinal, err := strconv.ParseUint(name[PrefixLen:], 16, 32)
  if err != nil {
    return "", 0, fmt.Errorf("%w: bad ordinal in '%s': %v", types.ErrInvalidRange, name, err)
  }
  return prefix, uint32(ordinal), nil
}

func NewRange(begin string, end string) (types.WalSegmentRange, error) {
  var result types.WalSegmentRange
  begin_prefix, start, err := parseSegment(begin)
  if err != nil { return result, err }
  end_prefix, stop, err := parseSegment(end)
  if err != nil { return result, err }

  if begin_prefix != end_prefix {
    return result, fmt.Errorf("%w: prefixes differ %s != %s", types.ErrInvalidRange, begin_prefix, end_prefix)
  }
  if stop < start {
    return result, fmt.Errorf("%w: end %s before start %s", types.ErrInvalidRange, end, begin)
  }
  result.Prefix = begin_prefix
  result.StartOrdinal = start
  result.EndOrdinal = stop
  return result, nil
}

// Inclusive, ascending.
func Names(wal_range types.WalSegmentRange) []string {
  names := make([]string, 0, wal_range.Len())
  if wal_range.Len() == 0 { return names }
  // Loop on uint64 so an end ordinal of 0xFFFFFFFF does not wrap around.
  for ord := uint64(wal_range.StartOrdinal); ord <= uint64(wal_range.EndOrdinal); ord += 1 {
    names = append(names, wal_range.SegmentName(uint32(ord)))
  }
  return names
}

// Every segment name between `begin` and `end`, both included.
func Segments(begin string, end string) ([]string, error) {
  wal_range, err := NewRange(begin, end)
  if err != nil { return nil, err }
  return Names(wal_range), nil
}

// Reads a backup history file (or a backup_label) and returns the WAL range it covers.
// A label without STOP line covers only its starting segment.
func ParseBackupHistory(reader io.Reader) (types.WalSegmentRange, error) {
  var start, stop string
  scanner := bufio.NewScanner(reader)
  for scanner.Scan() {
    match := history_rx.FindStringSubmatch(strings.TrimSpace(scanner.Text()))
    if match == nil { continue }
    if match[1] == "START" { start = match[2] }
    if match[1] == "STOP" { stop = match[2] }
  }
  if err := scanner.Err(); err != nil { return types.WalSegmentRange{}, err }
  if len(start) == 0 {
    return types.WalSegmentRange{}, fmt.Errorf("%w: no START WAL LOCATION found", types.ErrInvalidRange)
  }
  if len(stop) == 0 { stop = start }
  return NewRange(start, stop)
}

// Archived WAL objects may live under extra prefixes (host name, timeline dirs...),
// so matching is done on the key basename.
func FindSegmentKey(objects []types.ObjectInfo, name string) (string, bool) {
  by_base := make(map[string]string, len(objects))
  for _,obj := range objects { by_base[path.Base(obj.Key)] = obj.Key }
  return findSegmentKey(by_base, name)
}

func findSegmentKey(by_base map[string]string, name string) (string, bool) {
  for _,suffix := range SegmentSuffixes {
    if key, found := by_base[name + suffix]; found { return key, true }
  }
  return "", false
}

type SegmentKey struct {
  Name string
  Key  string
}

// Maps each segment in `wal_range` to an archived object.
// Segments without object are returned in `missing` and logged, this is not an error:
// the database itself validates WAL continuity when it replays.
func ResolveKeys(objects []types.ObjectInfo, wal_range types.WalSegmentRange) ([]SegmentKey, []string) {
  by_base := make(map[string]string, len(objects))
  for _,obj := range objects { by_base[path.Base(obj.Key)] = obj.Key }

  var found []SegmentKey
  var missing []string
  for _,name := range Names(wal_range) {
    key, ok := findSegmentKey(by_base, name)
    if !ok {
      missing = append(missing, name)
      continue
    }
    found = append(found, SegmentKey{ Name:name, Key:key, })
  }
  if len(missing) > 0 {
    util.Warnf("%d/%d WAL segments not found in the archive: %v", len(missing), wal_range.Len(), missing)
  }
  return found, missing
}

// Returns the key of the backup history file for the backup starting at `start_segment`.
// History files are named `<segment>.<offset>.backup`, possibly compressed.
func FindHistoryKey(objects []types.ObjectInfo, start_segment string) (string, bool) {
  var best string
  for _,obj := range objects {
    base := path.Base(obj.Key)
    if !strings.HasPrefix(strings.ToUpper(base), strings.ToUpper(start_segment) + ".") { continue }
    if !strings.Contains(base, ".backup") { continue }
    if len(best) == 0 || obj.Key > best { best = obj.Key }
  }
  return best, len(best) > 0
}

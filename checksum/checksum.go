package checksum

import (
  "bufio"
  "crypto/sha256"
  "encoding/hex"
  "errors"
  "fmt"
  "hash"
  "io"
  "io/fs"
  "os"
  fpmod "path/filepath"
  "sort"
  "strconv"
  "strings"
  "time"

  "pg_volume_backup/types"
  "pg_volume_backup/util"

  "golang.org/x/crypto/blake2b"
)

var ErrUnknownAlgorithm = errors.New("unknown_checksum_algorithm")
var ErrBadManifest = errors.New("malformed_checksum_manifest")

const (
  infoAlgorithm = "algorithm"
  infoFiles = "files"
  infoLabel = "label"
  infoGeneratedAt = "generated_at"
)

func NewHash(algorithm string) (hash.Hash, error) {
  switch algorithm {
    case types.AlgoSha256: return sha256.New(), nil
    case types.AlgoBlake2b: return blake2b.New256(nil)
  }
  return nil, fmt.Errorf("%w: '%s'", ErrUnknownAlgorithm, algorithm)
}

type Manager struct {
  Algorithm string
  Now       func() time.Time
}

func NewManager(algorithm string) (*Manager, error) {
  if len(algorithm) == 0 { algorithm = types.AlgoSha256 }
  if _, err := NewHash(algorithm); err != nil { return nil, err }
  manager := &Manager{
    Algorithm: algorithm,
    Now: func() time.Time { return time.Now().UTC() },
  }
  return manager, nil
}

func isManifestFile(rel string) bool {
  return rel == types.ManifestName || rel == types.ManifestInfoName
}

func digestFile(algorithm string, path string) (string, error) {
  hasher, err := NewHash(algorithm)
  if err != nil { return "", err }
  file, err := os.Open(path)
  if err != nil { return "", err }
  defer file.Close()
  if _, err := io.Copy(hasher, file); err != nil { return "", err }
  return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Hashes every regular file under `root` except the manifest files themselves.
func (self *Manager) Generate(root string, label string) (*types.ChecksumManifest, error) {
  manifest := &types.ChecksumManifest{
    Algorithm: self.Algorithm,
    Label: label,
    GeneratedAt: self.Now(),
  }
  walk_f := func(path string, entry fs.DirEntry, err error) error {
    if err != nil { return err }
    if !entry.Type().IsRegular() { return nil }
    rel, err := fpmod.Rel(root, path)
    if err != nil { return err }
    rel = fpmod.ToSlash(rel)
    if isManifestFile(rel) { return nil }
    digest, err := digestFile(self.Algorithm, path)
    if err != nil { return err }
    manifest.Entries = append(manifest.Entries, types.ManifestEntry{ Path:rel, Digest:digest, })
    return nil
  }
  if err := fpmod.WalkDir(root, walk_f); err != nil {
    return nil, fmt.Errorf("checksum generate '%s': %w", root, err)
  }
  sort.Slice(manifest.Entries, func(i, j int) bool {
    return manifest.Entries[i].Path < manifest.Entries[j].Path
  })
  util.Debugf("Generated %s manifest for %d files under '%s'", self.Algorithm, len(manifest.Entries), root)
  return manifest, nil
}

// Human readable summary stored next to the manifest.
func Describe(manifest *types.ChecksumManifest) string {
  var sb strings.Builder
  fmt.Fprintf(&sb, "%s: %s\n", infoAlgorithm, manifest.Algorithm)
  fmt.Fprintf(&sb, "%s: %d\n", infoFiles, len(manifest.Entries))
  fmt.Fprintf(&sb, "%s: %s\n", infoLabel, manifest.Label)
  fmt.Fprintf(&sb, "%s: %s\n", infoGeneratedAt, manifest.GeneratedAt.UTC().Format(time.RFC3339))
  return sb.String()
}

// Writes the manifest in `sha256sum` compatible format plus the info file.
func WriteManifest(root string, manifest *types.ChecksumManifest) error {
  var sb strings.Builder
  for _,entry := range manifest.Entries {
    fmt.Fprintf(&sb, "%s  %s\n", entry.Digest, entry.Path)
  }
  if err := os.WriteFile(fpmod.Join(root, types.ManifestName), []byte(sb.String()), 0644); err != nil {
    return err
  }
  return os.WriteFile(fpmod.Join(root, types.ManifestInfoName), []byte(Describe(manifest)), 0644)
}

// Reads `root`/backup.sha256 and the info file if present.
// Without info file the algorithm defaults to sha256.
func ReadManifest(root string) (*types.ChecksumManifest, error) {
  manifest := &types.ChecksumManifest{ Algorithm:types.AlgoSha256, }
  if err := readInfo(fpmod.Join(root, types.ManifestInfoName), manifest); err != nil {
    return nil, err
  }

  file, err := os.Open(fpmod.Join(root, types.ManifestName))
  if err != nil { return nil, err }
  defer file.Close()

  scanner := bufio.NewScanner(file)
  for line_no := 1; scanner.Scan(); line_no += 1 {
    line := strings.TrimRight(scanner.Text(), "\r")
    if len(strings.TrimSpace(line)) == 0 { continue }
    digest, path, found := strings.Cut(line, " ")
    // `sha256sum` marks binary mode with '*' and text mode with ' '.
    if !found || len(path) < 2 || (path[0] != ' ' && path[0] != '*') {
      return nil, fmt.Errorf("%w: line %d: '%s'", ErrBadManifest, line_no, line)
    }
    if _, err := hex.DecodeString(digest); err != nil {
      return nil, fmt.Errorf("%w: line %d: bad digest: %v", ErrBadManifest, line_no, err)
    }
    manifest.Entries = append(manifest.Entries, types.ManifestEntry{ Path:path[1:], Digest:strings.ToLower(digest), })
  }
  if err := scanner.Err(); err != nil { return nil, err }
  return manifest, nil
}

func readInfo(path string, manifest *types.ChecksumManifest) error {
  data, err := os.ReadFile(path)
  if errors.Is(err, fs.ErrNotExist) { return nil }
  if err != nil { return err }
  for _,line := range strings.Split(string(data), "\n") {
    key, val, found := strings.Cut(line, ":")
    if !found { continue }
    val = strings.TrimSpace(val)
    switch strings.TrimSpace(key) {
      case infoAlgorithm: manifest.Algorithm = val
      case infoLabel: manifest.Label = val
      case infoGeneratedAt:
        ts, err := time.Parse(time.RFC3339, val)
        if err != nil { return fmt.Errorf("%w: %s: %v", ErrBadManifest, infoGeneratedAt, err) }
        manifest.GeneratedAt = ts
      case infoFiles:
        if _, err := strconv.Atoi(val); err != nil {
          return fmt.Errorf("%w: %s: %v", ErrBadManifest, infoFiles, err)
        }
    }
  }
  return nil
}

// Re-hashes every file listed in `manifest`, files not in the manifest are ignored.
// Never modifies anything under `root`.
func Verify(root string, manifest *types.ChecksumManifest) (*types.VerifyResult, error) {
  if _, err := NewHash(manifest.Algorithm); err != nil { return nil, err }
  result := &types.VerifyResult{ Ok:true, }
  for _,entry := range manifest.Entries {
    path := fpmod.Join(root, fpmod.FromSlash(entry.Path))
    got, err := digestFile(manifest.Algorithm, path)
    if errors.Is(err, fs.ErrNotExist) {
      got = ""
    } else if err != nil {
      return nil, fmt.Errorf("checksum verify '%s': %w", path, err)
    }
    if got == entry.Digest { continue }
    result.Ok = false
    result.Mismatches = append(result.Mismatches, types.Mismatch{
      Path: entry.Path, Expected: entry.Digest, Got: got,
    })
  }
  if !result.Ok {
    util.Warnf("Checksum verification failed for %d/%d files under '%s'",
               len(result.Mismatches), len(manifest.Entries), root)
  }
  return result, nil
}

// Reads the manifest stored under `root` and verifies the files it lists.
func VerifyDir(root string) (*types.VerifyResult, error) {
  manifest, err := ReadManifest(root)
  if err != nil { return nil, err }
  return Verify(root, manifest)
}

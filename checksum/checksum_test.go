package checksum

import (
  "errors"
  "os"
  fpmod "path/filepath"
  "testing"
  "time"

  "pg_volume_backup/types"
  "pg_volume_backup/util"
)

func buildBackupDir(t *testing.T) string {
  dir := t.TempDir()
  util.WriteFilesOrDie(t, dir, map[string]string{
    "base.tar.gz": "base archive content",
    "pg_wal.tar.gz": "wal archive content",
    "extra/notes.txt": "some notes",
  })
  return dir
}

func buildManager(t *testing.T, algorithm string) *Manager {
  manager, err := NewManager(algorithm)
  if err != nil { t.Fatalf("NewManager: %v", err) }
  manager.Now = func() time.Time { return util.DummyNow }
  return manager
}

func TestGenerate_SortedAndSkipsManifest(t *testing.T) {
  dir := buildBackupDir(t)
  util.WriteFilesOrDie(t, dir, map[string]string{
    types.ManifestName: "stale",
    types.ManifestInfoName: "stale",
  })
  manifest, err := buildManager(t, types.AlgoSha256).Generate(dir, "20250101T000000")
  if err != nil { t.Fatalf("Generate: %v", err) }

  var paths []string
  for _,e := range manifest.Entries { paths = append(paths, e.Path) }
  util.EqualsOrFailTest(t, "Bad paths", paths, []string{ "base.tar.gz", "extra/notes.txt", "pg_wal.tar.gz", })
  util.EqualsOrFailTest(t, "Bad label", manifest.Label, "20250101T000000")
  // sha256("base archive content")
  util.EqualsOrFailTest(t, "Bad digest len", len(manifest.Entries[0].Digest), 64)
}

func TestRoundTrip_NoMismatches(t *testing.T) {
  for _,algo := range []string{ types.AlgoSha256, types.AlgoBlake2b, } {
    dir := buildBackupDir(t)
    manifest, err := buildManager(t, algo).Generate(dir, "label")
    if err != nil { t.Fatalf("Generate: %v", err) }
    if err := WriteManifest(dir, manifest); err != nil { t.Fatalf("WriteManifest: %v", err) }

    read, err := ReadManifest(dir)
    if err != nil { t.Fatalf("ReadManifest: %v", err) }
    util.EqualsOrFailTest(t, "Bad read manifest", read, manifest)

    result, err := VerifyDir(dir)
    if err != nil { t.Fatalf("VerifyDir: %v", err) }
    util.EqualsOrFailTest(t, "Bad verify " + algo, result, &types.VerifyResult{ Ok:true, })
  }
}

func TestVerify_OneByteChange(t *testing.T) {
  dir := buildBackupDir(t)
  manifest, err := buildManager(t, types.AlgoSha256).Generate(dir, "label")
  if err != nil { t.Fatalf("Generate: %v", err) }

  util.WriteFilesOrDie(t, dir, map[string]string{ "pg_wal.tar.gz": "wal archive contenT", })
  result, err := Verify(dir, manifest)
  if err != nil { t.Fatalf("Verify: %v", err) }
  util.EqualsOrFailTest(t, "Should fail", result.Ok, false)
  util.EqualsOrFailTest(t, "Bad mismatch count", len(result.Mismatches), 1)
  util.EqualsOrFailTest(t, "Bad mismatch", result.Mismatches[0].Path, "pg_wal.tar.gz")
}

func TestVerify_MissingFile(t *testing.T) {
  dir := buildBackupDir(t)
  manifest, err := buildManager(t, types.AlgoSha256).Generate(dir, "label")
  if err != nil { t.Fatalf("Generate: %v", err) }
  if err := os.Remove(fpmod.Join(dir, "extra", "notes.txt")); err != nil { t.Fatalf("Remove: %v", err) }

  result, err := Verify(dir, manifest)
  if err != nil { t.Fatalf("Verify: %v", err) }
  expect := []types.Mismatch{{ Path:"extra/notes.txt", Expected:manifest.Entries[1].Digest, Got:"", }}
  util.EqualsOrFailTest(t, "Bad mismatches", result.Mismatches, expect)
}

func TestVerify_DoesNotMutate(t *testing.T) {
  dir := buildBackupDir(t)
  manifest, err := buildManager(t, types.AlgoSha256).Generate(dir, "label")
  if err != nil { t.Fatalf("Generate: %v", err) }
  if _, err := Verify(dir, manifest); err != nil { t.Fatalf("Verify: %v", err) }
  _, err = os.Stat(fpmod.Join(dir, types.ManifestName))
  if !errors.Is(err, os.ErrNotExist) { t.Errorf("Verify should not write anything: %v", err) }
}

func TestReadManifest_Sha256sumFormat(t *testing.T) {
  dir := t.TempDir()
  digest := "0000000000000000000000000000000000000000000000000000000000000000"
  util.WriteFilesOrDie(t, dir, map[string]string{
    types.ManifestName: digest + "  base.tar.gz\n" + digest + " *pg_wal.tar.gz\n\n",
  })
  manifest, err := ReadManifest(dir)
  if err != nil { t.Fatalf("ReadManifest: %v", err) }
  util.EqualsOrFailTest(t, "Bad algorithm", manifest.Algorithm, types.AlgoSha256)
  util.EqualsOrFailTest(t, "Bad entries", manifest.Entries, []types.ManifestEntry{
    { Path:"base.tar.gz", Digest:digest, },
    { Path:"pg_wal.tar.gz", Digest:digest, },
  })
}

func TestReadManifest_Malformed(t *testing.T) {
  dir := t.TempDir()
  util.WriteFilesOrDie(t, dir, map[string]string{ types.ManifestName: "nothexatall base.tar.gz\n", })
  _, err := ReadManifest(dir)
  if !errors.Is(err, ErrBadManifest) { t.Errorf("expected ErrBadManifest, got: %v", err) }
}

func TestDescribe(t *testing.T) {
  manifest := &types.ChecksumManifest{
    Algorithm: types.AlgoBlake2b,
    Label: "20250131T120000",
    GeneratedAt: util.DummyNow,
    Entries: []types.ManifestEntry{{ Path:"a", Digest:"00", }},
  }
  expect := "algorithm: blake2b-256\nfiles: 1\nlabel: 20250131T120000\ngenerated_at: 2025-01-31T12:00:00Z\n"
  util.EqualsOrFailTest(t, "Bad describe", Describe(manifest), expect)
}

func TestNewManager_UnknownAlgorithm(t *testing.T) {
  _, err := NewManager("md5")
  if !errors.Is(err, ErrUnknownAlgorithm) { t.Errorf("expected ErrUnknownAlgorithm, got: %v", err) }
}

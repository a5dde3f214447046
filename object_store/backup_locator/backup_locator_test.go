package backup_locator

import (
  "context"
  "errors"
  "testing"
  "time"

  "pg_volume_backup/types"
  "pg_volume_backup/types/mocks"
  "pg_volume_backup/util"
)

func buildLocator(t *testing.T) (*backupLocator, *mocks.ObjectStore) {
  util.SilenceLogs(t)
  store := mocks.NewObjectStore()
  return NewBackupLocator(store).(*backupLocator), store
}

func TestLocate_ExplicitPathNoListing(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  locator, store := buildLocator(t)
  backup, err := locator.Locate(ctx, "backups/20250101T000000/", "backups/")
  if err != nil { t.Fatalf("Locate: %v", err) }
  util.EqualsOrFailTest(t, "Bad location", backup.Location, "backups/20250101T000000")
  util.EqualsOrFailTest(t, "Bad label", backup.Label, "20250101T000000")
  util.EqualsOrFailTest(t, "Should not list", store.ListCalls, 0)
}

func TestLocate_MostRecent(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  locator, store := buildLocator(t)
  old_ts := util.DummyNow.Add(-48 * time.Hour)
  new_ts := util.DummyNow.Add(-24 * time.Hour)
  store.AddInfos(util.DummyGenerationObjects("backups/", "20250129T120000", old_ts))
  store.AddInfos(util.DummyGenerationObjects("backups/", "20250130T120000", new_ts))

  backup, err := locator.Locate(ctx, "", "backups/")
  if err != nil { t.Fatalf("Locate: %v", err) }
  util.EqualsOrFailTest(t, "Bad location", backup.Location, "backups/20250130T120000")
  util.EqualsOrFailTest(t, "Bad files", backup.Files,
                        []string{ types.ManifestName, types.ManifestInfoName, "base.tar.gz", "pg_wal.tar.gz", })
}

func TestLocate_EndToEndScenario(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  locator, store := buildLocator(t)
  ts := util.DummyNow
  store.AddObject("backups/20250101T000000/base.tar.gz", []byte("base"), ts)
  store.AddObject("backups/20250101T000000/pg_wal.tar.gz", []byte("wal"), ts.Add(time.Second))

  backup, err := locator.Locate(ctx, "", "backups/")
  if err != nil { t.Fatalf("Locate: %v", err) }
  util.EqualsOrFailTest(t, "Bad location", backup.Location, "backups/20250101T000000")
  util.EqualsOrFailTest(t, "Bad files", backup.Files, []string{ "base.tar.gz", "pg_wal.tar.gz", })
  util.EqualsOrFailTest(t, "Bad timestamp", backup.LastModified, ts.Add(time.Second))

  // Root prefix is allowed.
  backup, err = locator.Locate(ctx, "", "")
  if err != nil { t.Fatalf("Locate root: %v", err) }
  util.EqualsOrFailTest(t, "Bad root location", backup.Location, "backups/20250101T000000")
}

func TestLocate_TieBreakGreatestKey(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  locator, store := buildLocator(t)
  ts := util.DummyNow
  store.AddObject("backups/b/base.tar.gz", []byte("b"), ts)
  store.AddObject("backups/a/base.tar.gz", []byte("a"), ts)
  store.AddObject("backups/c/base.tar.gz", []byte("c"), ts)

  for i := 0; i < 3; i += 1 {
    backup, err := locator.Locate(ctx, "", "backups/")
    if err != nil { t.Fatalf("Locate: %v", err) }
    util.EqualsOrFailTest(t, "Bad tie break", backup.Location, "backups/c")
  }
}

func TestLocate_NothingFound(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  locator, store := buildLocator(t)
  store.AddObject("other/stuff", []byte("x"), util.DummyNow)
  store.AddObject("loose_file", []byte("x"), util.DummyNow)

  _, err := locator.Locate(ctx, "", "backups/")
  if !errors.Is(err, types.ErrNoBackupFound) { t.Fatalf("expected ErrNoBackupFound, got: %v", err) }
  util.EqualsOrFailTest(t, "Bad exit code", types.ExitCodeFor(err, true), types.ExitRestoreFailed)
  // One listing for the prefix, one for the diagnostic.
  util.EqualsOrFailTest(t, "Bad list calls", store.ListCalls, 2)
  util.EqualsOrFailTest(t, "Bad prefixes", locator.topLevelPrefixes(ctx), []string{ "loose_file", "other/", })
}

func TestLocate_RootObjectsAreNotBackups(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  locator, store := buildLocator(t)
  store.AddObject("loose_file", []byte("x"), util.DummyNow)
  _, err := locator.Locate(ctx, "", "")
  if !errors.Is(err, types.ErrNoBackupFound) { t.Errorf("expected ErrNoBackupFound, got: %v", err) }
}

func TestListGenerations(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  locator, store := buildLocator(t)
  for _,b := range util.DummyBackupsAged(10, 1, 40) {
    store.AddInfos(util.DummyGenerationObjects("backups/", b.Label, b.LastModified))
  }
  store.AddObject("backups/loose_file", []byte("x"), util.DummyNow)
  store.AddObject("wal/000000010000000200000030.gz", []byte("x"), util.DummyNow)

  backups, err := locator.ListGenerations(ctx, "backups/")
  if err != nil { t.Fatalf("ListGenerations: %v", err) }
  var labels []string
  for _,b := range backups { labels = append(labels, b.Location) }
  expect := []string{ "backups/20250130T120000", "backups/20250121T120000", "backups/20241222T120000", }
  util.EqualsOrFailTest(t, "Bad generations", labels, expect)
  util.EqualsOrFailTest(t, "Bad file count", len(backups[0].Files), 4)
  // Newest object of the folder.
  util.EqualsOrFailTest(t, "Bad timestamp", backups[0].LastModified, util.DummyNow.Add(-24 * time.Hour + 3 * time.Second))
}

func TestListGenerations_PrefixWithoutSlash(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  locator, store := buildLocator(t)
  store.AddObject("backups/a/base.tar.gz", []byte("x"), util.DummyNow)
  backups, err := locator.ListGenerations(ctx, "backups")
  if err != nil { t.Fatalf("ListGenerations: %v", err) }
  util.EqualsOrFailTest(t, "Bad count", len(backups), 1)
  util.EqualsOrFailTest(t, "Bad location", backups[0].Location, "backups/a")
  util.EqualsOrFailTest(t, "Bad label", backups[0].Label, "a")
}

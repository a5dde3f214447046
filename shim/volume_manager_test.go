package shim

import (
  "context"
  "errors"
  "os"
  fpmod "path/filepath"
  "strings"
  "testing"

  "pg_volume_backup/types"
  "pg_volume_backup/types/mocks"
  "pg_volume_backup/util"

  "gopkg.in/yaml.v3"
)

const compose_content = `services:
  postgres:
    image: postgres:16
    volumes:
      - pgdata:/var/lib/postgresql/data
      - ./init:/docker-entrypoint-initdb.d:ro
      - type: volume
        source: pgdata
        target: /backup
  other:
    image: busybox
    volumes:
      - pgdata:/data
volumes:
  pgdata:
    name: pgdata
`

func buildVolumeManager(t *testing.T) (*DockerVolumes, *mocks.CmdRunner) {
  util.SilenceLogs(t)
  runner := mocks.NewCmdRunner()
  dir := t.TempDir()
  util.WriteFilesOrDie(t, dir, map[string]string{ "docker-compose.yml": compose_content, })
  conf := &types.ServiceConfig{
    ComposeFile: fpmod.Join(dir, "docker-compose.yml"),
    Project: "db",
    Name: "postgres",
  }
  return NewVolumeManager(conf, runner), runner
}

func TestVolumeExists_ProjectPrefix(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  volumes, runner := buildVolumeManager(t)
  runner.Results["docker volume inspect"] = mocks.CmdResult{ Code:1, Out:"no such volume", }
  runner.Results["docker volume inspect --format {{.Mountpoint}} db_pgdata"] =
    mocks.CmdResult{ Code:0, Out:"/var/lib/docker/volumes/db_pgdata/_data\n", }

  found, err := volumes.VolumeExists(ctx, "pgdata")
  if err != nil { t.Fatalf("VolumeExists: %v", err) }
  util.EqualsOrFailTest(t, "Should exist", found, true)

  mountpoint, err := volumes.VolumeMountpoint(ctx, "pgdata")
  if err != nil { t.Fatalf("VolumeMountpoint: %v", err) }
  util.EqualsOrFailTest(t, "Bad mountpoint", mountpoint, "/var/lib/docker/volumes/db_pgdata/_data")

  found, err = volumes.VolumeExists(ctx, "missing")
  if err != nil { t.Fatalf("VolumeExists: %v", err) }
  util.EqualsOrFailTest(t, "Should not exist", found, false)

  _, err = volumes.VolumeMountpoint(ctx, "missing")
  if !errors.Is(err, types.ErrVolumeNotFound) { t.Errorf("expected ErrVolumeNotFound, got: %v", err) }
  util.EqualsOrFailTest(t, "Bad exit code", types.ExitCodeFor(err, true), types.ExitUnsafeVolumeOp)
}

func TestRewriteServiceVolume(t *testing.T) {
  volumes, _ := buildVolumeManager(t)
  preserved, err := volumes.RewriteServiceVolume("pgdata", "pgdata_restored", "20250131T120000")
  if err != nil { t.Fatalf("RewriteServiceVolume: %v", err) }
  util.EqualsOrFailTest(t, "Bad preserved name", preserved, volumes.ComposeFile + ".20250131T120000.bak")
  util.EqualsOrFailTest(t, "Original not preserved", util.ReadFileOrDie(t, preserved), compose_content)

  var parsed struct {
    Services map[string]struct {
      Volumes []interface{} `yaml:"volumes"`
    } `yaml:"services"`
    Volumes map[string]map[string]string `yaml:"volumes"`
  }
  rewritten := util.ReadFileOrDie(t, volumes.ComposeFile)
  if err := yaml.Unmarshal([]byte(rewritten), &parsed); err != nil { t.Fatalf("yaml: %v", err) }

  pg_mounts := parsed.Services["postgres"].Volumes
  util.EqualsOrFailTest(t, "Bad short mount", pg_mounts[0], "pgdata_restored:/var/lib/postgresql/data")
  util.EqualsOrFailTest(t, "Bind mount touched", pg_mounts[1], "./init:/docker-entrypoint-initdb.d:ro")
  long_mount := pg_mounts[2].(map[string]interface{})
  util.EqualsOrFailTest(t, "Bad long mount", long_mount["source"], "pgdata_restored")
  // Only the configured service is rewritten.
  util.EqualsOrFailTest(t, "Other service touched", parsed.Services["other"].Volumes[0], "pgdata:/data")

  util.EqualsOrFailTest(t, "Old declaration kept", parsed.Volumes["pgdata"]["name"], "pgdata")
  util.EqualsOrFailTest(t, "Bad new declaration", parsed.Volumes["pgdata_restored"]["name"], "pgdata_restored")
}

func TestRewriteServiceVolume_KeepsFirstPreservedCopy(t *testing.T) {
  volumes, _ := buildVolumeManager(t)
  preserved := volumes.ComposeFile + ".lbl.bak"
  if err := os.WriteFile(preserved, []byte("older"), 0644); err != nil { t.Fatalf("write: %v", err) }
  if _, err := volumes.RewriteServiceVolume("pgdata", "pgdata2", "lbl"); err != nil {
    t.Fatalf("RewriteServiceVolume: %v", err)
  }
  util.EqualsOrFailTest(t, "Preserved copy overwritten", util.ReadFileOrDie(t, preserved), "older")
}

func TestRestoreServiceDefinition(t *testing.T) {
  volumes, _ := buildVolumeManager(t)
  preserved, err := volumes.RewriteServiceVolume("pgdata", "pgdata_restored", "lbl")
  if err != nil { t.Fatalf("RewriteServiceVolume: %v", err) }
  if err := volumes.RestoreServiceDefinition(preserved); err != nil { t.Fatalf("RestoreServiceDefinition: %v", err) }
  util.EqualsOrFailTest(t, "Definition not restored", util.ReadFileOrDie(t, volumes.ComposeFile), compose_content)

  err = volumes.RestoreServiceDefinition(volumes.ComposeFile + ".missing.bak")
  if !errors.Is(err, os.ErrNotExist) { t.Errorf("expected ErrNotExist, got: %v", err) }
}

func TestRewriteServiceVolume_NotMounted(t *testing.T) {
  volumes, _ := buildVolumeManager(t)
  _, err := volumes.RewriteServiceVolume("nope", "pgdata2", "lbl")
  if !errors.Is(err, types.ErrVolumeNotFound) { t.Errorf("expected ErrVolumeNotFound, got: %v", err) }
  // Nothing written on failure.
  util.EqualsOrFailTest(t, "Compose modified", util.ReadFileOrDie(t, volumes.ComposeFile), compose_content)
  if _, err := os.Stat(volumes.ComposeFile + ".lbl.bak"); err == nil { t.Errorf("preserved copy should not exist") }
}

func TestRewriteServiceVolume_UnknownService(t *testing.T) {
  volumes, _ := buildVolumeManager(t)
  volumes.Service = "mysql"
  _, err := volumes.RewriteServiceVolume("pgdata", "pgdata2", "lbl")
  if err == nil || !strings.Contains(err.Error(), "mysql") { t.Errorf("expected unknown service error, got: %v", err) }
}

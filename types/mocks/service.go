package mocks

import (
  "context"
  "fmt"
  "os"
  fpmod "path/filepath"
  "strings"

  "pg_volume_backup/types"
)

// Records every call, all commands succeed unless `ExecF` or `ErrInject` say otherwise.
type Service struct {
  ErrBase
  Journal      *Journal
  Running      bool
  StopCalls    int
  StartCalls   int
  RestartCalls int
  Execs        [][]string
  ExecF        func(cmd []string) (int, string, error)
  // container path -> content of the local file copied in.
  CopiedIn     map[string]string
  // Called to produce the files copied out, if nil a single dummy file is written.
  CopyFromF    func(container_path string, local_dir string) error
}

func NewService() *Service {
  return &Service{ Running:true, CopiedIn:make(map[string]string), }
}

func (self *Service) Stop(ctx context.Context) error {
  self.StopCalls += 1
  self.Journal.Add("stop")
  if err := self.Inject(self.Stop); err != nil { return err }
  self.Running = false
  return nil
}

func (self *Service) Start(ctx context.Context) error {
  self.StartCalls += 1
  self.Journal.Add("start")
  if err := self.Inject(self.Start); err != nil { return err }
  self.Running = true
  return nil
}

func (self *Service) Restart(ctx context.Context) error {
  self.RestartCalls += 1
  self.Journal.Add("restart")
  if err := self.Inject(self.Restart); err != nil { return err }
  self.Running = true
  return nil
}

func (self *Service) ExecInService(ctx context.Context, cmd []string) (int, string, error) {
  self.Execs = append(self.Execs, cmd)
  self.Journal.Add("exec %s", strings.Join(cmd, " "))
  if err := self.Inject(self.ExecInService); err != nil { return 0, "", err }
  if len(cmd) == 0 { return 0, "", fmt.Errorf("ExecInService bad args") }
  if self.ExecF != nil { return self.ExecF(cmd) }
  return 0, "", nil
}

// Returns the commands executed whose program is `bin`.
func (self *Service) ExecsOf(bin string) [][]string {
  var result [][]string
  for _,cmd := range self.Execs {
    if len(cmd) > 0 && cmd[0] == bin { result = append(result, cmd) }
  }
  return result
}

func (self *Service) CopyIntoService(ctx context.Context, local_path string, container_path string) error {
  self.Journal.Add("copy_in %s", container_path)
  if err := self.Inject(self.CopyIntoService); err != nil { return err }
  data, err := os.ReadFile(local_path)
  if err != nil { return err }
  self.CopiedIn[container_path] = string(data)
  return nil
}

func (self *Service) CopyFromService(ctx context.Context, container_path string, local_dir string) error {
  self.Journal.Add("copy_out %s", container_path)
  if err := self.Inject(self.CopyFromService); err != nil { return err }
  if self.CopyFromF != nil { return self.CopyFromF(container_path, local_dir) }
  path := fpmod.Join(local_dir, types.BaseArchiveNames[0])
  return os.WriteFile(path, []byte("dummy base"), 0644)
}

// Volumes are plain directories under `Root`.
type Volumes struct {
  ErrBase
  Journal     *Journal
  Root        string
  Mountpoints map[string]string
  ComposeFile string
  // Pairs of {old, new} volume names.
  Rewrites    [][2]string
  // Preserved definitions put back by `RestoreServiceDefinition`.
  Restored    []string
}

func NewVolumes(root string, names ...string) *Volumes {
  volumes := &Volumes{
    Root: root,
    Mountpoints: make(map[string]string),
    ComposeFile: fpmod.Join(root, "docker-compose.yml"),
  }
  for _,name := range names { volumes.addVolume(name) }
  return volumes
}

func (self *Volumes) addVolume(name string) string {
  mountpoint := fpmod.Join(self.Root, "volumes", name, "_data")
  if err := os.MkdirAll(mountpoint, 0755); err != nil { panic(err) }
  self.Mountpoints[name] = mountpoint
  return mountpoint
}

func (self *Volumes) VolumeExists(ctx context.Context, name string) (bool, error) {
  self.Journal.Add("volume_exists %s", name)
  if err := self.Inject(self.VolumeExists); err != nil { return false, err }
  _, found := self.Mountpoints[name]
  return found, nil
}

func (self *Volumes) VolumeMountpoint(ctx context.Context, name string) (string, error) {
  if err := self.Inject(self.VolumeMountpoint); err != nil { return "", err }
  mountpoint, found := self.Mountpoints[name]
  if !found { return "", types.ErrVolumeNotFound }
  return mountpoint, nil
}

// The new volume only exists once the service has been brought up with it,
// the mock shortcuts that by creating it right away.
func (self *Volumes) RewriteServiceVolume(
    old_name string, new_name string, backup_suffix string) (string, error) {
  self.Journal.Add("rewrite %s %s", old_name, new_name)
  if err := self.Inject(self.RewriteServiceVolume); err != nil { return "", err }
  self.Rewrites = append(self.Rewrites, [2]string{old_name, new_name})
  self.addVolume(new_name)
  return self.ComposeFile + "." + backup_suffix + ".bak", nil
}

func (self *Volumes) RestoreServiceDefinition(preserved string) error {
  self.Journal.Add("restore_definition %s", preserved)
  if err := self.Inject(self.RestoreServiceDefinition); err != nil { return err }
  self.Restored = append(self.Restored, preserved)
  return nil
}

type FsProbe struct {
  ErrBase
  // Unknown paths have size 0.
  Sizes          map[string]int64
  SizeErr        error
  Available      int64
  // Overrides `Available` for specific paths.
  AvailableAt    map[string]int64
  AvailableCalls []string
}

func NewFsProbe(available int64) *FsProbe {
  return &FsProbe{ Sizes:make(map[string]int64), Available:available, }
}

func (self *FsProbe) SizeOf(path string) (int64, error) {
  if self.SizeErr != nil { return 0, self.SizeErr }
  return self.Sizes[path], nil
}

func (self *FsProbe) AvailableSpace(path string) (int64, error) {
  self.AvailableCalls = append(self.AvailableCalls, path)
  if err := self.Inject(self.AvailableSpace); err != nil { return 0, err }
  if available, found := self.AvailableAt[path]; found { return available, nil }
  return self.Available, nil
}

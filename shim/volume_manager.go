package shim

import (
  "bytes"
  "context"
  "fmt"
  "os"
  "strings"

  "pg_volume_backup/types"
  "pg_volume_backup/util"

  "gopkg.in/yaml.v3"
)

// Docker volumes plus the compose file declaring them.
type DockerVolumes struct {
  Runner      util.CmdRunner
  ComposeFile string
  Project     string
  Service     string
}

func NewVolumeManager(conf *types.ServiceConfig, runner util.CmdRunner) *DockerVolumes {
  return &DockerVolumes{
    Runner: runner,
    ComposeFile: conf.ComposeFile,
    Project: conf.Project,
    Service: conf.Name,
  }
}

// Compose prefixes project volumes with the project name unless they declare an explicit name.
func (self *DockerVolumes) candidateNames(name string) []string {
  names := []string{ name, }
  if len(self.Project) > 0 && !strings.HasPrefix(name, self.Project + "_") {
    names = append(names, self.Project + "_" + name)
  }
  return names
}

func (self *DockerVolumes) inspect(ctx context.Context, name string) (string, bool, error) {
  for _,candidate := range self.candidateNames(name) {
    cmd := util.NewCommand("docker", "volume", "inspect", "--format", "{{.Mountpoint}}", candidate)
    code, out, err := self.Runner.Run(ctx, cmd)
    if err != nil { return "", false, err }
    if code == 0 { return strings.TrimSpace(out), true, nil }
    util.Debugf("volume '%s' not found: %s", candidate, strings.TrimSpace(out))
  }
  return "", false, nil
}

func (self *DockerVolumes) VolumeExists(ctx context.Context, name string) (bool, error) {
  _, found, err := self.inspect(ctx, name)
  return found, err
}

func (self *DockerVolumes) VolumeMountpoint(ctx context.Context, name string) (string, error) {
  mountpoint, found, err := self.inspect(ctx, name)
  if err != nil { return "", err }
  if !found || len(mountpoint) == 0 {
    return "", types.NewError(types.KindUnsafeState, "volume_mountpoint",
                              fmt.Errorf("%w: '%s'", types.ErrVolumeNotFound, name))
  }
  return mountpoint, nil
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
  if node == nil || node.Kind != yaml.MappingNode { return nil }
  for i := 0; i+1 < len(node.Content); i += 2 {
    if node.Content[i].Value == key { return node.Content[i+1] }
  }
  return nil
}

// Handles both the short `vol:/path[:mode]` and the long `{source: vol, ...}` syntax.
func rewriteMounts(mounts *yaml.Node, old_name string, new_name string) int {
  count := 0
  if mounts == nil || mounts.Kind != yaml.SequenceNode { return count }
  for _,mount := range mounts.Content {
    switch mount.Kind {
      case yaml.ScalarNode:
        source, rest, found := strings.Cut(mount.Value, ":")
        if !found || source != old_name { continue }
        mount.Value = new_name + ":" + rest
        count += 1
      case yaml.MappingNode:
        source := mappingValue(mount, "source")
        if source == nil || source.Value != old_name { continue }
        source.Value = new_name
        count += 1
    }
  }
  return count
}

// Declares `new_name` in the top level `volumes` section, copying the declaration of `old_name`.
func declareVolume(root *yaml.Node, old_name string, new_name string) {
  volumes := mappingValue(root, "volumes")
  if volumes == nil || volumes.Kind != yaml.MappingNode { return }
  if mappingValue(volumes, new_name) != nil { return }
  old_decl := mappingValue(volumes, old_name)
  if old_decl == nil { return }

  new_decl := &yaml.Node{ Kind:yaml.MappingNode, Tag:"!!map", }
  if old_decl.Kind == yaml.MappingNode {
    for i := 0; i+1 < len(old_decl.Content); i += 2 {
      key, val := *old_decl.Content[i], *old_decl.Content[i+1]
      // An explicit docker name must follow the rename or both keys would share one volume.
      if key.Value == "name" { val.Value = new_name }
      new_decl.Content = append(new_decl.Content, &key, &val)
    }
  }
  key := &yaml.Node{ Kind:yaml.ScalarNode, Tag:"!!str", Value:new_name, }
  volumes.Content = append(volumes.Content, key, new_decl)
}

func (self *DockerVolumes) rewriteContent(content []byte, old_name string, new_name string) ([]byte, error) {
  var doc yaml.Node
  if err := yaml.Unmarshal(content, &doc); err != nil {
    return nil, fmt.Errorf("parse '%s': %w", self.ComposeFile, err)
  }
  if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
    return nil, fmt.Errorf("'%s' is not a compose file", self.ComposeFile)
  }
  root := doc.Content[0]
  service := mappingValue(mappingValue(root, "services"), self.Service)
  if service == nil {
    return nil, types.Errorf(types.KindNotFound, "compose_rewrite",
                             "service '%s' not defined in '%s'", self.Service, self.ComposeFile)
  }
  if rewriteMounts(mappingValue(service, "volumes"), old_name, new_name) == 0 {
    return nil, types.NewError(types.KindUnsafeState, "compose_rewrite",
                               fmt.Errorf("%w: service '%s' does not mount '%s'",
                                          types.ErrVolumeNotFound, self.Service, old_name))
  }
  declareVolume(root, old_name, new_name)

  var buf bytes.Buffer
  encoder := yaml.NewEncoder(&buf)
  encoder.SetIndent(2)
  if err := encoder.Encode(&doc); err != nil { return nil, err }
  if err := encoder.Close(); err != nil { return nil, err }
  return buf.Bytes(), nil
}

// The original file is copied verbatim to `<compose_file>.<backup_suffix>.bak` before being modified.
// An existing copy is never overwritten.
func (self *DockerVolumes) RewriteServiceVolume(
    old_name string, new_name string, backup_suffix string) (string, error) {
  content, err := os.ReadFile(self.ComposeFile)
  if err != nil { return "", err }
  rewritten, err := self.rewriteContent(content, old_name, new_name)
  if err != nil { return "", err }

  info, err := os.Stat(self.ComposeFile)
  if err != nil { return "", err }
  preserved := fmt.Sprintf("%s.%s.bak", self.ComposeFile, backup_suffix)
  if _, err := os.Stat(preserved); err == nil {
    util.Warnf("'%s' already exists, keeping it", preserved)
  } else if err := os.WriteFile(preserved, content, info.Mode().Perm()); err != nil {
    return "", err
  }

  if err := os.WriteFile(self.ComposeFile, rewritten, info.Mode().Perm()); err != nil { return "", err }
  util.Infof("Service '%s' now mounts '%s' instead of '%s', previous definition in '%s'",
             self.Service, new_name, old_name, preserved)
  return preserved, nil
}

func (self *DockerVolumes) RestoreServiceDefinition(preserved string) error {
  content, err := os.ReadFile(preserved)
  if err != nil { return err }
  info, err := os.Stat(self.ComposeFile)
  if err != nil { return err }
  return os.WriteFile(self.ComposeFile, content, info.Mode().Perm())
}

package shim

import (
  "context"
  "fmt"

  "pg_volume_backup/types"
  "pg_volume_backup/util"
)

// Drives one service of a docker compose project through the `docker compose` cli.
type ComposeService struct {
  Runner      util.CmdRunner
  ComposeFile string
  Project     string
  Name        string
}

func NewComposeService(conf *types.ServiceConfig, runner util.CmdRunner) (*ComposeService, error) {
  if len(conf.ComposeFile) == 0 || len(conf.Name) == 0 {
    return nil, types.Errorf(types.KindMissingArgument, "compose_service",
                             "%w: compose_file and service name", types.ErrMissingArgument)
  }
  service := &ComposeService{
    Runner: runner,
    ComposeFile: conf.ComposeFile,
    Project: conf.Project,
    Name: conf.Name,
  }
  return service, nil
}

func (self *ComposeService) compose(subcmd string) *util.Command {
  return util.NewCommand("docker", "compose", "-f", self.ComposeFile).
              Flag("-p", self.Project).
              Arg(subcmd)
}

func (self *ComposeService) runOrErr(ctx context.Context, op string, cmd *util.Command) error {
  _, err := util.RunOrErr(ctx, self.Runner, cmd)
  if err != nil { return fmt.Errorf("%s '%s': %w", op, self.Name, err) }
  return nil
}

func (self *ComposeService) Stop(ctx context.Context) error {
  util.Infof("Stopping service '%s'", self.Name)
  return self.runOrErr(ctx, "stop", self.compose("stop").Arg(self.Name))
}

// Uses `up` rather than `start` so that containers and volumes are created if missing.
func (self *ComposeService) Start(ctx context.Context) error {
  util.Infof("Starting service '%s'", self.Name)
  return self.runOrErr(ctx, "start", self.compose("up").Arg("-d", self.Name))
}

func (self *ComposeService) Restart(ctx context.Context) error {
  util.Infof("Restarting service '%s'", self.Name)
  return self.runOrErr(ctx, "restart", self.compose("restart").Arg(self.Name))
}

func (self *ComposeService) ExecInService(ctx context.Context, cmd []string) (int, string, error) {
  if len(cmd) == 0 { return -1, "", fmt.Errorf("exec in '%s': empty command", self.Name) }
  full := self.compose("exec").Arg("-T", self.Name).Arg(cmd...)
  code, out, err := self.Runner.Run(ctx, full)
  if err != nil { return code, out, fmt.Errorf("exec in '%s': %w", self.Name, err) }
  return code, out, nil
}

func (self *ComposeService) CopyIntoService(ctx context.Context, local_path string, container_path string) error {
  target := fmt.Sprintf("%s:%s", self.Name, container_path)
  return self.runOrErr(ctx, "copy into", self.compose("cp").Arg(local_path, target))
}

func (self *ComposeService) CopyFromService(ctx context.Context, container_path string, local_dir string) error {
  source := fmt.Sprintf("%s:%s/.", self.Name, container_path)
  return self.runOrErr(ctx, "copy from", self.compose("cp").Arg(source, local_dir))
}

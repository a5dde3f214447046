package mocks

import (
  "context"
  "strings"

  "pg_volume_backup/util"
)

type CmdResult struct {
  Code int
  Out  string
  Err  error
}

// Fakes subprocesses, matching on the joined argv prefix.
type CmdRunner struct {
  Calls   []*util.Command
  // argv prefix (joined by spaces) -> result. The longest matching prefix wins.
  Results map[string]CmdResult
}

func NewCmdRunner() *CmdRunner {
  return &CmdRunner{ Results:make(map[string]CmdResult), }
}

func (self *CmdRunner) Run(ctx context.Context, cmd *util.Command) (int, string, error) {
  self.Calls = append(self.Calls, cmd)
  if err := cmd.Validate(); err != nil { return 0, "", err }
  joined := strings.Join(cmd.Argv(), " ")
  best := -1
  var result CmdResult
  for prefix,res := range self.Results {
    if strings.HasPrefix(joined, prefix) && len(prefix) > best {
      best = len(prefix)
      result = res
    }
  }
  return result.Code, result.Out, result.Err
}

func (self *CmdRunner) Argvs() []string {
  argvs := make([]string, 0, len(self.Calls))
  for _,cmd := range self.Calls { argvs = append(argvs, strings.Join(cmd.Argv(), " ")) }
  return argvs
}

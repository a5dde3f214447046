package util

import (
  "bytes"
  "context"
  "errors"
  "fmt"
  "os/exec"
  "strconv"
  "strings"
  "sync"

  "pg_volume_backup/types"
)

// Argument list for an external program.
// Arguments are never joined into a shell string, each one reaches the program verbatim.
type Command struct {
  Bin  string
  Dir  string
  Env  []string
  args []string
}

func NewCommand(bin string, args ...string) *Command {
  cmd := &Command{ Bin:bin, }
  return cmd.Arg(args...)
}

func (self *Command) Arg(args ...string) *Command {
  self.args = append(self.args, args...)
  return self
}

// Appends `name value` only when value is not empty.
func (self *Command) Flag(name string, value string) *Command {
  if len(value) == 0 { return self }
  return self.Arg(name, value)
}

// Appends the boolean switch `name` when `cond` holds.
func (self *Command) FlagIf(cond bool, name string) *Command {
  if !cond { return self }
  return self.Arg(name)
}

func (self *Command) Args() []string {
  args := make([]string, len(self.args))
  copy(args, self.args)
  return args
}

// Full argv, program first.
func (self *Command) Argv() []string {
  return append([]string{ self.Bin, }, self.args...)
}

func (self *Command) Validate() error {
  if len(self.Bin) == 0 { return fmt.Errorf("command without program: %v", self.args) }
  for idx,arg := range self.Argv() {
    if strings.ContainsRune(arg, 0) {
      return fmt.Errorf("argument %d of '%s' contains a NUL byte", idx, self.Bin)
    }
  }
  return nil
}

// Only for logging, never feed this to a shell.
func (self *Command) String() string {
  var sb strings.Builder
  for idx,arg := range self.Argv() {
    if idx > 0 { sb.WriteString(" ") }
    if len(arg) == 0 || strings.ContainsAny(arg, " \t\n'\"\\$") {
      sb.WriteString(strconv.Quote(arg))
      continue
    }
    sb.WriteString(arg)
  }
  return sb.String()
}

type CmdRunner interface {
  // Synchronous, waits for the command to finish.
  // Returns the exit code and the combined stdout/stderr.
  // A non-zero exit code is reported only through the exit code.
  Run(ctx context.Context, cmd *Command) (int, string, error)
}

type ExecRunner struct {}

func (self *ExecRunner) Run(ctx context.Context, cmd *Command) (int, string, error) {
  if err := cmd.Validate(); err != nil { return -1, "", err }
  buf_out := new(bytes.Buffer)
  command := exec.CommandContext(ctx, cmd.Bin, cmd.Args()...)
  command.Dir = cmd.Dir
  command.Env = cmd.Env
  command.Stdout = buf_out
  command.Stderr = buf_out

  Debugf("running: %s", cmd)
  err := command.Run()
  var exit_err *exec.ExitError
  if errors.As(err, &exit_err) {
    Debugf("%s exited with %d", cmd.Bin, exit_err.ExitCode())
    return exit_err.ExitCode(), buf_out.String(), nil
  }
  if errors.Is(err, exec.ErrNotFound) {
    return -1, "", fmt.Errorf("%w: %s", types.ErrMissingCommand, cmd.Bin)
  }
  if err != nil { return -1, buf_out.String(), fmt.Errorf("%s: %w", cmd, err) }
  return 0, buf_out.String(), nil
}

// Runs `cmd` and turns a non-zero exit code into an error containing the output.
func RunOrErr(ctx context.Context, runner CmdRunner, cmd *Command) (string, error) {
  code, out, err := runner.Run(ctx, cmd)
  if err != nil { return out, err }
  if code != 0 {
    return out, fmt.Errorf("%s failed with exit code %d:\n%s", cmd, code, out)
  }
  return out, nil
}

// LIFO list of cleanup actions.
// `Run` executes every registered action exactly once, later calls are noops.
type CleanupStack struct {
  mutex   sync.Mutex
  actions []cleanupAction
  done    bool
}

type cleanupAction struct {
  name string
  f    func() error
}

func (self *CleanupStack) Push(name string, f func() error) {
  self.mutex.Lock()
  defer self.mutex.Unlock()
  if self.done { Fatalf("cleanup '%s' registered after stack ran", name) }
  self.actions = append(self.actions, cleanupAction{ name:name, f:f, })
}

// Errors are logged and the first one returned, all actions run regardless.
func (self *CleanupStack) Run() error {
  self.mutex.Lock()
  defer self.mutex.Unlock()
  if self.done { return nil }
  self.done = true

  var first_err error
  for i:=len(self.actions)-1; i>=0; i-=1 {
    action := self.actions[i]
    if err := action.f(); err != nil {
      Warnf("cleanup '%s' failed: %v", action.name, err)
      if first_err == nil { first_err = err }
      continue
    }
    Debugf("cleanup '%s' done", action.name)
  }
  self.actions = nil
  return first_err
}

// Returns the first non nil error.
func Coalesce(errs ...error) error {
  for _,err := range errs {
    if err != nil { return err }
  }
  return nil
}

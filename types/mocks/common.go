package mocks

import (
  "errors"
  "fmt"
  "reflect"
  "regexp"
  "runtime"
  "strings"
  "sync"
)

type InjectT = func(interface{}) error
// Embed in a mock to let tests inject errors per method.
// Mock methods call `self.Inject(self.Method)` and return early on non-nil.
type ErrBase struct {
  ErrInject func(interface{}) error
}

var name_rx *regexp.Regexp
func init() {
  name_rx = regexp.MustCompile(`.*\.(\w+)-?.*$`)
}

func MethodName(m interface{}) string {
  v := reflect.ValueOf(m)
  p := v.Pointer()
  f := runtime.FuncForPC(p)
  mangled := f.Name()
  return name_rx.FindStringSubmatch(mangled)[1]
}

func MethodMatch(m1 interface{}, m2 interface{}) bool {
  return MethodName(m1) == MethodName(m2)
}

func (self *ErrBase) Inject(method interface{}) error {
  if self.ErrInject == nil { return nil }
  return self.ErrInject(method)
}

func (self *ErrBase) SetErrInject(f InjectT) {
  self.ErrInject = f
}

func (self *ErrBase) ForAllErr(err error) {
  self.ErrInject = func(interface{}) error { return err }
}

func (self *ErrBase) ForAllErrMsg(msg string) {
  self.ErrInject = func(interface{}) error { return errors.New(msg) }
}

func (self *ErrBase) ForMethodErr(method interface{}, err error) {
  self.ErrInject = func(called interface{}) error {
    if !MethodMatch(method, called) { return nil }
    return err
  }
}

func (self *ErrBase) ForMethodErrMsg(method interface{}, msg string) {
  self.ForMethodErr(method, errors.New(msg))
}

// Records the calls made across several mocks, to assert on their relative order.
type Journal struct {
  mutex   sync.Mutex
  Entries []string
}

func (self *Journal) Add(format string, args ...interface{}) {
  if self == nil { return }
  self.mutex.Lock()
  defer self.mutex.Unlock()
  self.Entries = append(self.Entries, fmt.Sprintf(format, args...))
}

// Index of the first entry equal to `entry`, or -1.
func (self *Journal) IndexOf(entry string) int {
  if self == nil { return -1 }
  self.mutex.Lock()
  defer self.mutex.Unlock()
  for idx,e := range self.Entries {
    if e == entry { return idx }
  }
  return -1
}

func (self *Journal) Count(entry string) int {
  if self == nil { return 0 }
  self.mutex.Lock()
  defer self.mutex.Unlock()
  count := 0
  for _,e := range self.Entries {
    if e == entry { count += 1 }
  }
  return count
}

// Index of the first entry starting with `prefix`, or -1.
func (self *Journal) IndexOfPrefix(prefix string) int {
  if self == nil { return -1 }
  self.mutex.Lock()
  defer self.mutex.Unlock()
  for idx,e := range self.Entries {
    if strings.HasPrefix(e, prefix) { return idx }
  }
  return -1
}

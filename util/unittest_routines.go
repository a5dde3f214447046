package util

import (
  "encoding/base64"
  "encoding/json"
  "fmt"
  "io"
  "math/rand"
  "os"
  fpmod "path/filepath"
  "strings"
  "testing"
)

func asJsonStrings(val interface{}, expected interface{}) (string, string) {
  var val_str, expected_str []byte
  var val_err, expected_err error
  val_str, val_err = json.MarshalIndent(val, "", "  ")
  expected_str, expected_err = json.MarshalIndent(expected, "", "  ")
  if val_err != nil || expected_err != nil {
    Fatalf("cannot marshal to json string: %v%v, %v/%v", val, val_err, expected, expected_err)
  }
  return string(val_str), string(expected_str)
}

func truncate(str string, max_len int) string {
  if len(str) <= max_len { return str }
  return str[:max_len] + "..."
}

func fmtAssertMsg(err_msg string, got string, expected string) string {
  const max_len = 1024
  return fmt.Sprintf("%s:\ngot: %s\n !=\nexp: %s\n",
                     err_msg, truncate(got, max_len), truncate(expected, max_len))
}

func EqualsOrDie(err_msg string, val interface{}, expected interface{}) {
  val_str, expected_str := asJsonStrings(val, expected)
  if strings.Compare(val_str, expected_str) != 0 {
    Fatalf(fmtAssertMsg(err_msg, val_str, expected_str))
  }
}

func EqualsOrDieTest(t *testing.T, err_msg string, val interface{}, expected interface{}) {
  t.Helper()
  val_str, expected_str := asJsonStrings(val, expected)
  comp_res := strings.Compare(val_str, expected_str)
  if comp_res != 0 {
    t.Fatal(fmtAssertMsg(err_msg, val_str, expected_str))
  }
}

// Returns 0 if equal
func EqualsOrFailTest(t *testing.T, err_msg string, val interface{}, expected interface{}) int {
  t.Helper()
  val_str, expected_str := asJsonStrings(val, expected)
  comp_res := strings.Compare(val_str, expected_str)
  if comp_res != 0 {
    t.Error(fmtAssertMsg(err_msg, val_str, expected_str))
    return comp_res
  }
  return 0
}

func GenerateRandomTextData(size int) []byte {
  buffer := make([]byte, size)
  buffer_txt := make([]byte, base64.StdEncoding.EncodedLen(size))
  _, err := rand.Read(buffer)
  if err != nil { Fatalf("rand failed: %v", err) }
  base64.StdEncoding.Encode(buffer_txt, buffer)
  return buffer_txt[:size]
}

// Writes `files` (relative path -> content) under `root`, creating parent directories.
func WriteFilesOrDie(t *testing.T, root string, files map[string]string) {
  t.Helper()
  for rel, content := range files {
    path := fpmod.Join(root, fpmod.FromSlash(rel))
    if err := os.MkdirAll(fpmod.Dir(path), 0755); err != nil { t.Fatalf("MkdirAll: %v", err) }
    if err := os.WriteFile(path, []byte(content), 0644); err != nil { t.Fatalf("WriteFile: %v", err) }
  }
}

func ReadFileOrDie(t *testing.T, path string) string {
  t.Helper()
  data, err := os.ReadFile(path)
  if err != nil { t.Fatalf("ReadFile(%s): %v", path, err) }
  return string(data)
}

// Drops log output for the duration of the test.
func SilenceLogs(t *testing.T) {
  SetLogOutput(io.Discard)
  t.Cleanup(func() { SetLogOutput(os.Stderr) })
}

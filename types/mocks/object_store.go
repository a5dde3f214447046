package mocks

import (
  "context"
  "io/fs"
  "os"
  fpmod "path/filepath"
  "sort"
  "strings"
  "time"

  "pg_volume_backup/types"
)

type Object struct {
  Data         []byte
  LastModified time.Time
}

// In mem object storage
// Simple implementation does not do any input validation.
type ObjectStore struct {
  ErrBase
  Journal      *Journal
  Objects      map[string]*Object
  // Per prefix errors for `DeleteRecursive`, takes precedence over `ErrInject`.
  DeleteErrs   map[string]error
  // Timestamp given to objects added by `PutRecursive`.
  Now          time.Time
  ListCalls    int
  GetCalls     []string
  // Keys of every object written to local disk, in order.
  Fetched      []string
  PutCalls     []string
  DeleteCalls  []string
}

func NewObjectStore() *ObjectStore {
  return &ObjectStore{
    Objects: make(map[string]*Object),
    DeleteErrs: make(map[string]error),
    Now: time.Now().UTC(),
  }
}

func (self *ObjectStore) AddObject(key string, data []byte, last_modified time.Time) {
  self.Objects[key] = &Object{ Data:data, LastModified:last_modified, }
}

func (self *ObjectStore) AddInfos(infos []types.ObjectInfo) {
  for _,info := range infos { self.AddObject(info.Key, []byte(info.Key), info.LastModified) }
}

func (self *ObjectStore) Keys() []string {
  keys := make([]string, 0, len(self.Objects))
  for k,_ := range self.Objects { keys = append(keys, k) }
  sort.Strings(keys)
  return keys
}

func (self *ObjectStore) List(ctx context.Context, prefix string) ([]types.ObjectInfo, error) {
  self.ListCalls += 1
  self.Journal.Add("list %s", prefix)
  if err := self.Inject(self.List); err != nil { return nil, err }
  var infos []types.ObjectInfo
  for _,key := range self.Keys() {
    if !strings.HasPrefix(key, prefix) { continue }
    obj := self.Objects[key]
    infos = append(infos, types.ObjectInfo{
      Key: key, LastModified: obj.LastModified, Size: int64(len(obj.Data)),
    })
  }
  return infos, nil
}

func (self *ObjectStore) GetRecursive(ctx context.Context, prefix string, local_dir string) error {
  self.GetCalls = append(self.GetCalls, prefix)
  self.Journal.Add("get %s", prefix)
  if err := self.Inject(self.GetRecursive); err != nil { return err }
  count := 0
  for _,key := range self.Keys() {
    if !strings.HasPrefix(key, prefix) { continue }
    rel := strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
    if len(rel) == 0 { rel = fpmod.Base(key) }
    path := fpmod.Join(local_dir, fpmod.FromSlash(rel))
    if err := os.MkdirAll(fpmod.Dir(path), 0755); err != nil { return err }
    if err := os.WriteFile(path, self.Objects[key].Data, 0644); err != nil { return err }
    self.Fetched = append(self.Fetched, key)
    count += 1
  }
  if count == 0 { return types.ErrNotFound }
  return nil
}

func (self *ObjectStore) Get(ctx context.Context, key string, local_path string) error {
  self.GetCalls = append(self.GetCalls, key)
  self.Journal.Add("get %s", key)
  if err := self.Inject(self.Get); err != nil { return err }
  obj, found := self.Objects[key]
  if !found { return types.ErrNotFound }
  if err := os.MkdirAll(fpmod.Dir(local_path), 0755); err != nil { return err }
  self.Fetched = append(self.Fetched, key)
  return os.WriteFile(local_path, obj.Data, 0644)
}

func (self *ObjectStore) PutRecursive(ctx context.Context, local_dir string, prefix string) error {
  self.PutCalls = append(self.PutCalls, prefix)
  self.Journal.Add("put %s", prefix)
  if err := self.Inject(self.PutRecursive); err != nil { return err }
  return fpmod.WalkDir(local_dir, func(path string, entry fs.DirEntry, err error) error {
    if err != nil { return err }
    if !entry.Type().IsRegular() { return nil }
    rel, err := fpmod.Rel(local_dir, path)
    if err != nil { return err }
    data, err := os.ReadFile(path)
    if err != nil { return err }
    self.AddObject(strings.TrimSuffix(prefix, "/") + "/" + fpmod.ToSlash(rel), data, self.Now)
    return nil
  })
}

func (self *ObjectStore) DeleteRecursive(ctx context.Context, prefix string) error {
  self.DeleteCalls = append(self.DeleteCalls, prefix)
  self.Journal.Add("delete %s", prefix)
  if err, found := self.DeleteErrs[prefix]; found { return err }
  if err := self.Inject(self.DeleteRecursive); err != nil { return err }
  for _,key := range self.Keys() {
    if strings.HasPrefix(key, prefix) { delete(self.Objects, key) }
  }
  return nil
}

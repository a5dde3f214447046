package aws_s3_store
// Backup generations are plain objects under `<prefix><label>/`.
// The listing is the only catalog, there is no separate metadata store.
// * Objects are written in the standard storage class, lifecycle rules (if any) are left to the operator.
// * Works with S3 compatible stores through a custom endpoint + path style addressing.

import (
  "context"
  "fmt"
  "io"
  "io/fs"
  "os"
  fpmod "path/filepath"
  "strings"

  "pg_volume_backup/types"
  "pg_volume_backup/util"
  s3_common "pg_volume_backup/object_store/aws_s3_common"

  "github.com/aws/aws-sdk-go-v2/aws"
  "github.com/aws/aws-sdk-go-v2/service/s3"
  s3mgr "github.com/aws/aws-sdk-go-v2/feature/s3/manager"
  s3_types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const (
  s3_iter_buf_len = 1000
  // DeleteObjects hard limit.
  s3_delete_batch_len = 1000
  upload_part_size = 64 * 1024 * 1024
)

// The subset of the s3 client used.
// Convenient for unittesting purposes.
type usedS3If interface {
  s3_common.UsedS3If
}

// Use to inject a mock for the object uploader.
type uploaderIf interface {
  Upload(context.Context, *s3.PutObjectInput, ...func(*s3mgr.Uploader)) (*s3mgr.UploadOutput, error)
}

type s3Store struct {
  conf             *types.S3Config
  client           usedS3If
  common           *s3_common.S3Common
  uploader         uploaderIf
  iter_buf_len     int32
  delete_batch_len int
}

func injectConstants(store *s3Store) {
  store.iter_buf_len = s3_iter_buf_len
  store.delete_batch_len = s3_delete_batch_len
}

func NewObjectStore(conf *types.S3Config, aws_conf *aws.Config) (types.AdminObjectStore, error) {
  client := s3_common.NewS3Client(conf, aws_conf)
  uploader := s3mgr.NewUploader(client,
                                func(u *s3mgr.Uploader) { u.LeavePartsOnError = false },
                                func(u *s3mgr.Uploader) { u.PartSize = upload_part_size })
  common, err := s3_common.NewS3Common(conf, aws_conf, client)
  if err != nil { return nil, err }

  store := &s3Store{
    conf: conf,
    client: client,
    common: common,
    uploader: uploader,
  }
  injectConstants(store)
  return store, nil
}

func (self *s3Store) Probe(ctx context.Context) error { return self.common.Probe(ctx) }

func (self *s3Store) listPage(
    ctx context.Context, prefix string, token *string) ([]s3_types.Object, *string, error) {
  list_in := &s3.ListObjectsV2Input{
    Bucket: aws.String(self.conf.Bucket),
    ContinuationToken: token,
    MaxKeys: self.iter_buf_len,
  }
  if len(prefix) > 0 { list_in.Prefix = aws.String(prefix) }
  list_out, err := self.client.ListObjectsV2(ctx, list_in)
  if err != nil { return nil, nil, err }
  if len(list_out.Contents) != int(list_out.KeyCount) {
    return nil, nil, fmt.Errorf("list yielded %d objects, expected %d", len(list_out.Contents), list_out.KeyCount)
  }
  if list_out.IsTruncated && list_out.NextContinuationToken == nil {
    return nil, nil, fmt.Errorf("items left but no token")
  }
  if !list_out.IsTruncated { return list_out.Contents, nil, nil }
  return list_out.Contents, list_out.NextContinuationToken, nil
}

func (self *s3Store) List(ctx context.Context, prefix string) ([]types.ObjectInfo, error) {
  var infos []types.ObjectInfo
  var token *string
  for started := false; !started || token != nil; started = true {
    var page []s3_types.Object
    var err error
    page, token, err = self.listPage(ctx, prefix, token)
    if err != nil { return nil, fmt.Errorf("s3 list '%s': %w", prefix, err) }
    for _,obj := range page {
      info := types.ObjectInfo{ Key:aws.ToString(obj.Key), Size:obj.Size, }
      if obj.LastModified != nil { info.LastModified = *obj.LastModified }
      infos = append(infos, info)
    }
  }
  util.Debugf("s3://%s/%s: %d objects", self.conf.Bucket, prefix, len(infos))
  return infos, nil
}

func relativeKey(key string, prefix string) string {
  rel := strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
  if len(rel) == 0 { rel = fpmod.Base(key) }
  return rel
}

func (self *s3Store) getOne(ctx context.Context, key string, dst string) error {
  get_in := &s3.GetObjectInput{
    Bucket: aws.String(self.conf.Bucket),
    Key: aws.String(key),
  }
  get_out, err := self.client.GetObject(ctx, get_in)
  if s3_common.IsS3Error(new(s3_types.NoSuchKey), err) {
    return fmt.Errorf("%w: '%s'", types.ErrNotFound, key)
  }
  if err != nil { return err }
  defer get_out.Body.Close()

  if err := os.MkdirAll(fpmod.Dir(dst), 0755); err != nil { return err }
  file, err := os.Create(dst)
  if err != nil { return err }
  cnt, err := io.Copy(file, get_out.Body)
  err = util.Coalesce(err, file.Close())
  if err != nil { return err }
  if get_out.ContentLength > 0 && cnt != get_out.ContentLength {
    return fmt.Errorf("mismatched length for '%s': %d != %d", key, cnt, get_out.ContentLength)
  }
  return nil
}

// Objects are fetched one at a time, in key order.
func (self *s3Store) GetRecursive(ctx context.Context, prefix string, local_dir string) error {
  infos, err := self.List(ctx, prefix)
  if err != nil { return err }
  count := 0
  for _,info := range infos {
    // Folder markers created by some consoles.
    if strings.HasSuffix(info.Key, "/") { continue }
    dst := fpmod.Join(local_dir, fpmod.FromSlash(relativeKey(info.Key, prefix)))
    if err := self.getOne(ctx, info.Key, dst); err != nil { return err }
    count += 1
  }
  if count == 0 { return fmt.Errorf("%w: nothing under 's3://%s/%s'", types.ErrNotFound, self.conf.Bucket, prefix) }
  util.Infof("Downloaded %d objects from 's3://%s/%s'", count, self.conf.Bucket, prefix)
  return nil
}

func (self *s3Store) Get(ctx context.Context, key string, local_path string) error {
  return self.getOne(ctx, key, local_path)
}

func (self *s3Store) putOne(ctx context.Context, path string, key string) error {
  content_type := "application/octet-stream"
  file, err := os.Open(path)
  if err != nil { return err }
  defer file.Close()
  upload_in := &s3.PutObjectInput{
    Bucket: aws.String(self.conf.Bucket),
    Key:    aws.String(key),
    Body:   file,
    ContentType:  &content_type,
    StorageClass: s3_types.StorageClassStandard,
  }
  _, err = self.uploader.Upload(ctx, upload_in)
  return err
}

func (self *s3Store) PutRecursive(ctx context.Context, local_dir string, prefix string) error {
  count := 0
  walk_f := func(path string, entry fs.DirEntry, err error) error {
    if err != nil { return err }
    if !entry.Type().IsRegular() { return nil }
    rel, err := fpmod.Rel(local_dir, path)
    if err != nil { return err }
    key := strings.TrimSuffix(prefix, "/") + "/" + fpmod.ToSlash(rel)
    if err := self.putOne(ctx, path, key); err != nil { return fmt.Errorf("upload '%s': %w", key, err) }
    count += 1
    return nil
  }
  if err := fpmod.WalkDir(local_dir, walk_f); err != nil { return err }
  util.Infof("Uploaded %d files to 's3://%s/%s'", count, self.conf.Bucket, prefix)
  return nil
}

func (self *s3Store) deleteBatch(ctx context.Context, keys []string) error {
  del_in := &s3.DeleteObjectsInput{
    Bucket: aws.String(self.conf.Bucket),
    Delete: &s3_types.Delete{ Quiet: true, },
  }
  for _,key := range keys {
    del_in.Delete.Objects = append(del_in.Delete.Objects, s3_types.ObjectIdentifier{ Key:aws.String(key), })
  }
  del_out, err := self.client.DeleteObjects(ctx, del_in)
  if err != nil { return err }
  if len(del_out.Errors) > 0 {
    first := del_out.Errors[0]
    return fmt.Errorf("failed to delete %d objects, first '%s': %s",
                      len(del_out.Errors), aws.ToString(first.Key), aws.ToString(first.Message))
  }
  return nil
}

func (self *s3Store) DeleteRecursive(ctx context.Context, prefix string) error {
  infos, err := self.List(ctx, prefix)
  if err != nil { return err }
  for start := 0; start < len(infos); start += self.delete_batch_len {
    end := start + self.delete_batch_len
    if end > len(infos) { end = len(infos) }
    keys := make([]string, 0, end - start)
    for _,info := range infos[start:end] { keys = append(keys, info.Key) }
    if err := self.deleteBatch(ctx, keys); err != nil {
      return fmt.Errorf("s3 delete '%s': %w", prefix, err)
    }
  }
  util.Infof("Deleted %d objects under 's3://%s/%s'", len(infos), self.conf.Bucket, prefix)
  return nil
}

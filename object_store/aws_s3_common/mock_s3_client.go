package aws_s3_common

import (
  "bytes"
  "context"
  "fmt"
  "io"
  "sort"
  "strings"
  "time"

  "pg_volume_backup/util"

  "github.com/aws/aws-sdk-go-v2/aws"
  "github.com/aws/aws-sdk-go-v2/service/s3"
  s3mgr "github.com/aws/aws-sdk-go-v2/feature/s3/manager"
  s3_types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type MockS3Client struct {
  Err              error
  // Reported per key in the DeleteObjects output, the keys are kept.
  DeleteObjsErr    map[string]string
  AccountId        string
  Data             map[string][]byte
  LastModified     map[string]time.Time
  Buckets          map[string]bool
  HeadAlwaysAccessDenied bool
  FirstListObjEmpty      bool
  // Timestamp given to uploaded objects.
  Now              time.Time
  ListCalls        int
  DeleteCalls      int
}

func NewMockS3Client() *MockS3Client {
  return &MockS3Client{
    DeleteObjsErr: make(map[string]string),
    Data: make(map[string][]byte),
    LastModified: make(map[string]time.Time),
    Buckets: make(map[string]bool),
    Now: util.DummyNow,
  }
}

func (self *MockS3Client) SetObject(key string, data []byte, last_modified time.Time) {
  self.Data[key] = make([]byte, len(data))
  copy(self.Data[key], data)
  self.LastModified[key] = last_modified
}

func (self *MockS3Client) DeleteObjects(
    ctx context.Context, in *s3.DeleteObjectsInput, opts...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
  self.DeleteCalls += 1
  if len(in.Delete.Objects) > 1000 { return nil, fmt.Errorf("too many keys in a single delete") }
  out := &s3.DeleteObjectsOutput{}
  for _,obj_id := range in.Delete.Objects {
    key := *obj_id.Key
    if code, found := self.DeleteObjsErr[key]; found {
      aws_err := s3_types.Error{ Code:aws.String(code), Key:aws.String(key), Message:aws.String(code), }
      out.Errors = append(out.Errors, aws_err)
      continue
    }
    delete(self.Data, key)
    delete(self.LastModified, key)
    out.Deleted = append(out.Deleted, s3_types.DeletedObject{ Key:aws.String(key), })
  }
  return out, self.Err
}

func (self *MockS3Client) GetObject(
    ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
  key := *(in.Key)
  if _,found := self.Data[key]; !found {
    return nil, new(s3_types.NoSuchKey)
  }
  out := &s3.GetObjectOutput{
    Body: io.NopCloser(bytes.NewReader(self.Data[key])),
    ContentLength: int64(len(self.Data[key])),
  }
  return out, self.Err
}

func (self *MockS3Client) ListObjectsV2(
    ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
  self.ListCalls += 1
  if in.StartAfter != nil || in.Delimiter != nil { util.Fatalf("not_implemented") }
  var page_count int32
  out := &s3.ListObjectsV2Output{
    ContinuationToken: in.ContinuationToken,
    Contents:make([]s3_types.Object, 0, len(self.Data)),
  }

  if self.FirstListObjEmpty {
    self.FirstListObjEmpty = false
    out.NextContinuationToken = aws.String("")
    out.IsTruncated = true
    return out, self.Err
  }

  // iteration order is not stable: https://go.dev/blog/maps
  keys := make([]string, 0, len(self.Data))
  for key,_ := range self.Data { keys = append(keys, key) }
  sort.Strings(keys)

  for _,key:= range keys {
    if in.Prefix != nil && !strings.HasPrefix(key, *in.Prefix) { continue }
    if in.ContinuationToken != nil && key <= *in.ContinuationToken { continue }
    data := self.Data[key]
    item := s3_types.Object{
      Key:aws.String(key),
      Size:int64(len(data)),
      LastModified:aws.Time(self.LastModified[key]),
    }
    out.Contents = append(out.Contents, item)
    page_count += 1
    if page_count >= in.MaxKeys {
      out.NextContinuationToken = aws.String(key)
      out.IsTruncated = true
      break
    }
  }
  out.KeyCount = page_count
  return out, self.Err
}

func (self *MockS3Client) HeadBucket(
    ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
  _,found := self.Buckets[*(in.Bucket)]
  if !found {
    return nil, new(s3_types.NoSuchBucket)
  }
  bad_owner := in.ExpectedBucketOwner != nil && *(in.ExpectedBucketOwner) != self.AccountId
  if self.HeadAlwaysAccessDenied || bad_owner {
    // Error model is too complex to mock
    // https://aws.github.io/aws-sdk-go-v2/docs/handling-errors/#api-error-responses
    return nil, StrToApiErr("AccessDenied")
  }
  return &s3.HeadBucketOutput{}, self.Err
}

func (self *MockS3Client) Upload(
    ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3mgr.Uploader)) (*s3mgr.UploadOutput, error) {
  if in.Bucket == nil || len(*in.Bucket) < 1 { return nil, fmt.Errorf("malformed request") }
  if in.Key == nil || len(*in.Key) < 1 { return nil, fmt.Errorf("malformed request") }
  if self.Err != nil { return nil, self.Err }
  buf, err := io.ReadAll(in.Body)
  if err != nil { return nil, err }
  if _,found := self.Data[*in.Key]; found { return nil, fmt.Errorf("overwritting key") }
  self.SetObject(*in.Key, buf, self.Now)
  return &s3mgr.UploadOutput{}, nil
}

package aws_s3_common

import (
  "context"
  "errors"
  "fmt"

  "pg_volume_backup/types"
  "pg_volume_backup/util"

  "github.com/aws/aws-sdk-go-v2/aws"
  "github.com/aws/aws-sdk-go-v2/service/s3"
  s3_types "github.com/aws/aws-sdk-go-v2/service/s3/types"
  "github.com/aws/smithy-go"
)

// The subset of the s3 client used.
// Convenient for unittesting purposes.
type UsedS3If interface {
  HeadBucket   (context.Context, *s3.HeadBucketInput,    ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
  DeleteObjects(context.Context, *s3.DeleteObjectsInput, ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
  GetObject    (context.Context, *s3.GetObjectInput,     ...func(*s3.Options)) (*s3.GetObjectOutput, error)
  ListObjectsV2(context.Context, *s3.ListObjectsV2Input, ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type S3Common struct {
  Conf        *types.S3Config
  Aws_conf    *aws.Config
  Client      UsedS3If
  // Only checked against when non empty, S3 compatible stores have no account.
  AccountId   string
}

func NewS3Common(conf *types.S3Config, aws_conf *aws.Config, client UsedS3If) (*S3Common, error) {
  if len(conf.Bucket) == 0 {
    return nil, types.NewError(types.KindMissingCredential, "s3_setup",
                               fmt.Errorf("%w: bucket", types.ErrMissingCredential))
  }
  common := &S3Common{
    Conf: conf,
    Aws_conf: aws_conf,
    Client: client,
  }
  return common, nil
}

// Builds a client honouring custom endpoints (minio, ceph...) and path style addressing.
func NewS3Client(conf *types.S3Config, aws_conf *aws.Config) *s3.Client {
  return s3.NewFromConfig(*aws_conf, func(opts *s3.Options) {
    if len(conf.Endpoint) > 0 {
      opts.EndpointResolver = s3.EndpointResolverFromURL(conf.Endpoint)
    }
    opts.UsePathStyle = conf.PathStyle
  })
}

func StrToApiErr(code string) smithy.APIError {
  return &smithy.GenericAPIError{ Code: code, }
}

// Ugly fix because this does not do sh*t
// if errors.As(err, new(s3_types.NoSuchBucket)) { ... }
func IsS3Error(err_to_compare error, err error) bool {
  if err == nil { return false }
  // Be careful it is a trap ! This will not take into account the underlying type
  //if errors.As(err, &fixed_err) { return true }
  var ae smithy.APIError
  if !errors.As(err, &ae) { return false }

  switch fixed_err := err_to_compare.(type) {
    case smithy.APIError:
      return ae.ErrorCode() == fixed_err.ErrorCode()
    default:
      return ae.ErrorCode() == fixed_err.Error()
  }
}

func (self *S3Common) expectedOwner() *string {
  if len(self.AccountId) == 0 { return nil }
  return aws.String(self.AccountId)
}

// Returns false if the bucket does not exist.
func (self *S3Common) CheckBucketExists(ctx context.Context) (bool, error) {
  head_in := &s3.HeadBucketInput{
    Bucket: aws.String(self.Conf.Bucket),
    ExpectedBucketOwner: self.expectedOwner(),
  }
  _, err := self.Client.HeadBucket(ctx, head_in)

  if IsS3Error(new(s3_types.NotFound), err) || IsS3Error(new(s3_types.NoSuchBucket), err) {
    util.Debugf("Bucket '%s' does not exist", self.Conf.Bucket)
    return false, nil
  }
  if err != nil { return false, err }
  return true, nil
}

// Fails unless the bucket is reachable with the configured credentials.
// The account id is fetched (STS) only when talking to AWS proper.
func (self *S3Common) Probe(ctx context.Context) error {
  const op = "s3_probe"
  if len(self.Conf.Endpoint) == 0 && len(self.AccountId) == 0 && self.Aws_conf != nil {
    account, err := util.GetAccountId(ctx, self.Aws_conf)
    if err != nil {
      return types.NewError(types.KindMissingCredential, op,
                            fmt.Errorf("%w: sts: %v", types.ErrMissingCredential, err))
    }
    self.AccountId = account
  }
  exists, err := self.CheckBucketExists(ctx)
  if err != nil {
    return types.NewError(types.KindMissingCredential, op,
                          fmt.Errorf("%w: bucket '%s': %v", types.ErrMissingCredential, self.Conf.Bucket, err))
  }
  if !exists {
    return types.NewError(types.KindNotFound, op,
                          fmt.Errorf("%w: bucket '%s'", types.ErrNotFound, self.Conf.Bucket))
  }
  util.Infof("Bucket '%s' is reachable", self.Conf.Bucket)
  return nil
}

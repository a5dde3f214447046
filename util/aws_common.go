package util

import (
  "context"

  "pg_volume_backup/types"

  "github.com/aws/aws-sdk-go-v2/aws"
  "github.com/aws/aws-sdk-go-v2/aws/arn"
  "github.com/aws/aws-sdk-go-v2/config"
  "github.com/aws/aws-sdk-go-v2/credentials"
  "github.com/aws/aws-sdk-go-v2/service/sts"
)

// Static credentials from the configuration, no shared profile lookups.
func NewAwsConfig(ctx context.Context, conf *types.S3Config) (*aws.Config, error) {
  creds := credentials.StaticCredentialsProvider{
    Value: aws.Credentials{
      AccessKeyID: conf.AccessKeyId,
      SecretAccessKey: conf.SecretAccessKey,
      SessionToken: conf.SessionToken,
    },
  }
  region := conf.Region
  // S3 compatible stores usually ignore the region but the signer needs one.
  if len(region) == 0 { region = "us-east-1" }
  cfg, err := config.LoadDefaultConfig(ctx,
    config.WithCredentialsProvider(creds),
    config.WithDefaultRegion(region),
  )
  return &cfg, err
}

// Only works against AWS proper, S3 compatible endpoints rarely implement STS.
func GetAccountId(ctx context.Context, aws_conf *aws.Config) (string, error) {
  var err error
  var res_name arn.ARN
  var ident_out *sts.GetCallerIdentityOutput

  client := sts.NewFromConfig(*aws_conf)
  ident_in := &sts.GetCallerIdentityInput{}
  ident_out, err = client.GetCallerIdentity(ctx, ident_in)
  if err != nil { return "", err }

  res_name, err = arn.Parse(*(ident_out.Arn))
  if err != nil { return "", err }
  return res_name.AccountID, nil
}

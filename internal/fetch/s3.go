package fetch

import (
	"context"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// s3Source downloads s3://bucket/key with the default credential chain
// (environment, shared config, instance role).
type s3Source struct {
	bucket string
	key    string
}

func (s *s3Source) fetch(ctx context.Context, f *os.File) error {
	sess, err := session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return backoff.Permanent(errors.Wrap(err, "failed to create AWS session"))
	}

	downloader := s3manager.NewDownloader(sess)
	_, err = downloader.DownloadWithContext(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) {
			switch aerr.Code() {
			case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "AccessDenied", "NotFound":
				return backoff.Permanent(errors.Wrap(ErrDownloadFailed, aerr.Error()))
			}
		}
		return errors.Wrap(ErrDownloadFailed, err.Error())
	}
	return nil
}

func parseS3URL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", errors.Wrap(err, "invalid s3 URL")
	}
	if u.Scheme != "s3" {
		return "", "", errors.Errorf("s3 URL must start with s3://, got %q", raw)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", errors.Errorf("s3 URL %q needs both a bucket and a key", raw)
	}
	return bucket, key, nil
}

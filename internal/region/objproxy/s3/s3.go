// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package s3 implements wrapping functions to satisfy objproxy.ObjectStore
// interface. It uses aws api v1.
package s3

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"net/http"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/rs/zerolog/log"

	"github.com/faithanalog/crucible/internal/region/objproxy"
)

const (
	// Format string for the object key. If you want to change it, keep in
	// mind that we rely on the continuous space of keys for prefix
	// consistency as well as in the GC process.
	//
	// Furthermore we split the key into halves and use the lower half of
	// bits as s3 prefix and upper half for the object key. This is to
	// prevent s3 rate limiting which is applied to objects with the same
	// prefix.
	keyFmt = "%08x/%08x"

	// Server side encryption algorithm used with customer keys.
	sseAlgorithm = "AES256"
)

// S3 implements objproxy.ObjectStore using AWS S3 compatible endpoint as a
// backend.
type S3 struct {
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	client     *s3.S3
	bucket     string

	// Customer provided key for server side encryption. Empty when
	// disabled.
	customerKey string
}

// Options to use in New() function due to high number of parameters. There is
// lower chance of ordering mistake with named parameters.
type Options struct {
	Remote    string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string

	// Raw 32 byte key for SSE-C. Empty disables encryption.
	CustomerKey string

	HTTPClient *http.Client

	// Create the bucket when it does not exist.
	CreateBucket bool
}

func New(o Options) (*S3, error) {
	s := &S3{
		bucket:      o.Bucket,
		customerKey: o.CustomerKey,
	}

	sess, err := session.NewSession(&aws.Config{
		Endpoint:                      aws.String(o.Remote),
		Region:                        aws.String(o.Region),
		Credentials:                   credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, ""),
		S3ForcePathStyle:              aws.Bool(true),
		S3DisableContentMD5Validation: aws.Bool(true),
		HTTPClient:                    o.HTTPClient,
	})

	if err != nil {
		return nil, err
	}

	s.client = s3.New(sess)
	s.uploader = s3manager.NewUploader(sess)
	s.downloader = s3manager.NewDownloader(sess)

	// Limiting the concurency of s3 library. We do not benefit from
	// multipart uploads/downloads because we have small objects. The only
	// exception is the extent map checkpoint.
	s.uploader.Concurrency = 1
	s3manager.WithUploaderRequestOptions(request.Option(func(r *request.Request) {
		r.HTTPRequest.Header.Add("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	}))(s.uploader)
	s.downloader.Concurrency = 1

	if o.CreateBucket {
		err = s.makeBucketExist()
	}

	return s, err
}

func (s *S3) sse() (*string, *string) {
	if s.customerKey == "" {
		return nil, nil
	}

	return aws.String(sseAlgorithm), aws.String(s.customerKey)
}

// Translates missing object errors to objproxy.ErrNotFound.
func translate(err error) error {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return objproxy.ErrNotFound
		}
	}

	return err
}

func (s *S3) put(name string, buf []byte) error {
	algorithm, key := s.sse()

	_, err := s.uploader.Upload(&s3manager.UploadInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(name),
		Body:                 bytes.NewReader(buf),
		SSECustomerAlgorithm: algorithm,
		SSECustomerKey:       key,
	})

	return err
}

// Size returns size of the named object.
func (s *S3) Size(name string) (int64, error) {
	algorithm, key := s.sse()

	head, err := s.client.HeadObject(&s3.HeadObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(name),
		SSECustomerAlgorithm: algorithm,
		SSECustomerKey:       key,
	})

	if err != nil {
		return 0, translate(err)
	}

	return aws.Int64Value(head.ContentLength), nil
}

// ReadAt downloads len(buf) bytes of the named object starting at offset.
func (s *S3) ReadAt(name string, buf []byte, offset int64) error {
	algorithm, key := s.sse()

	to := offset + int64(len(buf)) - 1
	rng := fmt.Sprintf("bytes=%d-%d", offset, to)
	b := aws.NewWriteAtBuffer(buf)

	_, err := s.downloader.Download(b, &s3.GetObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(name),
		Range:                &rng,
		SSECustomerAlgorithm: algorithm,
		SSECustomerKey:       key,
	})

	return translate(err)
}

// Upload function implemented through s3 api.
func (s *S3) Upload(key int64, buf []byte) error {
	return s.put(encode(key), buf)
}

// GetObjectSize function implemented through s3 api.
func (s *S3) GetObjectSize(key int64) (int64, error) {
	return s.Size(encode(key))
}

// DownloadAt function implemented through s3 api.
func (s *S3) DownloadAt(key int64, buf []byte, offset int64) error {
	return s.ReadAt(encode(key), buf, offset)
}

// PutNamed stores object outside of the key space.
func (s *S3) PutNamed(name string, buf []byte) error {
	return s.put(name, buf)
}

// GetNamed downloads the whole named object.
func (s *S3) GetNamed(name string) ([]byte, error) {
	algorithm, key := s.sse()

	out, err := s.client.GetObject(&s3.GetObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(name),
		SSECustomerAlgorithm: algorithm,
		SSECustomerKey:       key,
	})

	if err != nil {
		return nil, translate(err)
	}
	defer out.Body.Close()

	return ioutil.ReadAll(out.Body)
}

// Delete function implemented through s3 api.
func (s *S3) Delete(key int64) error {
	_, err := s.client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(encode(key)),
	})

	return err
}

// Check whether bucket exist and if not, create it and wait until it appears.
func (s *S3) makeBucketExist() error {
	_, err := s.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(s.bucket)})

	if err != nil {
		_, err = s.client.CreateBucket(&s3.CreateBucketInput{
			Bucket: aws.String(s.bucket)})

		if err == nil {
			err = s.client.WaitUntilBucketExists(&s3.HeadBucketInput{
				Bucket: aws.String(s.bucket)})
		}
	}

	return err
}

// DeleteKeyAndSuccessors deletes object with key and all objects with higher
// keys. Named objects are kept.
func (s *S3) DeleteKeyAndSuccessors(fromKey int64) error {
	var deleteErr error

	err := s.client.ListObjectsV2Pages(&s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
	}, func(page *s3.ListObjectsV2Output, last bool) bool {
		for _, o := range page.Contents {
			key, ok := decode(aws.StringValue(o.Key))
			if !ok || key < fromKey {
				continue
			}

			if err := s.Delete(key); err != nil {
				deleteErr = err
				return false
			}

			log.Trace().Int64("key", key).Msg("Object after the first gap deleted.")
		}
		return true
	})

	if err != nil {
		return err
	}

	return deleteErr
}

// We split the key into halves and use the lower half of bits as s3 prefix and
// upper half for the object key. This is to prevent s3 rate limiting which is
// applied to objects with the same prefix.
func encode(key int64) string {
	left := (key >> 32) & 0xffffffff
	right := key & 0xffffffff

	return fmt.Sprintf(keyFmt, right, left)
}

// The inverse to encode(). Names which are not keys are reported as such.
func decode(keyWithPrefix string) (int64, bool) {
	var prefix, key int64
	n, err := fmt.Sscanf(keyWithPrefix, keyFmt, &prefix, &key)
	if err != nil || n != 2 || len(keyWithPrefix) != 17 {
		return 0, false
	}

	k := (key << 32) + prefix

	return k, true
}

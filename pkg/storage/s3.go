package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/hashicorp/go-multierror"
	"github.com/otiai10/copy"
	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/testground/faultline/pkg/logging"
)

const (
	s3PointerObject  = "LATEST"
	s3GenerationsDir = ".generations"
	s3ManifestObject = "MANIFEST"
	s3DataDir        = "data"

	// s3KeepGenerations is how many generations survive garbage collection,
	// including the published one.
	s3KeepGenerations = 2

	s3DeleteBatch = 1000

	DefaultS3Concurrency = 8
)

// S3Config configures an S3Client.
type S3Config struct {
	Bucket          string        `toml:"bucket"`
	Prefix          string        `toml:"prefix"`
	Region          string        `toml:"region"`
	Endpoint        string        `toml:"endpoint"`
	ForcePathStyle  bool          `toml:"force_path_style"`
	Concurrency     int           `toml:"concurrency"`
	Timeout         time.Duration `toml:"timeout"`
	AccessKeyID     string        `toml:"access_key_id"`
	SecretAccessKey string        `toml:"secret_access_key"`
}

// s3API is the subset of the S3 service used by S3Client.
type s3API interface {
	PutObjectWithContext(aws.Context, *s3.PutObjectInput, ...request.Option) (*s3.PutObjectOutput, error)
	GetObjectWithContext(aws.Context, *s3.GetObjectInput, ...request.Option) (*s3.GetObjectOutput, error)
	ListObjectsV2PagesWithContext(aws.Context, *s3.ListObjectsV2Input, func(*s3.ListObjectsV2Output, bool) bool, ...request.Option) error
	DeleteObjectWithContext(aws.Context, *s3.DeleteObjectInput, ...request.Option) (*s3.DeleteObjectOutput, error)
	DeleteObjectsWithContext(aws.Context, *s3.DeleteObjectsInput, ...request.Option) (*s3.DeleteObjectsOutput, error)
}

// S3Client is a Client backed by an S3 bucket.
//
// A push uploads the local tree as a new generation under
// <prefix>/<remote>/.generations/<id>/data/, writes the generation's MANIFEST
// and then publishes it by overwriting the <prefix>/<remote>/LATEST pointer
// object. Pulls only ever read the generation named by the pointer, so an
// interrupted push is never visible. The published generation is never
// collected, whatever its id sorts as.
type S3Client struct {
	cfg   S3Config
	api   s3API
	locks KeyedLocker
	tlog  transferLog
}

var _ Client = (*S3Client)(nil)

// NewS3Client creates a session from cfg and returns a client for its bucket.
func NewS3Client(cfg S3Config) (*S3Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket must be set")
	}

	config := aws.NewConfig()
	if cfg.Region != "" {
		config = config.WithRegion(cfg.Region)
	}
	if cfg.Endpoint != "" {
		config = config.WithEndpoint(cfg.Endpoint)
	}
	if cfg.ForcePathStyle {
		config = config.WithS3ForcePathStyle(true)
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		config = config.WithCredentials(creds)
	}

	sess, err := session.NewSession(config)
	if err != nil {
		return nil, err
	}
	return newS3Client(cfg, s3.New(sess)), nil
}

func newS3Client(cfg S3Config, api s3API) *S3Client {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultS3Concurrency
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &S3Client{cfg: cfg, api: api}
}

func (c *S3Client) SetLogDir(dir string) error {
	return c.tlog.setDir(dir)
}

// key returns the object key for the given remote path and suffix elements.
func (c *S3Client) key(remote string, elem ...string) string {
	return path.Join(append([]string{c.cfg.Prefix, remote}, elem...)...)
}

func (c *S3Client) cleanRemote(op, remote string) (string, error) {
	r := strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(remote)), "/")
	if r == "" {
		return "", newTransportError(op, remote, KindPermissionDenied, errors.New("remote path must name a target"))
	}
	return r, nil
}

func (c *S3Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, c.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

func (c *S3Client) Push(ctx context.Context, localPath, remotePath string) (err error) {
	const op = "push"
	start := time.Now()
	remote, err := c.cleanRemote(op, remotePath)
	if err != nil {
		return err
	}
	defer func() { c.tlog.record(op, localPath, c.key(remote), start, treeSize(localPath), err) }()

	files, err := listFiles(localPath)
	if err != nil {
		return fmt.Errorf("push source %s: %w", localPath, err)
	}

	unlock, err := c.locks.Lock(ctx, remote)
	if err != nil {
		return contextError(ctx, op, remotePath)
	}
	defer unlock()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	gen := xid.New().String()
	genPrefix := c.key(remote, s3GenerationsDir, gen)

	if err := c.upload(ctx, localPath, path.Join(genPrefix, s3DataDir), files); err != nil {
		c.discardGeneration(genPrefix)
		return classifyS3Error(ctx, op, remotePath, err)
	}
	_, err = c.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(path.Join(genPrefix, s3ManifestObject)),
		Body:   strings.NewReader(strings.Join(files, "\n")),
	})
	if err != nil {
		c.discardGeneration(genPrefix)
		return classifyS3Error(ctx, op, remotePath, err)
	}

	_, err = c.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(c.key(remote, s3PointerObject)),
		Body:   bytes.NewReader([]byte(gen)),
	})
	if err != nil {
		c.discardGeneration(genPrefix)
		return classifyS3Error(ctx, op, remotePath, err)
	}

	if err := c.collectGenerations(ctx, remote, gen); err != nil {
		logging.S().Warnw("failed to collect old generations", "remote", remotePath, "err", err)
	}
	return nil
}

func (c *S3Client) upload(ctx context.Context, localPath, genPrefix string, files []string) error {
	sem := semaphore.NewWeighted(int64(c.cfg.Concurrency))
	eg, gctx := errgroup.WithContext(ctx)

	for _, rel := range files {
		rel := rel
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		eg.Go(func() error {
			defer sem.Release(1)

			f, err := os.Open(filepath.Join(localPath, filepath.FromSlash(rel)))
			if err != nil {
				return err
			}
			defer f.Close()

			_, err = c.api.PutObjectWithContext(gctx, &s3.PutObjectInput{
				Bucket: aws.String(c.cfg.Bucket),
				Key:    aws.String(path.Join(genPrefix, rel)),
				Body:   f,
			})
			return err
		})
	}

	if err := eg.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// generations returns the generation ids stored for remote, oldest first.
func (c *S3Client) generations(ctx context.Context, remote string) ([]string, error) {
	var gens []string
	prefix := c.key(remote, s3GenerationsDir) + "/"
	err := c.api.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(c.cfg.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	}, func(out *s3.ListObjectsV2Output, _ bool) bool {
		for _, p := range out.CommonPrefixes {
			gens = append(gens, strings.TrimSuffix(strings.TrimPrefix(aws.StringValue(p.Prefix), prefix), "/"))
		}
		return true
	})
	// xids sort by creation time.
	sort.Strings(gens)
	return gens, err
}

// collectGenerations deletes all but the newest generations of remote. The
// published generation is always kept; ids minted on another node may sort
// after it.
func (c *S3Client) collectGenerations(ctx context.Context, remote, published string) error {
	all, err := c.generations(ctx, remote)
	if err != nil {
		return err
	}
	gens := all[:0]
	for _, gen := range all {
		if gen != published {
			gens = append(gens, gen)
		}
	}
	keep := s3KeepGenerations - 1
	if len(gens) <= keep {
		return nil
	}

	var merr *multierror.Error
	for _, gen := range gens[:len(gens)-keep] {
		if err := c.deletePrefix(ctx, c.key(remote, s3GenerationsDir, gen)+"/"); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// discardGeneration removes an unpublished generation. It runs detached from
// the caller's context, which may already be done.
func (c *S3Client) discardGeneration(genPrefix string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := c.deletePrefix(ctx, genPrefix+"/"); err != nil {
		logging.S().Debugw("failed to discard unpublished generation", "prefix", genPrefix, "err", err)
	}
}

// deletePrefix removes every object whose key starts with prefix.
func (c *S3Client) deletePrefix(ctx context.Context, prefix string) error {
	var keys []*s3.ObjectIdentifier
	err := c.api.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.cfg.Bucket),
		Prefix: aws.String(prefix),
	}, func(out *s3.ListObjectsV2Output, _ bool) bool {
		for _, o := range out.Contents {
			keys = append(keys, &s3.ObjectIdentifier{Key: o.Key})
		}
		return true
	})
	if err != nil {
		return err
	}

	var merr *multierror.Error
	for len(keys) > 0 {
		n := len(keys)
		if n > s3DeleteBatch {
			n = s3DeleteBatch
		}
		batch := keys[:n]
		keys = keys[n:]

		out, err := c.api.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(c.cfg.Bucket),
			Delete: &s3.Delete{Objects: batch, Quiet: aws.Bool(true)},
		})
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		for _, e := range out.Errors {
			merr = multierror.Append(merr, fmt.Errorf("delete %s: %s: %s",
				aws.StringValue(e.Key), aws.StringValue(e.Code), aws.StringValue(e.Message)))
		}
	}
	return merr.ErrorOrNil()
}

func (c *S3Client) Pull(ctx context.Context, remotePath, localPath string) (err error) {
	const op = "pull"
	start := time.Now()
	remote, err := c.cleanRemote(op, remotePath)
	if err != nil {
		return err
	}
	size := int64(-1)
	defer func() { c.tlog.record(op, c.key(remote), localPath, start, size, err) }()

	parent := filepath.Dir(filepath.Clean(localPath))
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("pull destination %s: %w", localPath, err)
	}
	snapshot := filepath.Join(parent, "."+filepath.Base(localPath)+".pull-"+xid.New().String())
	defer os.RemoveAll(snapshot)

	if err := c.snapshot(ctx, op, remote, remotePath, snapshot); err != nil {
		return err
	}
	size = treeSize(snapshot)

	if err := contextError(ctx, op, remotePath); err != nil {
		return err
	}
	if err := copy.Copy(snapshot, localPath); err != nil {
		return fmt.Errorf("pull into %s: %w", localPath, err)
	}
	return nil
}

// snapshot downloads the published generation of remote into dst.
func (c *S3Client) snapshot(ctx context.Context, op, remote, remotePath, dst string) error {
	unlock, err := c.locks.Lock(ctx, remote)
	if err != nil {
		return contextError(ctx, op, remotePath)
	}
	defer unlock()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	out, err := c.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(c.key(remote, s3PointerObject)),
	})
	if err != nil {
		return classifyS3Error(ctx, op, remotePath, err)
	}
	b, err := ioutil.ReadAll(out.Body)
	out.Body.Close()
	if err != nil {
		return classifyS3Error(ctx, op, remotePath, err)
	}
	gen := strings.TrimSpace(string(b))
	if gen == "" {
		return newTransportError(op, remotePath, KindRemoteUnavailable, errors.New("empty generation pointer"))
	}

	genPrefix := c.key(remote, s3GenerationsDir, gen)
	manifest, err := c.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(path.Join(genPrefix, s3ManifestObject)),
	})
	if err != nil {
		return classifyS3Error(ctx, op, remotePath, fmt.Errorf("published generation %s: %w", gen, err))
	}
	b, err = ioutil.ReadAll(manifest.Body)
	manifest.Body.Close()
	if err != nil {
		return classifyS3Error(ctx, op, remotePath, err)
	}

	dataPrefix := path.Join(genPrefix, s3DataDir) + "/"
	var keys []string
	present := make(map[string]bool)
	err = c.api.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.cfg.Bucket),
		Prefix: aws.String(dataPrefix),
	}, func(out *s3.ListObjectsV2Output, _ bool) bool {
		for _, o := range out.Contents {
			key := aws.StringValue(o.Key)
			keys = append(keys, key)
			present[strings.TrimPrefix(key, dataPrefix)] = true
		}
		return true
	})
	if err != nil {
		return classifyS3Error(ctx, op, remotePath, err)
	}
	for _, rel := range strings.Split(string(b), "\n") {
		if rel != "" && !present[rel] {
			return newTransportError(op, remotePath, KindRemoteUnavailable,
				fmt.Errorf("published generation %s is missing %s", gen, rel))
		}
	}

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("pull staging %s: %w", dst, err)
	}
	if err := c.download(ctx, dataPrefix, keys, dst); err != nil {
		return classifyS3Error(ctx, op, remotePath, err)
	}
	return nil
}

func (c *S3Client) download(ctx context.Context, genPrefix string, keys []string, dst string) error {
	sem := semaphore.NewWeighted(int64(c.cfg.Concurrency))
	eg, gctx := errgroup.WithContext(ctx)

	for _, key := range keys {
		key := key
		rel := strings.TrimPrefix(key, genPrefix)
		if rel == "" || strings.HasPrefix(path.Clean(rel), "../") {
			continue
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		eg.Go(func() error {
			defer sem.Release(1)

			out, err := c.api.GetObjectWithContext(gctx, &s3.GetObjectInput{
				Bucket: aws.String(c.cfg.Bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return err
			}
			defer out.Body.Close()

			p := filepath.Join(dst, filepath.FromSlash(rel))
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return err
			}
			f, err := os.Create(p)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, out.Body); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		})
	}

	if err := eg.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (c *S3Client) Delete(ctx context.Context, remotePath string) (err error) {
	const op = "delete"
	start := time.Now()
	remote, err := c.cleanRemote(op, remotePath)
	if err != nil {
		return err
	}
	defer func() { c.tlog.record(op, "", c.key(remote), start, -1, err) }()

	unlock, err := c.locks.Lock(ctx, remote)
	if err != nil {
		return contextError(ctx, op, remotePath)
	}
	defer unlock()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	// Dropping the pointer hides the target; the objects left behind are
	// unreachable from Pull.
	_, err = c.api.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(c.key(remote, s3PointerObject)),
	})
	if err != nil {
		return classifyS3Error(ctx, op, remotePath, err)
	}

	if err := c.deletePrefix(ctx, c.key(remote)+"/"); err != nil {
		return classifyS3Error(ctx, op, remotePath, err)
	}
	return nil
}

// listFiles returns the slash-separated relative paths of the regular files
// under root, sorted.
func listFiles(root string) ([]string, error) {
	var files []string
	err := filepath.Walk(root, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(files)
	return files, err
}

func classifyS3Error(ctx context.Context, op, remote string, err error) error {
	if cerr := contextError(ctx, op, remote); cerr != nil {
		return cerr
	}

	var merr *multierror.Error
	if errors.As(err, &merr) && len(merr.Errors) > 0 {
		return classifyS3Error(ctx, op, remote, merr.Errors[0])
	}

	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		switch code := reqErr.StatusCode(); {
		case code == 403:
			return newTransportError(op, remote, KindPermissionDenied, err)
		case code == 404:
			return newTransportError(op, remote, KindRemoteUnavailable, err)
		case code == 408:
			return newTransportError(op, remote, KindTimeout, err)
		case code >= 500:
			return newTransportError(op, remote, KindRemoteUnavailable, err)
		}
	}

	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchBucket, s3.ErrCodeNoSuchKey, "NotFound", request.ErrCodeRequestError:
			return newTransportError(op, remote, KindRemoteUnavailable, err)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return newTransportError(op, remote, KindPermissionDenied, err)
		case "RequestTimeout", "RequestTimeoutException", request.ErrCodeResponseTimeout:
			return newTransportError(op, remote, KindTimeout, err)
		}
	}

	return newTransportError(op, remote, KindPartialTransfer, err)
}

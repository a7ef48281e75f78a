// Package fetch makes sure the model artifact is present on local disk,
// downloading it once when it is missing or truncated.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrDownloadFailed is returned when the source could not deliver the artifact.
	ErrDownloadFailed = errors.New("download failed")
	// ErrNoSource is returned when the artifact is missing and no URL is configured.
	ErrNoSource = errors.New("model is missing and no download URL is configured")
	// ErrChecksum is returned when the downloaded bytes do not match the expected digest.
	ErrChecksum = errors.New("checksum mismatch")
)

// Mode selects how the artifact URL is fetched.
type Mode string

const (
	ModeAuto  Mode = "auto"
	ModeHTTP  Mode = "http"
	ModeDrive Mode = "drive"
	ModeS3    Mode = "s3"
)

// ParseMode maps a config value onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(s)); m {
	case "":
		return ModeAuto, nil
	case ModeAuto, ModeHTTP, ModeDrive, ModeS3:
		return m, nil
	}
	return "", errors.Errorf("unknown download mode %q", s)
}

// Options configures Ensure.
type Options struct {
	URL      string
	Path     string
	MinBytes int64
	// SHA256 is the expected hex digest; empty skips verification.
	SHA256  string
	Mode    Mode
	Retries int
	// Timeout bounds the whole fetch including retries; zero means no bound.
	Timeout time.Duration
	Client  *http.Client
	Logger  *zap.SugaredLogger
}

// source writes the artifact into f.
type source interface {
	fetch(ctx context.Context, f *os.File) error
}

// NeedsDownload reports whether path is missing or smaller than minBytes.
func NeedsDownload(path string, minBytes int64) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to stat %s", path)
	}
	if info.IsDir() {
		return false, errors.Errorf("%s is a directory", path)
	}
	return info.Size() < minBytes, nil
}

// Ensure downloads the artifact to opts.Path unless a file of at least
// opts.MinBytes is already there. It reports whether a download happened.
func Ensure(ctx context.Context, opts Options) (bool, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	need, err := NeedsDownload(opts.Path, opts.MinBytes)
	if err != nil {
		return false, err
	}
	if !need {
		logger.Debugw("model already present", "path", opts.Path)
		return false, nil
	}
	if opts.URL == "" {
		return false, errors.Wrap(ErrNoSource, opts.Path)
	}

	src, mode, err := newSource(opts)
	if err != nil {
		return false, err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	logger.Infow("Downloading model...", "url", redact(opts.URL), "mode", mode, "path", opts.Path)
	start := time.Now()

	var b backoff.BackOff = backoff.NewExponentialBackOff()
	b = backoff.WithMaxRetries(b, uint64(max(opts.Retries, 0)))
	b = backoff.WithContext(b, ctx)

	var size int64
	attempt := 0
	err = backoff.RetryNotify(func() error {
		attempt++
		n, err := download(ctx, src, opts)
		size = n
		return err
	}, b, func(err error, wait time.Duration) {
		logger.Warnw("model download attempt failed", "attempt", attempt, "retry_in", wait, "error", err)
	})
	if err != nil {
		return false, err
	}

	logger.Infow("Model downloaded successfully.", "path", opts.Path, "bytes", size, "elapsed", time.Since(start))
	return true, nil
}

// download fetches into a temp file beside opts.Path, validates it and renames it
// into place so a partial download is never mistaken for the model.
func download(ctx context.Context, src source, opts Options) (int64, error) {
	dir := filepath.Dir(opts.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, backoff.Permanent(errors.Wrapf(err, "failed to create %s", dir))
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(opts.Path)+".*.part")
	if err != nil {
		return 0, backoff.Permanent(errors.Wrap(err, "failed to create temp file"))
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := src.fetch(ctx, tmp); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, errors.Wrap(err, "failed to sync model file")
	}

	size, sum, err := digest(tmp)
	tmp.Close()
	if err != nil {
		return 0, err
	}
	if size < opts.MinBytes {
		return size, backoff.Permanent(errors.Wrapf(ErrDownloadFailed, "got %d bytes, want at least %d", size, opts.MinBytes))
	}
	if opts.SHA256 != "" && !strings.EqualFold(sum, opts.SHA256) {
		return size, backoff.Permanent(errors.Wrapf(ErrChecksum, "got %s, want %s", sum, opts.SHA256))
	}

	if err := os.Rename(tmpName, opts.Path); err != nil {
		return size, backoff.Permanent(errors.Wrap(err, "failed to move model into place"))
	}
	return size, nil
}

// Digest returns the hex SHA-256 of the file at path.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "failed to open model file")
	}
	defer f.Close()
	_, sum, err := digest(f)
	return sum, err
}

func digest(f *os.File) (int64, string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, "", errors.Wrap(err, "failed to rewind model file")
	}
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", errors.Wrap(err, "failed to hash model file")
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

func newSource(opts Options) (source, Mode, error) {
	mode := opts.Mode
	if mode == "" || mode == ModeAuto {
		mode = detectMode(opts.URL)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	switch mode {
	case ModeHTTP:
		return &httpSource{client: client, url: opts.URL}, mode, nil
	case ModeDrive:
		id, err := DriveFileID(opts.URL)
		if err != nil {
			return nil, mode, err
		}
		src, err := newDriveSource(client, id)
		return src, mode, err
	case ModeS3:
		bucket, key, err := parseS3URL(opts.URL)
		if err != nil {
			return nil, mode, err
		}
		return &s3Source{bucket: bucket, key: key}, mode, nil
	}
	return nil, mode, errors.Errorf("unknown download mode %q", mode)
}

func detectMode(raw string) Mode {
	u, err := url.Parse(raw)
	if err != nil {
		return ModeHTTP
	}
	switch {
	case u.Scheme == "s3":
		return ModeS3
	case u.Hostname() == "drive.google.com" || u.Hostname() == "drive.usercontent.google.com":
		return ModeDrive
	}
	return ModeHTTP
}

// redact drops the query string, which may carry signed credentials.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	if u.RawQuery != "" {
		u.RawQuery = "..."
	}
	return u.String()
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: status %d %s", ErrDownloadFailed, e.code, http.StatusText(e.code))
}

func (e *statusError) Unwrap() error { return ErrDownloadFailed }

// checkStatus turns a non-200 response into an error; client errors other than
// 408 and 429 are not retried.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	err := &statusError{code: resp.StatusCode}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}

type httpSource struct {
	client *http.Client
	url    string
}

func (s *httpSource) fetch(ctx context.Context, f *os.File) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return backoff.Permanent(errors.Wrap(err, "invalid model URL"))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(ErrDownloadFailed, err.Error())
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		return errors.Wrap(ErrDownloadFailed, err.Error())
	}
	return nil
}

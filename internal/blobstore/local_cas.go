package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"strata/internal/errs"
	"strata/internal/models"
)

const (
	stagingDirName = ".staging"
	hashLength     = sha256.Size * 2
)

// Options tunes a LocalCAS.
type Options struct {
	// QuarantineDir receives blobs that fail verification. Defaults to a
	// "quarantine" directory next to the tier root.
	QuarantineDir string
	// IOMBPS caps copy bandwidth in MiB/s. Zero disables throttling.
	IOMBPS int
}

// LocalCAS stores blob bytes in per-tier content-addressed trees:
// <root>/<tier>/<aa>/<sha256>.
type LocalCAS struct {
	root       string
	staging    string
	quarantine string
	limiter    *rate.Limiter
}

// NewLocalCAS creates a tiered CAS rooted at root.
func NewLocalCAS(root string, opts Options) (*LocalCAS, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("local cas root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	quarantine := strings.TrimSpace(opts.QuarantineDir)
	if quarantine == "" {
		quarantine = filepath.Join(filepath.Dir(abs), "quarantine")
	}

	dirs := []string{filepath.Join(abs, stagingDirName), quarantine}
	for _, tier := range models.Tiers {
		dirs = append(dirs, filepath.Join(abs, string(tier)))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	return &LocalCAS{
		root:       abs,
		staging:    filepath.Join(abs, stagingDirName),
		quarantine: quarantine,
		limiter:    newRateLimiter(opts.IOMBPS),
	}, nil
}

// Root returns the tier root directory.
func (c *LocalCAS) Root() string {
	return c.root
}

// Stage streams r into the staging area and computes its SHA-256.
func (c *LocalCAS) Stage(ctx context.Context, r io.Reader) (*Staged, error) {
	if c == nil {
		return nil, fmt.Errorf("blob store is not configured")
	}
	if r == nil {
		return nil, fmt.Errorf("reader is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(c.staging, "put-*")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), &limitReader{ctx: ctx, underlying: r})
	if err != nil {
		cleanup()
		return nil, err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return nil, err
	}

	return &Staged{Hash: hex.EncodeToString(h.Sum(nil)), SizeBytes: n, path: tmpPath}, nil
}

// Commit places staged content into tier. If the tier already holds the
// hash the staged copy is discarded and placed is false.
func (c *LocalCAS) Commit(staged *Staged, tier models.Tier) (placed bool, err error) {
	if staged == nil || staged.path == "" {
		return false, fmt.Errorf("staged content is required")
	}
	dst, err := c.Path(staged.Hash, tier)
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, err
	}

	if _, err := os.Stat(dst); err == nil {
		c.Discard(staged)
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}

	if err := os.Rename(staged.path, dst); err != nil {
		if _, statErr := os.Stat(dst); statErr == nil {
			c.Discard(staged)
			return false, nil
		}
		return false, err
	}
	staged.path = ""
	return true, nil
}

// Discard removes a staged copy that will not be committed.
func (c *LocalCAS) Discard(staged *Staged) {
	if staged == nil || staged.path == "" {
		return
	}
	_ = os.Remove(staged.path)
	staged.path = ""
}

// Path returns the on-disk location of hash in tier.
func (c *LocalCAS) Path(hash string, tier models.Tier) (string, error) {
	if err := validateHash(hash); err != nil {
		return "", err
	}
	if !tier.Valid() {
		return "", errs.InvalidCode(fmt.Errorf("invalid tier: %s", tier), errs.CodeInvalidTier)
	}
	return filepath.Join(c.root, string(tier), hash[0:2], hash), nil
}

// Exists reports whether tier holds hash.
func (c *LocalCAS) Exists(hash string, tier models.Tier) (bool, error) {
	path, err := c.Path(hash, tier)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Locate lists every tier that holds a physical copy of hash.
func (c *LocalCAS) Locate(hash string) ([]models.Tier, error) {
	var found []models.Tier
	for _, tier := range models.Tiers {
		ok, err := c.Exists(hash, tier)
		if err != nil {
			return nil, err
		}
		if ok {
			found = append(found, tier)
		}
	}
	return found, nil
}

// Open returns a reader for hash in tier.
func (c *LocalCAS) Open(ctx context.Context, hash string, tier models.Tier) (io.ReadCloser, error) {
	if c == nil {
		return nil, fmt.Errorf("blob store is not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := c.Path(hash, tier)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errs.NotFoundf(errs.CodeBlobNotFound, "blob %s not found in %s", hash, tier)
		}
		return nil, err
	}
	return f, nil
}

// Remove deletes the copy of hash in tier. Missing files are ignored.
func (c *LocalCAS) Remove(ctx context.Context, hash string, tier models.Tier) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := c.Path(hash, tier)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Copy moves hash from one tier to another: copy to a staging name,
// verify the digest, rename into place, then delete the source. A crash
// at any step leaves either the source or the verified copy. The copy is
// abandoned, and its staging file removed, when ctx ends.
func (c *LocalCAS) Copy(ctx context.Context, hash string, from, to models.Tier) (err error) {
	src, err := c.Path(hash, from)
	if err != nil {
		return err
	}
	dst, err := c.Path(hash, to)
	if err != nil {
		return err
	}
	if from == to {
		if _, err := os.Stat(dst); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return errs.NotFoundf(errs.CodeBlobNotFound, "blob %s not found in %s", hash, to)
			}
			return err
		}
		return nil
	}

	if _, err := os.Stat(dst); err == nil {
		// Target already committed by an earlier attempt.
		if err := os.Remove(src); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errs.NotFoundf(errs.CodeBlobNotFound, "blob %s not found in %s", hash, from)
		}
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(c.staging, "move-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	h := sha256.New()
	if _, err = io.Copy(io.MultiWriter(tmp, h), c.reader(ctx, in)); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != hash {
		err = errs.Integrity(fmt.Errorf("copy of blob %s to %s: digest mismatch (got %s)", hash, to, got))
		return err
	}
	if err = ctx.Err(); err != nil {
		return err
	}

	if err = os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err = os.Rename(tmpPath, dst); err != nil {
		return err
	}
	if rmErr := os.Remove(src); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		return rmErr
	}
	return nil
}

// Verify rehashes the copy of hash in tier.
func (c *LocalCAS) Verify(ctx context.Context, hash string, tier models.Tier) error {
	rc, err := c.Open(ctx, hash, tier)
	if err != nil {
		return err
	}
	defer rc.Close()

	h := sha256.New()
	if _, err := io.Copy(h, c.reader(ctx, rc)); err != nil {
		return err
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != hash {
		return errs.Integrity(fmt.Errorf("blob %s in %s: digest mismatch (got %s)", hash, tier, got))
	}
	return nil
}

// Quarantine moves the copy of hash in tier out of the tier tree and
// returns its new path.
func (c *LocalCAS) Quarantine(hash string, tier models.Tier) (string, error) {
	src, err := c.Path(hash, tier)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(c.quarantine, fmt.Sprintf("%s.%s.%d", hash, tier, time.Now().UTC().UnixNano()))
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", errs.NotFoundf(errs.CodeBlobNotFound, "blob %s not found in %s", hash, tier)
		}
		return "", err
	}
	return dst, nil
}

// CleanStaging removes staging files last modified before cutoff.
func (c *LocalCAS) CleanStaging(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(c.staging)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return removed, err
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(c.staging, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Walk calls fn for every blob file in every tier.
func (c *LocalCAS) Walk(ctx context.Context, fn func(Object) error) error {
	for _, tier := range models.Tiers {
		tierRoot := filepath.Join(c.root, string(tier))
		err := filepath.WalkDir(tierRoot, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return nil
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			name := d.Name()
			if validateHash(name) != nil {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return nil
				}
				return err
			}
			return fn(Object{Hash: name, Tier: tier, SizeBytes: info.Size(), Path: path, ModTime: info.ModTime()})
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Usage totals the physical objects per tier.
func (c *LocalCAS) Usage(ctx context.Context) (map[models.Tier]Usage, error) {
	out := make(map[models.Tier]Usage, len(models.Tiers))
	for _, tier := range models.Tiers {
		out[tier] = Usage{}
	}
	err := c.Walk(ctx, func(obj Object) error {
		u := out[obj.Tier]
		u.Objects++
		u.Bytes += obj.SizeBytes
		out[obj.Tier] = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ValidateHash reports whether hash is a lowercase hex SHA-256 digest.
func ValidateHash(hash string) error {
	return validateHash(hash)
}

func validateHash(hash string) error {
	if len(hash) != hashLength {
		return errs.InvalidCode(fmt.Errorf("invalid blob hash: %q", hash), errs.CodeInvalidID)
	}
	for _, r := range hash {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return errs.InvalidCode(fmt.Errorf("invalid blob hash: %q", hash), errs.CodeInvalidID)
		}
	}
	return nil
}

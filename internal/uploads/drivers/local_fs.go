package drivers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultUploadTTL = 5 * time.Minute

// LocalFSDriver implements StorageDriver for local disk with directory hashing.
// Uploads are received by the server itself through signed PUT URLs.
type LocalFSDriver struct {
	BaseDir   string
	PublicURL string
	secret    []byte
}

// uploadClaims authorize a single PUT of one key.
type uploadClaims struct {
	Key string `json:"key"`
	jwt.RegisteredClaims
}

// NewLocalFSDriver creates a new LocalFSDriver.
// baseDir is where files will be stored.
// publicURL is the base of the file routes (e.g., /api/files).
// secret signs upload URLs.
func NewLocalFSDriver(baseDir, publicURL string, secret []byte) (*LocalFSDriver, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	if len(secret) == 0 {
		return nil, errors.New("upload signing secret is empty")
	}
	return &LocalFSDriver{BaseDir: baseDir, PublicURL: strings.TrimSuffix(publicURL, "/"), secret: secret}, nil
}

// getHashedPath generates a two-level deep path for a key to avoid flat directory issues.
func (d *LocalFSDriver) getHashedPath(key string) string {
	if len(key) < 4 {
		return key
	}
	return filepath.Join(key[0:2], key[2:4], key)
}

func (d *LocalFSDriver) fullPath(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.HasSuffix(key, ".meta") || key == "." || key == ".." {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(d.BaseDir, d.getHashedPath(key)), nil
}

func (d *LocalFSDriver) Save(ctx context.Context, key string, body io.Reader, contentType string) error {
	fullPath, err := d.fullPath(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create hashed directory: %w", err)
	}

	file, err := os.Create(fullPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(file, body); err != nil {
		file.Close()
		os.Remove(fullPath)
		return fmt.Errorf("failed to save file content: %w", err)
	}

	// content type sidecar
	if err := os.WriteFile(fullPath+".meta", []byte(contentType), 0644); err != nil {
		os.Remove(fullPath)
		return fmt.Errorf("failed to save metadata: %w", err)
	}
	return nil
}

func (d *LocalFSDriver) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	fullPath, err := d.fullPath(key)
	if err != nil {
		return nil, "", err
	}
	f, err := os.Open(fullPath)
	if err != nil {
		return nil, "", err
	}

	contentType := "application/octet-stream"
	if metaBytes, err := os.ReadFile(fullPath + ".meta"); err == nil {
		contentType = string(metaBytes)
	}
	return f, contentType, nil
}

func (d *LocalFSDriver) Delete(ctx context.Context, key string) error {
	fullPath, err := d.fullPath(key)
	if err != nil {
		return err
	}
	os.Remove(fullPath + ".meta")
	err = os.Remove(fullPath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// GenerateURL links to the download route. Local files do not expire.
func (d *LocalFSDriver) GenerateURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	if d.PublicURL == "" {
		return key, nil
	}
	return fmt.Sprintf("%s/%s", d.PublicURL, url.PathEscape(key)), nil
}

// PresignUpload returns a URL on the local upload route carrying a token
// that authorizes one key until it expires.
func (d *LocalFSDriver) PresignUpload(ctx context.Context, key, contentType string, expires time.Duration) (string, error) {
	if _, err := d.fullPath(key); err != nil {
		return "", err
	}
	if expires <= 0 {
		expires = defaultUploadTTL
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, uploadClaims{
		Key: key,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expires)),
		},
	})
	signed, err := token.SignedString(d.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign upload token: %w", err)
	}
	return fmt.Sprintf("%s/local/%s?token=%s", d.PublicURL, url.PathEscape(key), url.QueryEscape(signed)), nil
}

// VerifyUpload checks that token was issued by PresignUpload for key and has
// not expired.
func (d *LocalFSDriver) VerifyUpload(key, token string) error {
	claims := &uploadClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return d.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return err
	}
	if !parsed.Valid || claims.Key != key {
		return errors.New("token does not match key")
	}
	return nil
}

// List walks the hashed directory that holds prefix and returns the keys
// beginning with it. Prefixes shorter than the hash depth scan the whole tree.
func (d *LocalFSDriver) List(ctx context.Context, prefix string) (*ListResult, error) {
	root := d.BaseDir
	if len(prefix) >= 4 {
		root = filepath.Join(d.BaseDir, prefix[0:2], prefix[2:4])
	}

	items := []string{}
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		name := entry.Name()
		if entry.IsDir() || strings.HasSuffix(name, ".meta") || !strings.HasPrefix(name, prefix) {
			return nil
		}
		items = append(items, name)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %q: %w", prefix, err)
	}

	sort.Strings(items)
	return &ListResult{KeyCount: len(items), Items: items}, nil
}

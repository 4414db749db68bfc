package r2s3

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	sigV4Algorithm = "AWS4-HMAC-SHA256"
	sigV4Region    = "auto"
	sigV4Service   = "s3"

	// metaSHA256 carries the payload hash so a later HEAD can tell whether
	// the remote copy of a record is current.
	metaSHA256 = "x-amz-meta-sha256"
)

// Client talks to an S3-compatible bucket (R2, MinIO) with SigV4
// path-style requests.
type Client struct {
	endpoint   string
	bucket     string
	creds      credentials
	httpClient *http.Client
	now        func() time.Time
}

type credentials struct {
	accessKeyID     string
	secretAccessKey string
}

// ObjectInfo is what HeadObject learns about a remote object.
type ObjectInfo struct {
	Exists bool
	Size   int64
	SHA256 string
}

func New(endpoint, bucket, accessKeyID, secretAccessKey string) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	bucket = strings.TrimSpace(bucket)
	creds := credentials{strings.TrimSpace(accessKeyID), strings.TrimSpace(secretAccessKey)}
	if endpoint == "" || bucket == "" || creds.accessKeyID == "" || creds.secretAccessKey == "" {
		return nil, errors.New("r2s3: endpoint, bucket, access key and secret key are required")
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("r2s3: parse endpoint: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("r2s3: invalid endpoint %q", endpoint)
	}
	return &Client{
		endpoint:   strings.TrimRight(u.String(), "/"),
		bucket:     bucket,
		creds:      creds,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		now:        time.Now,
	}, nil
}

// PutFile uploads a local record file.
func (c *Client) PutFile(ctx context.Context, objectKey, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.IsDir() {
		return fmt.Errorf("r2s3: %s is a directory", localPath)
	}
	return c.PutObject(ctx, objectKey, f, st.Size(), contentTypeFor(localPath))
}

// PutObject uploads size bytes from body and tags the object with their
// sha256.
func (c *Client) PutObject(ctx context.Context, objectKey string, body io.ReadSeeker, size int64, contentType string) error {
	hash, err := readerSHA256Hex(body)
	if err != nil {
		return err
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPut, objectKey, io.NopCloser(body))
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = size
	c.sign(req, hash, map[string]string{metaSHA256: hash})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		return nil
	}
	return statusError("put", objectKey, resp)
}

// HeadObject reports whether objectKey exists and the hash it was uploaded
// with. A missing object is not an error.
func (c *Client) HeadObject(ctx context.Context, objectKey string) (ObjectInfo, error) {
	req, err := c.newRequest(ctx, http.MethodHead, objectKey, nil)
	if err != nil {
		return ObjectInfo{}, err
	}
	c.sign(req, emptySHA256, nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ObjectInfo{}, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ObjectInfo{}, nil
	case resp.StatusCode/100 != 2:
		return ObjectInfo{}, statusError("head", objectKey, resp)
	}
	size := resp.ContentLength
	if size < 0 {
		size, _ = strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	}
	return ObjectInfo{Exists: true, Size: size, SHA256: resp.Header.Get(metaSHA256)}, nil
}

func (c *Client) newRequest(ctx context.Context, method, objectKey string, body io.ReadCloser) (*http.Request, error) {
	key := normalizeObjectKey(objectKey)
	if key == "" {
		return nil, fmt.Errorf("r2s3: invalid object key %q", objectKey)
	}
	var rd io.Reader
	if body != nil {
		rd = body
	}
	return http.NewRequestWithContext(ctx, method, c.endpoint+"/"+c.bucket+"/"+escapePath(key), rd)
}

func statusError(op, key string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	return fmt.Errorf("r2s3: %s %s status=%d body=%s", op, key, resp.StatusCode, strings.TrimSpace(string(b)))
}

// sign adds SigV4 headers. Every x-amz-* header must be signed, so extra
// amz headers are set here rather than by the caller.
func (c *Client) sign(req *http.Request, payloadHash string, amz map[string]string) {
	now := c.now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")

	headers := map[string]string{
		"host":                 req.URL.Host,
		"x-amz-content-sha256": payloadHash,
		"x-amz-date":           amzDate,
	}
	for k, v := range amz {
		headers[strings.ToLower(k)] = v
	}
	names := make([]string, 0, len(headers))
	for k, v := range headers {
		names = append(names, k)
		if k != "host" {
			req.Header.Set(k, v)
		}
	}
	sort.Strings(names)

	var canonicalHeaders strings.Builder
	for _, k := range names {
		canonicalHeaders.WriteString(k + ":" + strings.TrimSpace(headers[k]) + "\n")
	}
	signedHeaders := strings.Join(names, ";")
	canonicalRequest := strings.Join([]string{
		req.Method,
		req.URL.EscapedPath(),
		req.URL.RawQuery,
		canonicalHeaders.String(),
		signedHeaders,
		payloadHash,
	}, "\n")

	scope := dateStamp + "/" + sigV4Region + "/" + sigV4Service + "/aws4_request"
	stringToSign := sigV4Algorithm + "\n" + amzDate + "\n" + scope + "\n" + sha256Hex([]byte(canonicalRequest))
	signature := hex.EncodeToString(hmacSHA256(signingKey(c.creds.secretAccessKey, dateStamp), []byte(stringToSign)))
	req.Header.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		sigV4Algorithm, c.creds.accessKeyID, scope, signedHeaders, signature))
}

var emptySHA256 = sha256Hex(nil)

func contentTypeFor(p string) string {
	switch path.Ext(p) {
	case ".yml", ".yaml":
		return "application/yaml"
	case ".zst":
		return "application/zstd"
	}
	return "application/octet-stream"
}

// normalizeObjectKey cleans key and rejects anything escaping the bucket
// root.
func normalizeObjectKey(key string) string {
	key = strings.TrimSpace(strings.ReplaceAll(key, "\\", "/"))
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return ""
		}
	}
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean == "" || clean == "." {
		return ""
	}
	return clean
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i := range parts {
		parts[i] = url.PathEscape(parts[i])
	}
	return strings.Join(parts, "/")
}

func readerSHA256Hex(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fileSHA256Hex(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return readerSHA256Hex(f)
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func signingKey(secret, date string) []byte {
	k := hmacSHA256([]byte("AWS4"+secret), []byte(date))
	k = hmacSHA256(k, []byte(sigV4Region))
	k = hmacSHA256(k, []byte(sigV4Service))
	return hmacSHA256(k, []byte("aws4_request"))
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	_, _ = h.Write(data)
	return h.Sum(nil)
}

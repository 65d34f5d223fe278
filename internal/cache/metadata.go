package cache

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/magiconair/properties"

	"github.com/any-hub/webstart-cache/internal/version"
)

// sidecar 键名，文件采用 Java properties 文本格式，便于人工查看。
const (
	keyHref          = "href"
	keyVersion       = "version"
	keyContentLength = "content-length"
	keyContentType   = "content-type"
	keyLastModified  = "last-modified"
	keyETag          = "etag"
	keySHA256        = "sha256"
	keyDownloadedAt  = "downloaded-at"
	keyLastValidated = "last-validated"
)

func infoPath(artifact string) string {
	return artifact + infoSuffix
}

// isMissing 把路径中间出现普通文件（ENOTDIR）也视为不存在。
func isMissing(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

// readSidecar 读取 .info 文件并还原 Entry（不校验正文）。
func readSidecar(artifact string) (*Entry, error) {
	data, err := os.ReadFile(infoPath(artifact))
	if err != nil {
		if isMissing(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("cache: read sidecar: %w", err)
	}
	loader := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	p, err := loader.LoadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("cache: parse sidecar: %w", err)
	}

	entry := &Entry{
		URL:       p.GetString(keyHref, ""),
		FilePath:  artifact,
		SizeBytes: p.GetInt64(keyContentLength, -1),
		Metadata: Metadata{
			ContentType:   p.GetString(keyContentType, ""),
			ETag:          p.GetString(keyETag, ""),
			SHA256:        p.GetString(keySHA256, ""),
			LastModified:  parseTime(p.GetString(keyLastModified, "")),
			DownloadedAt:  parseTime(p.GetString(keyDownloadedAt, "")),
			LastValidated: parseTime(p.GetString(keyLastValidated, "")),
		},
	}
	if raw := p.GetString(keyVersion, ""); raw != "" {
		v, err := version.ParseID(raw)
		if err != nil {
			return nil, fmt.Errorf("cache: sidecar version: %w", err)
		}
		entry.Version = v
	}
	return entry, nil
}

// writeSidecar 通过临时文件 + rename 原子替换 .info 文件。
func writeSidecar(entry *Entry) error {
	p := properties.NewProperties()
	p.DisableExpansion = true
	set := func(key, value string) {
		if value != "" {
			_, _, _ = p.Set(key, value)
		}
	}
	set(keyHref, entry.URL)
	set(keyVersion, entry.Version.String())
	set(keyContentLength, fmt.Sprintf("%d", entry.SizeBytes))
	set(keyContentType, entry.ContentType)
	set(keyLastModified, formatTime(entry.LastModified))
	set(keyETag, entry.ETag)
	set(keySHA256, entry.SHA256)
	set(keyDownloadedAt, formatTime(entry.DownloadedAt))
	set(keyLastValidated, formatTime(entry.LastValidated))

	var buf bytes.Buffer
	if _, err := p.Write(&buf, properties.UTF8); err != nil {
		return fmt.Errorf("cache: encode sidecar: %w", err)
	}

	target := infoPath(entry.FilePath)
	tmp, err := os.CreateTemp(filepath.Dir(target), ".info-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, err = tmp.Write(buf.Bytes())
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

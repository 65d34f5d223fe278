package cache

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/any-hub/webstart-cache/internal/version"
)

const (
	maxSegmentLen     = 64
	unversionedDir    = "unversioned"
	infoSuffix        = ".info"
	entryLockName     = ".lock"
	instanceLockName  = "instance.lock"
	defaultArtifactID = "index"
)

// layout 描述一个 URL 在磁盘上的目录与文件名。
type layout struct {
	resourceDir string // 同一 URL 所有版本的父目录
	name        string // 正文文件名
}

func (l layout) entryDir(v version.ID) string {
	return filepath.Join(l.resourceDir, versionSegment(v))
}

// resolveLayout 将 URL 映射为缓存目录。返回路径保证位于 root 之下。
func resolveLayout(root, rawURL string) (layout, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return layout{}, fmt.Errorf("cache: parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return layout{}, errors.New("cache: url must be absolute")
	}

	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" {
		host += "_" + port
	}

	cleaned := strings.TrimPrefix(path.Clean("/"+u.Path), "/")
	var segments []string
	if cleaned != "" {
		segments = strings.Split(cleaned, "/")
	}
	name := defaultArtifactID
	if len(segments) > 0 {
		name = segments[len(segments)-1]
	}
	if u.RawQuery != "" {
		name = fmt.Sprintf("%s@%016x", name, xxhash.Sum64String(u.RawQuery))
		if len(segments) > 0 {
			segments[len(segments)-1] = name
		} else {
			segments = append(segments, name)
		}
	}

	parts := make([]string, 0, len(segments)+3)
	parts = append(parts, root, safeSegment(strings.ToLower(u.Scheme)), safeSegment(host))
	for _, seg := range segments {
		parts = append(parts, safeSegment(seg))
	}
	if len(segments) == 0 {
		parts = append(parts, defaultArtifactID)
	}

	dir := filepath.Join(parts...)
	if !strings.HasPrefix(dir, filepath.Clean(root)+string(filepath.Separator)) {
		return layout{}, errors.New("cache: invalid cache path")
	}
	return layout{resourceDir: dir, name: safeSegment(name)}, nil
}

func versionSegment(v version.ID) string {
	if v.IsZero() {
		return unversionedDir
	}
	return safeSegment(v.String())
}

// safeSegment 保留可读的路径片段，过长或含非法字符时替换为 xxhash 令牌。
func safeSegment(seg string) string {
	if seg == "" || seg == "." || seg == ".." || len(seg) > maxSegmentLen || strings.HasPrefix(seg, ".") ||
		strings.ContainsAny(seg, `\/:*?"<>|`) || seg == unversionedDir || strings.HasSuffix(seg, infoSuffix) {
		return fmt.Sprintf("h%016x", xxhash.Sum64String(seg))
	}
	for _, r := range seg {
		if r < 0x20 || r == 0x7f {
			return fmt.Sprintf("h%016x", xxhash.Sum64String(seg))
		}
	}
	return seg
}

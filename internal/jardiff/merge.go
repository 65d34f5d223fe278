package jardiff

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zip"
)

// Merge 将补丁应用到旧 JAR 并把新 JAR 写入 out。
// 输出顺序固定：补丁中的新内容、重命名条目、未改动的旧条目，同样的输入总是得到相同的字节。
func Merge(old *zip.Reader, patch *zip.Reader, out io.Writer) error {
	ix, err := readIndex(patch)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(out)
	written := make(map[string]struct{})

	for _, f := range patch.File {
		if f.Name == IndexName {
			continue
		}
		if err := zw.Copy(f); err != nil {
			return fmt.Errorf("jardiff: add %s: %w", f.Name, err)
		}
		written[f.Name] = struct{}{}
	}

	oldByName := make(map[string]*zip.File, len(old.File))
	for _, f := range old.File {
		oldByName[f.Name] = f
	}
	for _, m := range ix.Moves {
		src, ok := oldByName[m.From]
		if !ok {
			return fmt.Errorf("%w: moved entry %q not found in original jar", ErrInvalidPatch, m.From)
		}
		if _, dup := written[m.To]; dup {
			return fmt.Errorf("%w: move target %q already present in patch", ErrInvalidPatch, m.To)
		}
		if err := copyAs(zw, src, m.To); err != nil {
			return err
		}
		written[m.To] = struct{}{}
	}

	for _, f := range old.File {
		if _, dup := written[f.Name]; dup || ix.removed(f.Name) || ix.movedFrom(f.Name) {
			continue
		}
		if err := zw.Copy(f); err != nil {
			return fmt.Errorf("jardiff: keep %s: %w", f.Name, err)
		}
	}
	return zw.Close()
}

// MergeFiles 是 Merge 的文件路径版本。
func MergeFiles(oldPath, patchPath string, out io.Writer) error {
	oldZip, err := zip.OpenReader(oldPath)
	if err != nil {
		return fmt.Errorf("jardiff: open original: %w", err)
	}
	defer oldZip.Close()
	patchZip, err := zip.OpenReader(patchPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPatch, err)
	}
	defer patchZip.Close()
	return Merge(&oldZip.Reader, &patchZip.Reader, out)
}

// Verify 检查 path 是否为结构完整的 zip，并逐条读取以校验 CRC。
func Verify(path string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer zr.Close()
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("jardiff: open %s: %w", f.Name, err)
		}
		_, err = io.Copy(io.Discard, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("jardiff: read %s: %w", f.Name, err)
		}
	}
	return nil
}

func readIndex(patch *zip.Reader) (*Index, error) {
	for _, f := range patch.File {
		if f.Name != IndexName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("jardiff: open index: %w", err)
		}
		defer rc.Close()
		return ParseIndex(rc)
	}
	return nil, fmt.Errorf("%w: missing %s", ErrInvalidPatch, IndexName)
}

func copyAs(zw *zip.Writer, src *zip.File, name string) error {
	header := src.FileHeader
	header.Name = name
	w, err := zw.CreateRaw(&header)
	if err != nil {
		return fmt.Errorf("jardiff: move %s: %w", src.Name, err)
	}
	raw, err := src.OpenRaw()
	if err != nil {
		return fmt.Errorf("jardiff: move %s: %w", src.Name, err)
	}
	if _, err := io.Copy(w, raw); err != nil {
		return fmt.Errorf("jardiff: move %s: %w", src.Name, err)
	}
	return nil
}

// openFile 打开 zip 并返回 Reader 与关闭函数。
func openFile(path string) (*zip.Reader, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return zr, f.Close, nil
}

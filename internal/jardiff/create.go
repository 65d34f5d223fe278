package jardiff

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zip"
)

// Create 生成把 old 变为 newer 的补丁：内容相同的同名条目省略，
// 仅改名的条目记为 move，消失的条目记为 remove。
func Create(old, newer *zip.Reader, out io.Writer) error {
	oldByName := make(map[string]*zip.File, len(old.File))
	for _, f := range old.File {
		oldByName[f.Name] = f
	}
	newNames := make(map[string]struct{}, len(newer.File))
	for _, f := range newer.File {
		newNames[f.Name] = struct{}{}
	}

	ix := &Index{}
	movedFrom := make(map[string]struct{})
	var changed []*zip.File
	for _, f := range newer.File {
		if prev, ok := oldByName[f.Name]; ok {
			if sameContent(prev, f) {
				continue
			}
			changed = append(changed, f)
			continue
		}
		if src := findRenamed(old, f, newNames, movedFrom); src != "" {
			movedFrom[src] = struct{}{}
			ix.Moves = append(ix.Moves, Move{From: src, To: f.Name})
			continue
		}
		changed = append(changed, f)
	}
	for _, f := range old.File {
		if _, kept := newNames[f.Name]; kept {
			continue
		}
		if _, moved := movedFrom[f.Name]; moved {
			continue
		}
		ix.Removed = append(ix.Removed, f.Name)
	}

	zw := zip.NewWriter(out)
	w, err := zw.Create(IndexName)
	if err != nil {
		return fmt.Errorf("jardiff: write index: %w", err)
	}
	if _, err := ix.WriteTo(w); err != nil {
		return fmt.Errorf("jardiff: write index: %w", err)
	}
	for _, f := range changed {
		if err := zw.Copy(f); err != nil {
			return fmt.Errorf("jardiff: add %s: %w", f.Name, err)
		}
	}
	return zw.Close()
}

// CreateFiles 是 Create 的文件路径版本。
func CreateFiles(oldPath, newPath string, out io.Writer) error {
	oldZip, closeOld, err := openFile(oldPath)
	if err != nil {
		return fmt.Errorf("jardiff: open original: %w", err)
	}
	defer closeOld()
	newZip, closeNew, err := openFile(newPath)
	if err != nil {
		return fmt.Errorf("jardiff: open target: %w", err)
	}
	defer closeNew()
	return Create(oldZip, newZip, out)
}

func sameContent(a, b *zip.File) bool {
	return a.CRC32 == b.CRC32 && a.UncompressedSize64 == b.UncompressedSize64
}

func findRenamed(old *zip.Reader, target *zip.File, newNames, used map[string]struct{}) string {
	for _, f := range old.File {
		if _, stillThere := newNames[f.Name]; stillThere {
			continue
		}
		if _, taken := used[f.Name]; taken {
			continue
		}
		if sameContent(f, target) {
			return f.Name
		}
	}
	return ""
}

package jardiff

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// IndexName 是补丁包内索引文件的路径。
	IndexName     = "META-INF/INDEX.JD"
	indexVersion  = "version 1.0"
	removeKeyword = "remove"
	moveKeyword   = "move"
)

// ErrInvalidPatch 表示补丁包结构或索引非法。
var ErrInvalidPatch = errors.New("jardiff: invalid patch")

// Move 描述一次条目重命名。
type Move struct {
	From string
	To   string
}

// Index 是解析后的 INDEX.JD。
type Index struct {
	Removed []string
	Moves   []Move
}

func (ix *Index) removed(name string) bool {
	for _, r := range ix.Removed {
		if r == name {
			return true
		}
	}
	return false
}

func (ix *Index) movedFrom(name string) bool {
	for _, m := range ix.Moves {
		if m.From == name {
			return true
		}
	}
	return false
}

// ParseIndex 读取索引内容，首行必须是 "version 1.0"。
func ParseIndex(r io.Reader) (*Index, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != indexVersion {
		return nil, fmt.Errorf("%w: index is not jardiff %s", ErrInvalidPatch, indexVersion)
	}

	ix := &Index{}
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, removeKeyword+" "):
			name := unescape(strings.TrimSpace(strings.TrimPrefix(line, removeKeyword)))
			ix.Removed = append(ix.Removed, name)
		case strings.HasPrefix(line, moveKeyword+" "):
			from, to, ok := splitMove(strings.TrimSpace(strings.TrimPrefix(line, moveKeyword)))
			if !ok {
				return nil, fmt.Errorf("%w: bad move directive %q", ErrInvalidPatch, line)
			}
			ix.Moves = append(ix.Moves, Move{From: from, To: to})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("jardiff: read index: %w", err)
	}
	return ix, nil
}

// splitMove 在第一个未转义的空白处切分。
func splitMove(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' {
			i++
			continue
		}
		if s[i] == ' ' || s[i] == '\t' {
			from, to := unescape(s[:i]), unescape(strings.TrimSpace(s[i+1:]))
			if from == "" || to == "" {
				return "", "", false
			}
			return from, to, true
		}
	}
	return "", "", false
}

func unescape(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}

func escape(s string) string {
	return strings.ReplaceAll(s, " ", `\ `)
}

// WriteTo 以 INDEX.JD 格式输出。
func (ix *Index) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	b.WriteString(indexVersion + "\n")
	for _, name := range ix.Removed {
		fmt.Fprintf(&b, "%s %s\n", removeKeyword, escape(name))
	}
	for _, m := range ix.Moves {
		fmt.Fprintf(&b, "%s %s %s\n", moveKeyword, escape(m.From), escape(m.To))
	}
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

package version

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmpty 表示输入为空或只包含空白字符。
var ErrEmpty = errors.New("version: empty input")

// ID 是不可变的版本标识，例如 1.4.2_01 或 2.0-beta。
// 组件按 '.'、'-'、'_' 切分；纯数字组件按整数比较，其余按字典序比较。
type ID struct {
	raw   string
	parts []component
}

type component struct {
	text    string
	numeric bool
}

var zeroComponent = component{text: "0", numeric: true}

// ParseID 解析单个版本标识，不接受空白、'&' 或尾部修饰符。
func ParseID(s string) (ID, error) {
	if strings.TrimSpace(s) == "" {
		return ID{}, ErrEmpty
	}
	if strings.ContainsAny(s, " \t\r\n&") {
		return ID{}, fmt.Errorf("version: invalid id %q", s)
	}
	if last := s[len(s)-1]; last == '+' || last == '*' {
		return ID{}, fmt.Errorf("version: id %q carries a range modifier", s)
	}

	tokens := strings.FieldsFunc(s, isSeparator)
	if len(tokens) == 0 {
		return ID{}, fmt.Errorf("version: id %q has no components", s)
	}
	parts := make([]component, len(tokens))
	for i, tok := range tokens {
		parts[i] = newComponent(tok)
	}
	return ID{raw: s, parts: parts}, nil
}

// MustParseID 与 ParseID 相同，解析失败时 panic，仅用于常量与测试。
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func isSeparator(r rune) bool {
	return r == '.' || r == '-' || r == '_'
}

func newComponent(tok string) component {
	for _, r := range tok {
		if r < '0' || r > '9' {
			return component{text: tok}
		}
	}
	trimmed := strings.TrimLeft(tok, "0")
	if trimmed == "" {
		trimmed = "0"
	}
	return component{text: trimmed, numeric: true}
}

// String 返回解析前的原始文本，保证 ParseID(id.String()) 与 id 相等。
func (id ID) String() string {
	return id.raw
}

// IsZero 表示该 ID 未经解析（零值）。
func (id ID) IsZero() bool {
	return len(id.parts) == 0
}

// Compare 返回 -1/0/1。较短的一方按 "0" 补齐；同一位置上数字组件大于字符串组件。
func (id ID) Compare(other ID) int {
	n := max(len(id.parts), len(other.parts))
	for i := 0; i < n; i++ {
		if c := compareComponent(id.at(i), other.at(i)); c != 0 {
			return c
		}
	}
	return 0
}

// Equal 按补齐后的组件逐一比较，因此 1.0 与 1.0.0 相等。
func (id ID) Equal(other ID) bool {
	return id.Compare(other) == 0
}

// Less 便于 sort.Slice 使用。
func (id ID) Less(other ID) bool {
	return id.Compare(other) < 0
}

// hasPrefix 判断 id 的前 len(prefix) 个组件是否与 prefix 相同（不足时补 "0"）。
func (id ID) hasPrefix(prefix ID) bool {
	for i := range prefix.parts {
		if compareComponent(id.at(i), prefix.parts[i]) != 0 {
			return false
		}
	}
	return true
}

// truncate 返回补齐/截断到 n 个组件后的副本，仅用于比较。
func (id ID) truncate(n int) ID {
	parts := make([]component, n)
	for i := range parts {
		parts[i] = id.at(i)
	}
	return ID{raw: id.raw, parts: parts}
}

func (id ID) at(i int) component {
	if i < len(id.parts) {
		return id.parts[i]
	}
	return zeroComponent
}

func compareComponent(a, b component) int {
	switch {
	case a.numeric && b.numeric:
		if len(a.text) != len(b.text) {
			if len(a.text) < len(b.text) {
				return -1
			}
			return 1
		}
		return strings.Compare(a.text, b.text)
	case a.numeric:
		return 1
	case b.numeric:
		return -1
	default:
		return strings.Compare(a.text, b.text)
	}
}

// MarshalText 使 ID 在 JSON 中以原始文本出现。
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.raw), nil
}

// UnmarshalText 解析 JSON/TOML 中的版本文本。
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

package version

import (
	"fmt"
	"sort"
	"strings"
)

type modifier byte

const (
	modExact  modifier = 0
	modOrMore modifier = '+'
	modPrefix modifier = '*'
)

// simpleRange 是单个 ID 加可选修饰符：无修饰为精确匹配，'+' 为大于等于，'*' 为前缀匹配。
type simpleRange struct {
	base ID
	mod  modifier
}

func (r simpleRange) contains(id ID) bool {
	switch r.mod {
	case modOrMore:
		return id.Compare(r.base) >= 0
	case modPrefix:
		return id.hasPrefix(r.base)
	default:
		return id.Equal(r.base)
	}
}

func (r simpleRange) admitsGreaterThan(id ID) bool {
	switch r.mod {
	case modOrMore:
		return true
	case modPrefix:
		return r.base.Compare(id.truncate(len(r.base.parts))) >= 0
	default:
		return r.base.Compare(id) > 0
	}
}

// Range 是以 '&' 连接的一组 simpleRange 的交集。
type Range struct {
	parts []simpleRange
}

// Contains 要求 id 同时满足所有子区间。
func (r Range) Contains(id ID) bool {
	for _, p := range r.parts {
		if !p.contains(id) {
			return false
		}
	}
	return true
}

// String 是以空白分隔的 Range 并集，例如 "1.4+ 2.0*" 或 "1.0+&1.5*"。
type String struct {
	raw    string
	ranges []Range
}

// ParseString 解析版本约束字符串。
func ParseString(s string) (String, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return String{}, ErrEmpty
	}

	ranges := make([]Range, 0, len(fields))
	for _, field := range fields {
		rng, err := parseRange(field)
		if err != nil {
			return String{}, fmt.Errorf("version: invalid constraint %q: %w", s, err)
		}
		ranges = append(ranges, rng)
	}
	return String{raw: s, ranges: ranges}, nil
}

// MustParseString 与 ParseString 相同，失败时 panic。
func MustParseString(s string) String {
	vs, err := ParseString(s)
	if err != nil {
		panic(err)
	}
	return vs
}

func parseRange(field string) (Range, error) {
	pieces := strings.Split(field, "&")
	parts := make([]simpleRange, 0, len(pieces))
	for _, piece := range pieces {
		mod := modExact
		if n := len(piece); n > 0 && (piece[n-1] == '+' || piece[n-1] == '*') {
			mod = modifier(piece[n-1])
			piece = piece[:n-1]
		}
		id, err := ParseID(piece)
		if err != nil {
			return Range{}, err
		}
		parts = append(parts, simpleRange{base: id, mod: mod})
	}
	return Range{parts: parts}, nil
}

// String 返回原始文本。
func (vs String) String() string {
	return vs.raw
}

// IsZero 表示约束未设置。
func (vs String) IsZero() bool {
	return len(vs.ranges) == 0
}

// Contains 判断 id 是否落在任一 Range 内。
func (vs String) Contains(id ID) bool {
	for _, r := range vs.ranges {
		if r.Contains(id) {
			return true
		}
	}
	return false
}

// IsExact 表示约束只包含一个不带修饰符的 ID。
func (vs String) IsExact() bool {
	return len(vs.ranges) == 1 && len(vs.ranges[0].parts) == 1 && vs.ranges[0].parts[0].mod == modExact
}

// Exact 在 IsExact 为真时返回该精确版本。
func (vs String) Exact() (ID, bool) {
	if !vs.IsExact() {
		return ID{}, false
	}
	return vs.ranges[0].parts[0].base, true
}

// ContainsGreaterThan 判断约束是否可能接受比 id 更新的版本。
// 交集区间要求每个子区间都允许更新的版本。
func (vs String) ContainsGreaterThan(id ID) bool {
	for _, r := range vs.ranges {
		ok := true
		for _, p := range r.parts {
			if !p.admitsGreaterThan(id) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// Best 返回 candidates 中满足约束的最高版本。
func (vs String) Best(candidates []ID) (ID, bool) {
	matched := make([]ID, 0, len(candidates))
	for _, c := range candidates {
		if vs.Contains(c) {
			matched = append(matched, c)
		}
	}
	if len(matched) == 0 {
		return ID{}, false
	}
	sort.Slice(matched, func(i, j int) bool { return matched[j].Less(matched[i]) })
	return matched[0], true
}

// MarshalText 使约束在 JSON 中以原始文本出现。
func (vs String) MarshalText() ([]byte, error) {
	return []byte(vs.raw), nil
}

// UnmarshalText 允许空字符串，表示不带版本约束。
func (vs *String) UnmarshalText(text []byte) error {
	if strings.TrimSpace(string(text)) == "" {
		*vs = String{}
		return nil
	}
	parsed, err := ParseString(string(text))
	if err != nil {
		return err
	}
	*vs = parsed
	return nil
}

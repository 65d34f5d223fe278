package version

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseIDRoundTrip(t *testing.T) {
	for _, raw := range []string{"1", "1.0", "1.4.2_01", "2.0-beta", "10.0.0.7", "007"} {
		id, err := ParseID(raw)
		if err != nil {
			t.Fatalf("解析 %q 失败: %v", raw, err)
		}
		again, err := ParseID(id.String())
		if err != nil {
			t.Fatalf("二次解析 %q 失败: %v", id.String(), err)
		}
		if !again.Equal(id) || again.String() != raw {
			t.Fatalf("round trip 不一致: %q -> %q", raw, again.String())
		}
	}
}

func TestParseIDRejectsInvalid(t *testing.T) {
	for _, raw := range []string{"", "   ", "1.0 2.0", "1.0&2.0", "1.0+", "1.0*", "..."} {
		if _, err := ParseID(raw); err == nil {
			t.Fatalf("%q 应解析失败", raw)
		}
	}
}

func TestCompareOrdering(t *testing.T) {
	testCases := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0.0", 0},
		{"1.0", "1.0.1", -1},
		{"1.10", "1.9", 1},
		{"1.0-beta", "1.0-alpha", 1},
		{"1.0.1", "1.0-beta", 1},
		{"1.2", "1.2-rc1", 1},
		{"2", "10", -1},
		{"01.2", "1.2", 0},
		{"123456789012345678901234567890", "123456789012345678901234567891", -1},
	}
	for _, tc := range testCases {
		got := MustParseID(tc.a).Compare(MustParseID(tc.b))
		if got != tc.want {
			t.Fatalf("Compare(%s, %s) = %d, 期望 %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestSortByCompare(t *testing.T) {
	raw := []string{"1.10", "1.2", "1.2-rc1", "1.9.9", "1.0"}
	ids := make([]ID, len(raw))
	for i, r := range raw {
		ids[i] = MustParseID(r)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	got := make([]string, len(ids))
	for i, id := range ids {
		got[i] = id.String()
	}
	want := []string{"1.0", "1.2-rc1", "1.2", "1.9.9", "1.10"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("排序结果不符 (-want +got):\n%s", diff)
	}
}

func TestStringContains(t *testing.T) {
	testCases := []struct {
		constraint string
		id         string
		want       bool
	}{
		{"1.0+", "1.0", true},
		{"1.0+", "0.9", false},
		{"1.0+", "2.5", true},
		{"1.2*", "1.2.7", true},
		{"1.2*", "1.2", true},
		{"1.2*", "1.3", false},
		{"1.0", "1.0.0", true},
		{"1.0", "1.0.1", false},
		{"1.0 1.5", "1.5", true},
		{"1.0 1.5", "1.2", false},
		{"1.0+&1.5*", "1.2", false},
		{"1.2+&1*", "1.7", true},
		{"1.2+&1*", "2.0", false},
	}
	for _, tc := range testCases {
		vs := MustParseString(tc.constraint)
		if got := vs.Contains(MustParseID(tc.id)); got != tc.want {
			t.Fatalf("%q.Contains(%s) = %v, 期望 %v", tc.constraint, tc.id, got, tc.want)
		}
	}
}

func TestStringRoundTripAndExact(t *testing.T) {
	for _, raw := range []string{"1.0", "1.0+", "1.2* 2.0+", "1.0+&1.5*"} {
		vs := MustParseString(raw)
		if vs.String() != raw {
			t.Fatalf("String() 应返回原文, got %q", vs.String())
		}
	}

	if !MustParseString("1.4.2").IsExact() {
		t.Fatalf("1.4.2 应为精确版本")
	}
	for _, raw := range []string{"1.4+", "1.4*", "1.4 1.5", "1.4&1.4"} {
		if MustParseString(raw).IsExact() {
			t.Fatalf("%q 不应视为精确版本", raw)
		}
	}
	if id, ok := MustParseString("2.1").Exact(); !ok || id.String() != "2.1" {
		t.Fatalf("Exact 返回异常: %v %v", id, ok)
	}
}

func TestStringRejectsInvalid(t *testing.T) {
	for _, raw := range []string{"", "  ", "1.0&", "+", "1.0++"} {
		if _, err := ParseString(raw); err == nil {
			t.Fatalf("%q 应解析失败", raw)
		}
	}
}

func TestContainsGreaterThan(t *testing.T) {
	testCases := []struct {
		constraint string
		id         string
		want       bool
	}{
		{"1.0+", "9.9", true},
		{"1.5", "1.4", true},
		{"1.5", "1.5", false},
		{"1.5*", "1.5.3", true},
		{"1.5*", "1.6", false},
	}
	for _, tc := range testCases {
		if got := MustParseString(tc.constraint).ContainsGreaterThan(MustParseID(tc.id)); got != tc.want {
			t.Fatalf("%q.ContainsGreaterThan(%s) = %v, 期望 %v", tc.constraint, tc.id, got, tc.want)
		}
	}
}

func TestBestPicksHighestMatch(t *testing.T) {
	candidates := []ID{MustParseID("1.1"), MustParseID("1.3"), MustParseID("2.0"), MustParseID("1.2.9")}
	best, ok := MustParseString("1*").Best(candidates)
	if !ok || best.String() != "1.3" {
		t.Fatalf("期望 1.3, got %v (ok=%v)", best, ok)
	}
	if _, ok := MustParseString("3+").Best(candidates); ok {
		t.Fatalf("没有候选时应返回 false")
	}
}

func TestUnmarshalText(t *testing.T) {
	var vs String
	if err := vs.UnmarshalText([]byte("")); err != nil || !vs.IsZero() {
		t.Fatalf("空文本应得到零值: %v", err)
	}
	if err := vs.UnmarshalText([]byte("1.0+")); err != nil || vs.String() != "1.0+" {
		t.Fatalf("解析失败: %v", err)
	}
	var id ID
	if err := id.UnmarshalText([]byte("1.0*")); err == nil {
		t.Fatalf("ID 不应接受修饰符")
	}
}

package transport

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

type trackedBody struct {
	io.Reader
	closed bool
}

func (b *trackedBody) Close() error {
	b.closed = true
	return nil
}

func TestLateTimerDoesNotStallCompletedRead(t *testing.T) {
	body := &trackedBody{Reader: strings.NewReader("abcdef")}
	d := newDeadlineBody(body, time.Hour).(*deadlineBody)

	buf := make([]byte, 3)
	if n, err := d.Read(buf); err != nil || string(buf[:n]) != "abc" {
		t.Fatalf("首次读取异常: %q %v", buf[:n], err)
	}
	// 模拟第一次读取的计时器在返回后才触发
	d.expire(1)
	if body.closed {
		t.Fatalf("已完成的读取不应触发关闭")
	}
	n, err := d.Read(buf)
	if err != nil || string(buf[:n]) != "def" {
		t.Fatalf("后续读取不应被判定为停滞: %q %v", buf[:n], err)
	}
}

func TestExpireDuringReadMarksStalled(t *testing.T) {
	body := &trackedBody{Reader: strings.NewReader("abc")}
	d := newDeadlineBody(body, time.Hour).(*deadlineBody)

	d.mu.Lock()
	d.seq = 1
	d.reading = true
	d.mu.Unlock()
	d.expire(1)
	if !body.closed {
		t.Fatalf("进行中的读取超时应关闭响应体")
	}

	d.mu.Lock()
	d.reading = false
	d.mu.Unlock()
	if _, err := d.Read(make([]byte, 3)); !errors.Is(err, ErrReadStalled) {
		t.Fatalf("期望 ErrReadStalled, got %v", err)
	}
}

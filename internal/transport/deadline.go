package transport

import (
	"errors"
	"io"
	"sync"
	"time"
)

// ErrReadStalled 表示响应体在 ReadTimeout 内没有任何进展。
var ErrReadStalled = errors.New("transport: read stalled")

// deadlineBody 为每次 Read 设置计时器，超时即关闭底层连接使 Read 返回。
type deadlineBody struct {
	body    io.ReadCloser
	timeout time.Duration

	mu      sync.Mutex
	seq     uint64
	reading bool
	stalled bool
}

func newDeadlineBody(body io.ReadCloser, timeout time.Duration) io.ReadCloser {
	if timeout <= 0 || body == nil {
		return body
	}
	return &deadlineBody{body: body, timeout: timeout}
}

func (d *deadlineBody) Read(p []byte) (int, error) {
	d.mu.Lock()
	if d.stalled {
		d.mu.Unlock()
		return 0, ErrReadStalled
	}
	d.seq++
	seq := d.seq
	d.reading = true
	d.mu.Unlock()

	timer := time.AfterFunc(d.timeout, func() { d.expire(seq) })
	n, err := d.body.Read(p)
	timer.Stop()

	d.mu.Lock()
	d.reading = false
	stalled := d.stalled
	d.mu.Unlock()
	if err != nil && stalled {
		return n, ErrReadStalled
	}
	return n, err
}

// expire 只对仍在进行中的第 seq 次读取生效；已返回的读取不会被判定为停滞。
func (d *deadlineBody) expire(seq uint64) {
	d.mu.Lock()
	if !d.reading || d.seq != seq {
		d.mu.Unlock()
		return
	}
	d.stalled = true
	d.mu.Unlock()
	d.body.Close()
}

func (d *deadlineBody) Close() error {
	return d.body.Close()
}

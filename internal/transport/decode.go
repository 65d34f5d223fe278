package transport

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

// AcceptEncoding 是默认声明的可解码编码。
const AcceptEncoding = "gzip, br"

// decodeResponse 按 Content-Encoding 替换响应体为解码流，并移除长度与编码头。
func decodeResponse(resp *http.Response) error {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	if encoding == "" || encoding == "identity" || resp.Body == nil || resp.Body == http.NoBody {
		return nil
	}

	var decoded io.ReadCloser
	switch encoding {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("transport: gzip body: %w", err)
		}
		decoded = &decodedBody{Reader: zr, closers: []io.Closer{zr, resp.Body}}
	case "deflate":
		fr := flate.NewReader(resp.Body)
		decoded = &decodedBody{Reader: fr, closers: []io.Closer{fr, resp.Body}}
	case "br":
		decoded = &decodedBody{Reader: brotli.NewReader(resp.Body), closers: []io.Closer{resp.Body}}
	default:
		// 未知编码原样返回，由调用方决定
		return nil
	}

	resp.Body = decoded
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (b *decodedBody) Close() error {
	var first error
	for _, c := range b.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

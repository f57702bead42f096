package httpreq

import (
	"context"
	"io"
	"net/http"
	"os"

	"github.com/ygrebnov/loom"
)

// StreamingResponse wraps the status/headers of a request whose body is
// delivered incrementally to onChunk rather than buffered whole (spec §4.6
// Streaming & download).
type StreamingResponse struct {
	Status  int
	Headers http.Header
}

// Stream issues a request and delivers response body chunks to onChunk as
// they arrive, resolving with the response's status/headers once the body
// is fully drained (spec §4.6).
func (m *Manager) Stream(ctx context.Context, url string, onChunk func([]byte)) *loom.CancellablePromise[*StreamingResponse] {
	result := loom.NewCancellable[*StreamingResponse](m.loop)
	ctx, cancel := context.WithCancel(ctx)
	result.WithCancelHandler(cancel)

	m.track()
	go func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			m.enqueue(func() { result.Reject(&loom.HTTPError{Err: err}) })
			return
		}
		resp, err := m.client.Do(req)
		if err != nil {
			m.enqueue(func() { result.Reject(&loom.HTTPError{Err: err}) })
			return
		}
		defer resp.Body.Close()

		buf := make([]byte, 32*1024)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				m.track()
				m.enqueue(func() { onChunk(chunk) })
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				m.enqueue(func() { result.Reject(&loom.HTTPError{Status: resp.StatusCode, Err: readErr}) })
				return
			}
		}
		m.enqueue(func() {
			result.Resolve(&StreamingResponse{Status: resp.StatusCode, Headers: resp.Header})
		})
	}()

	return result
}

// Download streams a response body straight to destPath; on cancellation or
// failure the partial file is removed (spec §4.6 Streaming & download).
func (m *Manager) Download(ctx context.Context, url, destPath string) *loom.CancellablePromise[struct{}] {
	result := loom.NewCancellable[struct{}](m.loop)
	ctx, cancel := context.WithCancel(ctx)

	cleanup := func() { _ = os.Remove(destPath) }
	result.WithCancelHandler(func() { cancel(); cleanup() })

	m.track()
	go func() {
		f, err := os.Create(destPath)
		if err != nil {
			m.enqueue(func() { result.Reject(&loom.HTTPError{Err: err}) })
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			f.Close()
			cleanup()
			m.enqueue(func() { result.Reject(&loom.HTTPError{Err: err}) })
			return
		}
		resp, err := m.client.Do(req)
		if err != nil {
			f.Close()
			cleanup()
			m.enqueue(func() { result.Reject(&loom.HTTPError{Err: err}) })
			return
		}
		defer resp.Body.Close()

		_, copyErr := io.Copy(f, resp.Body)
		closeErr := f.Close()
		if copyErr != nil || closeErr != nil || resp.StatusCode >= 400 {
			cleanup()
			m.enqueue(func() {
				result.Reject(&loom.HTTPError{Status: resp.StatusCode, Err: copyErr})
			})
			return
		}
		m.enqueue(func() { result.Resolve(struct{}{}) })
	}()

	return result
}

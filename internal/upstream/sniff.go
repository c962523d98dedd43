package upstream

import (
	"bufio"
	"io"

	"github.com/pollux-proxy/pollux/internal/thoughtsig"
)

// sniffingReader tees a Gemini-family streaming response body through a
// thoughtsig.Sniffer while passing the original bytes through to the caller
// unchanged, so the Thought-Signature Engine (spec.md §4.5) learns
// signatures for this credential's next outbound call without altering the
// stream the inbound client sees. Grounded on the same bufio.Scanner SSE
// line-splitting the Codex non-stream funnel uses, run over a tee via
// io.Pipe instead of buffering, since a pass-through stream can't be
// buffered in full first.
type sniffingReader struct {
	src  io.ReadCloser
	pw   *io.PipeWriter
	done chan struct{}
}

func newSniffingReader(src io.ReadCloser, sniffer *thoughtsig.Sniffer) io.ReadCloser {
	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(nil, codexScannerBuffer)
		for scanner.Scan() {
			if data, ok := sseData(scanner.Bytes()); ok {
				sniffer.Observe(data)
			}
		}
		sniffer.Flush()
		io.Copy(io.Discard, pr)
	}()
	return &sniffingReader{src: src, pw: pw, done: done}
}

func (r *sniffingReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		_, _ = r.pw.Write(p[:n])
	}
	if err != nil {
		r.pw.CloseWithError(err)
	}
	return n, err
}

func (r *sniffingReader) Close() error {
	r.pw.CloseWithError(io.ErrClosedPipe)
	<-r.done
	return r.src.Close()
}

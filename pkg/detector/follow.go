package detector

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"time"
)

const maxLineSize = 1 << 20

// Follow feeds every line read from r to Observe until r is exhausted or ctx
// is cancelled.
func (d *Detector) Follow(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.Observe(sc.Text())
	}
	return sc.Err()
}

// FollowFile tails path like tail -f, polling for new data every poll.
func (d *Detector) FollowFile(ctx context.Context, path string, poll time.Duration) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	d.log.Info("following telemetry file", "path", path)
	err = d.Follow(ctx, &tailReader{ctx: ctx, r: f, poll: poll})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

type tailReader struct {
	ctx  context.Context
	r    io.Reader
	poll time.Duration
}

func (t *tailReader) Read(p []byte) (int, error) {
	for {
		n, err := t.r.Read(p)
		if n > 0 || (err != nil && err != io.EOF) {
			return n, err
		}
		select {
		case <-t.ctx.Done():
			return 0, io.EOF
		case <-time.After(t.poll):
		}
	}
}

// Writer returns an io.Writer that observes every complete line written to
// it. It is meant to be teed off a logger.
func (d *Detector) Writer() io.Writer {
	return &lineWriter{d: d}
}

type lineWriter struct {
	mu  sync.Mutex
	d   *Detector
	buf bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(w.buf.Next(i + 1))
		w.d.Observe(line[:len(line)-1])
	}
	if w.buf.Len() > maxLineSize {
		w.buf.Reset()
	}
	return len(p), nil
}

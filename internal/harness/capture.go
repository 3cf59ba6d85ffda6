package harness

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
)

// captureMu serializes stream swapping: os.Stdout and os.Stderr are process
// globals, so only one item is captured at a time.
var captureMu sync.Mutex

// capture redirects the process standard streams into buffers
type capture struct {
	oldOut, oldErr *os.File
	outW, errW     *os.File
	outBuf, errBuf bytes.Buffer
	wg             sync.WaitGroup
}

func startCapture() (*capture, error) {
	captureMu.Lock()

	outR, outW, err := os.Pipe()
	if err != nil {
		captureMu.Unlock()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		captureMu.Unlock()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	c := &capture{
		oldOut: os.Stdout,
		oldErr: os.Stderr,
		outW:   outW,
		errW:   errW,
	}

	c.wg.Add(2)
	go c.drain(&c.outBuf, outR)
	go c.drain(&c.errBuf, errR)

	os.Stdout = outW
	os.Stderr = errW
	return c, nil
}

func (c *capture) drain(dst *bytes.Buffer, r *os.File) {
	defer c.wg.Done()
	defer r.Close()
	_, _ = io.Copy(dst, r)
}

// stop restores the streams and returns everything written meanwhile.
func (c *capture) stop() (stdout, stderr string) {
	os.Stdout = c.oldOut
	os.Stderr = c.oldErr

	c.outW.Close()
	c.errW.Close()
	c.wg.Wait()

	captureMu.Unlock()
	return c.outBuf.String(), c.errBuf.String()
}

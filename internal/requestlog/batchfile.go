package requestlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/apitally/apitally-go/internal/model"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// BatchFile is a gzip-compressed, newline-delimited JSON file of log items.
type BatchFile struct {
	uuid uuid.UUID
	path string

	file   *os.File
	gz     *gzip.Writer
	size   *countingWriter
	closed bool
}

type countingWriter struct {
	w io.Writer
	n atomic.Int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(int64(n))
	return n, err
}

func createBatchFile(dir string) (*BatchFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create batch dir: %w", err)
	}
	file, err := os.CreateTemp(dir, "apitally-*.gz")
	if err != nil {
		return nil, fmt.Errorf("create batch file: %w", err)
	}
	counter := &countingWriter{w: file}
	return &BatchFile{
		uuid: uuid.New(),
		path: file.Name(),
		file: file,
		gz:   gzip.NewWriter(counter),
		size: counter,
	}, nil
}

// UUID identifies the file towards the hub.
func (f *BatchFile) UUID() uuid.UUID { return f.uuid }

// Path is the location on disk.
func (f *BatchFile) Path() string { return f.path }

// Size returns the compressed bytes written so far.
func (f *BatchFile) Size() int64 { return f.size.n.Load() }

func (f *BatchFile) writeLine(line []byte) error {
	if _, err := f.gz.Write(line); err != nil {
		return err
	}
	_, err := f.gz.Write([]byte{'\n'})
	return err
}

// flush pushes buffered compressed data to disk so Size reflects it.
func (f *BatchFile) flush() error {
	return f.gz.Flush()
}

func (f *BatchFile) close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	gzErr := f.gz.Close()
	fileErr := f.file.Close()
	if gzErr != nil {
		return gzErr
	}
	return fileErr
}

// Open returns a reader over the compressed file content.
func (f *BatchFile) Open() (io.ReadCloser, error) {
	return os.Open(f.path)
}

// Delete closes and removes the file.
func (f *BatchFile) Delete() error {
	_ = f.close()
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ReadItems decodes every log item from a gzip batch stream.
func ReadItems(r io.Reader) ([]model.LogItem, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	var items []model.LogItem
	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var item model.LogItem
		if err := json.Unmarshal(line, &item); err != nil {
			return nil, fmt.Errorf("decode log item %d: %w", len(items)+1, err)
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}
	return items, nil
}

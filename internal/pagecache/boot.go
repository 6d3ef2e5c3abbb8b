package pagecache

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Boot is the small, human-readable boot record that anchors a tree file:
// the current root offset, the logical file size (the next offset that
// would be handed out by extending the file), the configured block size,
// and the list of free, reusable offsets. It is stored as 16-character
// ASCII hex fields, one per line, terminated by the InvalidOffset
// sentinel.
type Boot struct {
	RootOffset uint64
	FileSize   uint64
	BlockSize  uint64
	FreeList   []uint64
}

// LoadBoot reads a boot record from path. A missing file is not an error:
// it signals a brand-new database and yields a zero-value Boot with
// RootOffset set to InvalidOffset.
func LoadBoot(path string) (*Boot, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return &Boot{RootOffset: InvalidOffset}, nil
	}
	if err != nil {
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	defer f.Close()

	r := bufio.NewReader(f)
	root, err := readHexField(r)
	if err != nil {
		return nil, err
	}
	size, err := readHexField(r)
	if err != nil {
		return nil, err
	}
	block, err := readHexField(r)
	if err != nil {
		return nil, err
	}

	b := &Boot{RootOffset: root, FileSize: size, BlockSize: block}
	for {
		v, err := readHexField(r)
		if err != nil {
			return nil, err
		}
		if v == InvalidOffset {
			break
		}
		b.FreeList = append(b.FreeList, v)
	}
	return b, nil
}

// Save writes the boot record to path, truncating any previous contents.
func (b *Boot) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := writeHexField(w, b.RootOffset); err != nil {
		return err
	}
	if err := writeHexField(w, b.FileSize); err != nil {
		return err
	}
	if err := writeHexField(w, b.BlockSize); err != nil {
		return err
	}
	for _, v := range b.FreeList {
		if err := writeHexField(w, v); err != nil {
			return err
		}
	}
	if err := writeHexField(w, InvalidOffset); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	if err := f.Sync(); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	return nil
}

// PopFree pops the front of the free list, or reports none available.
func (b *Boot) PopFree() (uint64, bool) {
	if len(b.FreeList) == 0 {
		return 0, false
	}
	v := b.FreeList[0]
	b.FreeList = b.FreeList[1:]
	return v, true
}

// PushFree appends an offset to the back of the free list.
func (b *Boot) PushFree(offset uint64) {
	b.FreeList = append(b.FreeList, offset)
}

func readHexField(r *bufio.Reader) (uint64, error) {
	buf := make([]byte, 16)
	n, err := io.ReadFull(r, buf)
	if err == io.EOF && n == 0 {
		return InvalidOffset, nil
	}
	if err != nil {
		return 0, errors.Wrap(ErrIO, err.Error())
	}
	// A trailing newline separates fields; consume it if present.
	if nl, err := r.Peek(1); err == nil && nl[0] == '\n' {
		_, _ = r.Discard(1)
	}
	var v uint64
	if _, err := fmt.Sscanf(string(buf), "%016x", &v); err != nil {
		return 0, errors.Wrapf(ErrIO, "malformed boot field %q: %v", buf, err)
	}
	return v, nil
}

func writeHexField(w *bufio.Writer, v uint64) error {
	if _, err := fmt.Fprintf(w, "%016x\n", v); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	return nil
}

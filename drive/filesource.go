package drive

import (
	"fmt"
	"io"
	"os"
)

// localFileSource implements uploader.FileSource against the real
// filesystem, grounded on engine.go's uploadFile (os.Stat for size,
// os.Open plus a Seek to the chunk offset for the body).
type localFileSource struct{}

func (localFileSource) Size(localPath string) (int64, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("drive: %s is a directory", localPath)
	}
	return info.Size(), nil
}

func (localFileSource) OpenAt(localPath string, offset int64) (io.ReadCloser, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	if info, err := f.Stat(); err == nil && info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("drive: %s is a directory", localPath)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

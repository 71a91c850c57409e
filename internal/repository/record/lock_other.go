//go:build !unix

package record

// fileLock is a no-op where flock is unavailable; only the in-process mutex
// serializes writers there.
type fileLock struct{}

func acquireFileLock(string) (*fileLock, error) {
	return &fileLock{}, nil
}

func (*fileLock) release() {}
